package main

import (
	"os"
	"path/filepath"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/golang/glog"
)

const (
	timeFormat = "20060102_150405"
	debugLevel = 2
)

// dumpGoroutines writes the stacks of all goroutines to a file in the temp dir.
func dumpGoroutines() {
	name := filepath.Join(os.TempDir(), "minichat-"+strconv.Itoa(os.Getpid())+"-goroutine-"+time.Now().Format(timeFormat))
	f, err := os.Create(name)
	if err != nil {
		glog.Errorf("create goroutine dump file `%s` error: %v", name, err)
		return
	}
	defer f.Close()

	if err := pprof.Lookup("goroutine").WriteTo(f, debugLevel); err != nil {
		glog.Errorf("dump goroutines error: %v", err)
		return
	}
	glog.Infof("goroutines dumped to `%s`", name)
}
