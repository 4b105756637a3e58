package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sort"

	"github.com/golang/glog"
	"github.com/pelletier/go-toml/v2"
)

// loadConfigFile sets flags from a TOML file whose keys are flag names. Flags given on
// the command line keep their values.
//
//	broker-url = "nats://127.0.0.1:4222"
//	read-debounce = "1s"
//	page-size = 30
func loadConfigFile(fs *flag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var values map[string]interface{}
	if err := toml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse `%s`: %v", path, err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "config" {
			return fmt.Errorf("`config` is not allowed in a config file")
		}
		if fs.Lookup(k) == nil {
			return fmt.Errorf("unknown key `%s`", k)
		}
		if explicit[k] {
			glog.V(5).Infof("config: `%s` given on the command line, file value ignored", k)
			continue
		}
		v, err := flagValue(values[k])
		if err != nil {
			return fmt.Errorf("key `%s`: %v", k, err)
		}
		if err := fs.Set(k, v); err != nil {
			return fmt.Errorf("key `%s`: %v", k, err)
		}
	}
	return nil
}

func flagValue(v interface{}) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool, int64, float64:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}
