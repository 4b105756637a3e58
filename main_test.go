package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/broker"
	"github.com/mqy/minichat/ws"
)

func writeFile(t *testing.T, content string) string {
	name := filepath.Join(t.TempDir(), "minichat.toml")
	require.NoError(t, os.WriteFile(name, []byte(content), 0600))
	return name
}

func TestLoadConfigFile(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	brokerURL := fs.String("broker-url", "ws://127.0.0.1:8080/ws", "")
	token := fs.String("token", "", "")
	pageSize := fs.Int("page-size", 50, "")
	debounce := fs.Duration("read-debounce", time.Second, "")
	metrics := fs.Bool("disable-metrics", false, "")

	require.NoError(t, fs.Parse([]string{"-token", "cli"}))
	name := writeFile(t, `
broker-url = "nats://127.0.0.1:4222"
token = "file"
page-size = 30
read-debounce = "250ms"
disable-metrics = true
`)
	require.NoError(t, loadConfigFile(fs, name))

	assert.Equal(t, "nats://127.0.0.1:4222", *brokerURL)
	assert.Equal(t, "cli", *token)
	assert.Equal(t, 30, *pageSize)
	assert.Equal(t, 250*time.Millisecond, *debounce)
	assert.True(t, *metrics)
}

func TestLoadConfigFileErrors(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Int("page-size", 50, "")
	fs.String("config", "", "")

	assert.Error(t, loadConfigFile(fs, writeFile(t, `unknown = 1`)))
	assert.Error(t, loadConfigFile(fs, writeFile(t, `page-size = "many"`)))
	assert.Error(t, loadConfigFile(fs, writeFile(t, `config = "other.toml"`)))
	assert.Error(t, loadConfigFile(fs, writeFile(t, `page-size = [1, 2]`)))
	assert.Error(t, loadConfigFile(fs, writeFile(t, `page-size = `)))
	assert.Error(t, loadConfigFile(fs, filepath.Join(t.TempDir(), "absent.toml")))
}

func TestNewDialer(t *testing.T) {
	d, err := newDialer("ws://127.0.0.1:8080/ws")
	require.NoError(t, err)
	assert.IsType(t, &ws.WebsocketDialer{}, d)

	d, err = newDialer("nats://127.0.0.1:4222")
	require.NoError(t, err)
	assert.IsType(t, &broker.NatsDialer{}, d)

	d, err = newDialer("kafka://k1:9092,k2:9092")
	require.NoError(t, err)
	require.IsType(t, &broker.KafkaDialer{}, d)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, d.(*broker.KafkaDialer).Brokers)

	_, err = newDialer("http://127.0.0.1")
	assert.Error(t, err)
	_, err = newDialer("127.0.0.1:8080")
	assert.Error(t, err)
}

func TestValidateAddr(t *testing.T) {
	assert.NoError(t, validateAddr("127.0.0.1:9100"))
	assert.NoError(t, validateAddr("10.0.0.3:9100"))
	assert.Error(t, validateAddr("8.8.8.8:9100"))
	assert.Error(t, validateAddr("localhost"))
}
