package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
telegram:
  token: "123:abc"
  admin_user_id: 42
  poll_timeout: "15s"
logging:
  level: "debug"
  console: true
network:
  driver: "sim"
credentials:
  driver: "file"
  path: "./creds"
database:
  path: "./data.db"
sessions:
  restore_delay: "2s"
broadcast:
  default_pace: "500ms"
`

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.AdminUserID != 42 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Network.Driver != "sim" || cfg.Broadcast.DefaultPace != "500ms" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json",
		`{"telegram":{"token":"t","admin_user_id":1},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""},"operator":{"enabled":false}},"network":{"driver":"sim"},"credentials":{"driver":"file","path":"x"},"database":{"path":"y"},"sessions":{},"broadcast":{}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "t" {
		t.Fatalf("cfg = %+v", cfg.Telegram)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", "telegram:\n  token: x\nmystery: true\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	if _, err := ParseDurationField("x", "nonsense"); err == nil {
		t.Fatal("bad duration accepted")
	}
	d, err := ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("parsed = %v, %v", d, err)
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("nothing delivered")
	}

	// A full buffer drops the oldest in favor of the newest.
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("stale config delivered after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
}
