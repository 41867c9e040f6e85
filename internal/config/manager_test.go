package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yml := filepath.Join(dir, "config.yaml")
	writeFile(t, yml, `
logging:
  level: debug
  console: true
engine:
  workers: 3
recipients:
  "user:u1":
    contacts:
      - channel: email
        address: u1@example.com
        priority: 1
`)
	cfg, err := NewConfigManager(yml).Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Engine.Workers != 3 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if got := cfg.Recipients["user:u1"].Contacts[0].Address; got != "u1@example.com" {
		t.Fatalf("address = %q", got)
	}

	js := filepath.Join(dir, "config.json")
	writeFile(t, js, `{"logging":{"level":"info"},"http":{"enabled":true,"addr":"127.0.0.1:0"}}`)
	cfg, err = NewConfigManager(js).Parse()
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if !cfg.HTTP.Enabled {
		t.Fatal("http.enabled should be true")
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"logging":{"level":"info","colour":true}}`,
		"trailing.json": `{"logging":{}} {"logging":{}}`,
		"unknown.yaml":  "engine:\n  wrkers: 2\n",
	}
	for name, body := range cases {
		p := filepath.Join(dir, name)
		writeFile(t, p, body)
		if _, err := NewConfigManager(p).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestReloadSkipsUnchangedAndValidates(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, p, `{"engine":{"workers":1}}`)

	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("unchanged reload: published=%v err=%v", published, err)
	}

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Engine.Workers > 8 {
			return errors.New("engine.workers too large")
		}
		return nil
	})

	writeFile(t, p, `{"engine":{"workers":99}}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("expected validator rejection")
	}
	if m.Get().Engine.Workers != 1 {
		t.Fatalf("rejected config was committed: %+v", m.Get().Engine)
	}

	writeFile(t, p, `{"engine":{"workers":2}}`)
	published, err = m.Reload(context.Background())
	if err != nil || !published {
		t.Fatalf("changed reload: published=%v err=%v", published, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Engine.Workers != 2 {
			t.Fatalf("published workers = %d", cfg.Engine.Workers)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestPublishKeepsLatestForSlowSubscriber(t *testing.T) {
	m := NewConfigManager("")
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	m.publish(&Config{Timezone: "UTC"})
	m.publish(&Config{Timezone: "Asia/Jakarta"})

	got := <-sub
	if got.Timezone != "Asia/Jakarta" {
		t.Fatalf("got %q, want latest", got.Timezone)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Engine: EngineConfig{Workers: 1}}
	newCfg := &Config{
		Engine:  EngineConfig{Workers: 2},
		HTTP:    HTTPConfig{Enabled: true},
		Storage: &StorageConfig{Driver: "file", Path: "./data"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"engine", "http", "storage"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 5s ", 5 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDurationField("x", tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err=%v wantErr=%v", tc.raw, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.raw, got, tc.want)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
}
