package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
thermostat:
  address: "00:1A:22:0B:33:44"
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.Store.Path != "eq3bt-home.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.MQTT.TopicPrefix != "eq3bt/001a220b3344" {
		t.Errorf("topic prefix = %q", cfg.MQTT.TopicPrefix)
	}
}

func TestConfigTimeouts(t *testing.T) {
	path := writeConfig(t, `
thermostat:
  address: "00:1A:22:0B:33:44"
  connection_timeout: 20s
  command_timeout: 3s
store:
  retention: 720h
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	thermCfg, err := cfg.thermostatConfig()
	if err != nil {
		t.Fatal(err)
	}
	if thermCfg.ConnectionTimeout != 20*time.Second || thermCfg.CommandTimeout != 3*time.Second {
		t.Errorf("timeouts = %v, %v", thermCfg.ConnectionTimeout, thermCfg.CommandTimeout)
	}
	if cfg.retention() != 720*time.Hour {
		t.Errorf("retention = %v", cfg.retention())
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing address", `web: {listen: ":8080"}`},
		{"mqtt without broker", "thermostat:\n  address: aa\nmqtt:\n  enabled: true"},
		{"bad timeout", "thermostat:\n  address: aa\n  command_timeout: soon"},
		{"bad retention", "thermostat:\n  address: aa\nstore:\n  retention: long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.content))
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			if err := cfg.validate(); err == nil {
				t.Error("validate did not fail")
			}
		})
	}
}
