package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	vnccapture "github.com/e7canasta/vnc-capture"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vnc-capture.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load(\"\") = %+v, want defaults", cfg)
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeTempConfig(t, `
server:
  host: " 192.168.1.50 "
  port: 5901
  password: secret
  dscp: 46
encoding:
  name: Hextile
  compress: 3
  jpeg: false
  quality: 7
crop:
  left: 10
  right: 10
  top: 40
  bottom: 0
output:
  dir: /tmp/frames
  every: 5
  record: /tmp/session.vncr
log_level: DEBUG
stats_interval: 30s
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if f.LogLevel != "debug" || f.StatsInterval != 30*time.Second || f.Output.Every != 5 {
		t.Errorf("tool settings = %+v", f)
	}

	cfg, err := f.SourceConfig()
	if err != nil {
		t.Fatalf("SourceConfig() failed: %v", err)
	}
	want := vnccapture.Config{
		Host:          "192.168.1.50",
		Port:          5901,
		Password:      "secret",
		Encoding:      vnccapture.EncodingHextile,
		CompressLevel: 3,
		EnableJPEG:    false,
		QualityLevel:  7,
		DSCP:          46,
		Crop:          vnccapture.EdgeCrop{Left: 10, Right: 10, Top: 40},
	}
	if cfg != want {
		t.Errorf("SourceConfig() = %+v, want %+v", cfg, want)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server:
  host: vnc.local
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg, err := f.SourceConfig()
	if err != nil {
		t.Fatalf("SourceConfig() failed: %v", err)
	}
	if cfg != vnccapture.DefaultConfig("vnc.local") {
		t.Errorf("SourceConfig() = %+v, want DefaultConfig(vnc.local)", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown key", "server:\n  hostname: x\n", "hostname"},
		{"bad log level", "log_level: trace\n", "log_level"},
		{"bad encoding", "encoding:\n  name: h264\n", "encoding.name"},
		{"negative stats interval", "stats_interval: -1s\n", "stats_interval"},
		{"negative max frames", "output:\n  max_frames: -2\n", "max_frames"},
		{"malformed", "server: [\n", "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.yaml))
			if err == nil {
				t.Fatalf("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load(absent) error = %v, want not-exist", err)
	}
}

func TestSourceConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *File)
	}{
		{"missing host", func(f *File) {}},
		{"port out of range", func(f *File) { f.Server.Host = "h"; f.Server.Port = 70000 }},
		{"compress out of range", func(f *File) { f.Server.Host = "h"; f.Encoding.Compress = 11 }},
		{"negative crop", func(f *File) { f.Server.Host = "h"; f.Crop.Left = -1 }},
		{"dscp out of range", func(f *File) { f.Server.Host = "h"; f.Server.DSCP = 64 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Default()
			tt.mutate(&f)
			if _, err := f.SourceConfig(); err == nil {
				t.Error("SourceConfig() should fail")
			}
		})
	}
}

func TestSourceConfig_PasswordEnv(t *testing.T) {
	t.Setenv("VNC_CAPTURE_TEST_PASSWORD", "from-env")

	f := Default()
	f.Server.Host = "h"
	f.Server.Password = "from-file"
	f.Server.PasswordEnv = "VNC_CAPTURE_TEST_PASSWORD"

	cfg, err := f.SourceConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Password != "from-env" {
		t.Errorf("Password = %q, want from-env", cfg.Password)
	}

	f.Server.PasswordEnv = "VNC_CAPTURE_TEST_UNSET"
	cfg, _ = f.SourceConfig()
	if cfg.Password != "from-file" {
		t.Errorf("Password = %q, want from-file when the variable is unset", cfg.Password)
	}
}
