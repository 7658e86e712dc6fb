// Package config loads the vnc-capture YAML file and turns it into a
// source configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	vnccapture "github.com/e7canasta/vnc-capture"
	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration.
type File struct {
	Server        Server              `yaml:"server"`
	Encoding      Encoding            `yaml:"encoding"`
	Crop          vnccapture.EdgeCrop `yaml:"crop"`
	Output        Output              `yaml:"output"`
	LogLevel      string              `yaml:"log_level"`      // debug, info, warn, error
	StatsInterval time.Duration       `yaml:"stats_interval"` // 0 disables periodic stats
}

// Server identifies the VNC endpoint.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	// PasswordEnv names an environment variable that overrides Password
	PasswordEnv string `yaml:"password_env"`
	DSCP        int    `yaml:"dscp"`
}

// Encoding holds the negotiation hints.
type Encoding struct {
	Name     string `yaml:"name"` // tight, zrle, ... raw; empty or "auto" for all
	Compress int    `yaml:"compress"`
	JPEG     bool   `yaml:"jpeg"`
	Quality  int    `yaml:"quality"`
}

// Output controls what the command does with frames.
type Output struct {
	Dir       string `yaml:"dir"`        // PNG snapshots go here; empty disables
	Every     int    `yaml:"every"`      // keep one snapshot in N frames
	MaxFrames int    `yaml:"max_frames"` // stop saving after N snapshots, 0 = unlimited
	Record    string `yaml:"record"`     // recording file; empty disables
	Display   string `yaml:"display"`    // GStreamer video sink element; empty disables, needs the gst build
}

// Default returns the configuration used for keys the file omits.
func Default() File {
	return File{
		Server: Server{
			Port: vnccapture.DefaultPort,
		},
		Encoding: Encoding{
			Compress: 9,
			JPEG:     true,
			Quality:  5,
		},
		Output: Output{
			Every: 1,
		},
		LogLevel:      "info",
		StatsInterval: 10 * time.Second,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (File, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := Decode(bs, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Decode strictly unmarshals YAML bytes into cfg, keeping fields the
// document does not mention.
func Decode(bs []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(bs))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (f *File) normalize() {
	f.Server.Host = strings.TrimSpace(f.Server.Host)
	f.Encoding.Name = strings.ToLower(strings.TrimSpace(f.Encoding.Name))
	f.LogLevel = strings.ToLower(strings.TrimSpace(f.LogLevel))
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	if f.Output.Every <= 0 {
		f.Output.Every = 1
	}
}

// Validate checks the tool settings. Server and encoding fields are
// checked by SourceConfig, after command-line overrides.
func (f File) Validate() error {
	switch f.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", f.LogLevel)
	}
	if f.StatsInterval < 0 {
		return fmt.Errorf("stats_interval %v must not be negative", f.StatsInterval)
	}
	if f.Output.MaxFrames < 0 {
		return fmt.Errorf("output.max_frames %d must not be negative", f.Output.MaxFrames)
	}
	if _, err := vnccapture.ParseEncoding(f.Encoding.Name); err != nil {
		return fmt.Errorf("encoding.name: %w", err)
	}
	return nil
}

// SourceConfig converts the file into a validated vnccapture.Config.
func (f File) SourceConfig() (vnccapture.Config, error) {
	enc, err := vnccapture.ParseEncoding(f.Encoding.Name)
	if err != nil {
		return vnccapture.Config{}, fmt.Errorf("encoding.name: %w", err)
	}

	password := f.Server.Password
	if f.Server.PasswordEnv != "" {
		if v, ok := os.LookupEnv(f.Server.PasswordEnv); ok {
			password = v
		}
	}

	cfg := vnccapture.Config{
		Host:          f.Server.Host,
		Port:          f.Server.Port,
		Password:      password,
		Encoding:      enc,
		CompressLevel: f.Encoding.Compress,
		EnableJPEG:    f.Encoding.JPEG,
		QualityLevel:  f.Encoding.Quality,
		DSCP:          f.Server.DSCP,
		Crop:          f.Crop,
	}
	if err := vnccapture.ValidateConfig(cfg); err != nil {
		return vnccapture.Config{}, err
	}
	return cfg, nil
}
