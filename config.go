//go:build linux && amd64

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Config is the file form of the command-line options. Flags given on the
// command line win over the file.
type Config struct {
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	ConstContext bool   `toml:"const_context"`
	ThreadStart  bool   `toml:"thread_start"`
	HistoryFile  string `toml:"history_file"`
}

var defaultConfig = Config{
	LogLevel:    "warn",
	LogFormat:   "text",
	HistoryFile: filepath.Join(os.TempDir(), "simdguard_history.txt"),
}

// flagFields ties each flag to the field it sets.
var flagFields = map[string]func(dst, src *Config){
	"log-level":     func(dst, src *Config) { dst.LogLevel = src.LogLevel },
	"log-format":    func(dst, src *Config) { dst.LogFormat = src.LogFormat },
	"const-context": func(dst, src *Config) { dst.ConstContext = src.ConstContext },
	"thread-start":  func(dst, src *Config) { dst.ThreadStart = src.ThreadStart },
	"history":       func(dst, src *Config) { dst.HistoryFile = src.HistoryFile },
}

type rootOptions struct {
	configPath string
	cfg        Config
	log        *logrus.Logger
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// mergeFlags overlays the flags that were set on file.
func mergeFlags(file, flags Config, changed func(name string) bool) Config {
	out := file
	for name, set := range flagFields {
		if changed(name) {
			set(&out, &flags)
		}
	}
	return out
}

func newLogger(cfg Config, w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	switch cfg.LogFormat {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return log, nil
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	if o.configPath != "" {
		file, err := loadConfig(o.configPath)
		if err != nil {
			return err
		}
		o.cfg = mergeFlags(file, o.cfg, cmd.Flags().Changed)
	}
	log, err := newLogger(o.cfg, os.Stderr)
	if err != nil {
		return err
	}
	o.log = log
	log.WithField("config", fmt.Sprintf("%+v", o.cfg)).Debug("configuration")
	return nil
}
