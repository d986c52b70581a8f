// Package sbnconfig loads the daemon's INI-style configuration file,
// ported directly from gravwell-gravwell/config/loader.go's
// LoadConfigFile/LoadConfigBytes (same size cap, same error values), and
// applies the environment overrides of spec §6.
package sbnconfig

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"

	"github.com/gravwell/gcfg"
)

const maxConfigSize int64 = 4 * 1024 * 1024

var (
	ErrConfigFileTooLarge = errors.New("config file is too large")
	ErrFailedFileRead     = errors.New("failed to read entire config file")
)

// Global holds the top-level [global] section of the config file.
type Global struct {
	ListenPort      uint16   `gcfg:"listen-port"`
	ListenAddresses []string `gcfg:"listen-address"`
	ControlSocket   string   `gcfg:"control-socket"`
	CacheDir        string   `gcfg:"cache-dir"`
	Fanout          uint64   `gcfg:"fanout"`
	ScanInterval    uint64   `gcfg:"scan-interval-seconds"`
	RateLimitBPS    int64    `gcfg:"rate-limit-bps"`
	Interfaces      []string `gcfg:"interface"`
}

// Application describes one [application "name"] section: a child
// process to spawn under the process pipeline (spec §3 Application,
// §4.6).
type Application struct {
	Exec           string `gcfg:"exec"`
	UID            int    `gcfg:"uid"`
	GID            int    `gcfg:"gid"`
	Role           string `gcfg:"role"`
	MaxRestarts    int    `gcfg:"max-restarts"`
	RestartPeriod  uint64 `gcfg:"restart-period-seconds"`
	CooldownPeriod uint64 `gcfg:"cooldown-period-seconds"`
	ErrHandler     string `gcfg:"err-handler"`
}

// Config is the daemon's full configuration.
type Config struct {
	Global       Global
	Applications map[string]*Application `gcfg:"application"`
}

// LoadFile opens path, checks its size, and loads it via LoadBytes.
func LoadFile(path string) (*Config, error) {
	fin, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fin.Close()
	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	bb := bytes.NewBuffer(nil)
	n, err := io.Copy(bb, fin)
	if err != nil {
		return nil, err
	}
	if n != fi.Size() {
		return nil, ErrFailedFileRead
	}
	return LoadBytes(bb.Bytes())
}

// LoadBytes parses b into a Config and applies environment overrides.
func LoadBytes(b []byte) (*Config, error) {
	if int64(len(b)) > maxConfigSize {
		return nil, ErrConfigFileTooLarge
	}
	cfg := &Config{}
	if err := gcfg.ReadStringInto(cfg, string(b)); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv applies the environment overrides documented in spec §6:
// SBN_SCAN_INTERVAL, SBN_CACHE_DIR, SBN_INTERFACES.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SBN_CACHE_DIR"); v != "" {
		cfg.Global.CacheDir = v
	}
	if v := os.Getenv("SBN_SCAN_INTERVAL"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Global.ScanInterval = n
		}
	}
	if v := os.Getenv("SBN_INTERFACES"); v != "" {
		cfg.Global.Interfaces = splitCommaList(v)
	}
}

func splitCommaList(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ',' {
			if cur != "" {
				out = append(out, cur)
			}
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
