package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// redacted replaces secrets in rendered output.
const redacted = "********"

// Render writes cfg as YAML in the same shape Load reads. Durations are
// written as strings and secrets are redacted unless showSecrets is set.
func Render(w io.Writer, cfg *Config, showSecrets bool) error {
	secret := func(s string) string {
		if s == "" || showSecrets {
			return s
		}
		return redacted
	}
	headers := make(map[string]string, len(cfg.Gateway.Headers))
	for k, v := range cfg.Gateway.Headers {
		headers[k] = secret(v)
	}
	dur := func(d time.Duration) string { return d.String() }

	doc := map[string]any{
		"data_dir": cfg.DataDir,
		"store": map[string]any{
			"driver":    cfg.Store.Driver,
			"path":      cfg.Store.Path,
			"dsn":       secret(cfg.Store.DSN),
			"table":     cfg.Store.Table,
			"max_conns": cfg.Store.MaxConns,
			"addr":      cfg.Store.Addr,
			"password":  secret(cfg.Store.Password),
			"db":        cfg.Store.DB,
			"namespace": cfg.Store.Namespace,
		},
		"gateway": map[string]any{
			"base_url":     cfg.Gateway.BaseURL,
			"timeout":      dur(cfg.Gateway.Timeout),
			"headers":      headers,
			"entity_types": cfg.Gateway.EntityTypes,
		},
		"sync": map[string]any{
			"max_retries":     cfg.Sync.MaxRetries,
			"base_delay":      dur(cfg.Sync.BaseDelay),
			"max_delay":       dur(cfg.Sync.MaxDelay),
			"attempt_timeout": dur(cfg.Sync.AttemptTimeout),
			"ack_ttl":         dur(cfg.Sync.AckTTL),
		},
		"daemon": map[string]any{
			"periodic_interval": dur(cfg.Daemon.PeriodicInterval),
			"debounce_interval": dur(cfg.Daemon.DebounceInterval),
			"wake_dir":          cfg.Daemon.WakeDir,
			"wake_tag":          cfg.Daemon.WakeTag,
		},
		"probe": map[string]any{
			"url":      cfg.Probe.URL,
			"interval": dur(cfg.Probe.Interval),
			"timeout":  dur(cfg.Probe.Timeout),
		},
		"dashboard": map[string]any{
			"enabled": cfg.Dashboard.Enabled,
			"addr":    cfg.Dashboard.Addr,
		},
		"log": map[string]any{
			"env":          cfg.Log.Env,
			"level":        cfg.Log.Level,
			"file":         cfg.Log.File,
			"max_size_mb":  cfg.Log.MaxSizeMB,
			"max_backups":  cfg.Log.MaxBackups,
			"max_age_days": cfg.Log.MaxAgeDays,
		},
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// WriteFile renders cfg to path, refusing to overwrite an existing file.
func WriteFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := Render(f, cfg, true); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
