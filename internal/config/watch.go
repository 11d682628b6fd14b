package config

import (
	"errors"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ErrNoConfigFile is returned by Watch when configuration came only from defaults
// and the environment, so there is nothing on disk to watch.
var ErrNoConfigFile = errors.New("no config file in use")

// Watch re-reads the config file whenever it changes on disk and passes the freshly
// validated Config to onChange. An edit that fails validation is logged and ignored,
// leaving the previous configuration in effect.
//
// Only settings that are safe to swap at runtime should be applied by onChange;
// the server uses it for the log level.
func Watch(configPath string, onChange func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return ErrNoConfigFile
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config file changed", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
