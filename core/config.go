// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/gobuffalo/envy"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
)

// DefaultConfigPath is where the binaries look for a configuration file.
const DefaultConfigPath = "~/.config/koru/koru.toml"

// Configuration defines a global engine configuration setting
type Configuration struct {
	RHI     RHIConfiguration    `toml:"rhi"`
	Time    TimeConfiguration   `toml:"time"`
	Log     LogConfiguration    `toml:"log"`
	Window  WindowConfiguration `toml:"window"`
	Tasks   TaskConfiguration   `toml:"tasks"`
	Shaders ShaderConfiguration `toml:"shaders"`
}

// RHIConfiguration selects and tunes the graphics driver.
type RHIConfiguration struct {
	// Backend is "software" or "vulkan".
	Backend string `toml:"backend"`

	// Mode is "dedicated" or "cooperative".
	Mode string `toml:"mode"`

	BufferSize  int  `toml:"buffer_size"`
	MaxPending  int  `toml:"max_pending"`
	Debug       bool `toml:"debug"`
	DeviceIndex int  `toml:"device_index"`
}

// TimeConfiguration is used to configure time services
type TimeConfiguration struct {
	// FramesPerSecond caps frames per second that is put out
	// To unlimit, set to 0
	FramesPerSecond int `toml:"fps"`

	// EventPollDelay is the event loop period in milliseconds.
	EventPollDelay int `toml:"event_poll_delay"`
}

// LogConfiguration configures the process logger.
type LogConfiguration struct {
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`
}

// WindowConfiguration describes the demo window.
type WindowConfiguration struct {
	Title  string `toml:"title"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
}

// TaskConfiguration sizes the background task pool.
type TaskConfiguration struct {
	Workers int `toml:"workers"`
}

// ShaderConfiguration points at program sources on disk.
type ShaderConfiguration struct {
	Directory string `toml:"directory"`
	Watch     bool   `toml:"watch"`
}

// DefaultConfiguration returns the built in settings.
func DefaultConfiguration() Configuration {
	return Configuration{
		RHI: RHIConfiguration{
			Backend:    "software",
			Mode:       "cooperative",
			BufferSize: 10240,
		},
		Time: TimeConfiguration{
			FramesPerSecond: 60,
			EventPollDelay:  10,
		},
		Log: LogConfiguration{
			Level:  "info",
			Format: "text",
		},
		Window: WindowConfiguration{
			Title:  "Koru3D",
			Width:  800,
			Height: 600,
		},
	}
}

// LoadConfiguration builds the configuration from the defaults, the
// TOML file at path, the given .env files and finally KORU_* environment
// variables, each layer overriding the previous one. A missing file at
// DefaultConfigPath or a missing .env file is not an error.
func LoadConfiguration(path string, envFiles ...string) (Configuration, error) {
	cfg := DefaultConfiguration()

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		data, err := os.ReadFile(expanded)
		switch {
		case errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath:
		case err != nil:
			return cfg, fmt.Errorf("config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: %s: %w", expanded, err)
			}
		}
	}

	var present []string
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) > 0 {
		if err := godotenv.Load(present...); err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
	}
	envy.Reload()

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Configuration) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"KORU_RHI_BACKEND", &cfg.RHI.Backend},
		{"KORU_RHI_MODE", &cfg.RHI.Mode},
		{"KORU_LOG_LEVEL", &cfg.Log.Level},
		{"KORU_LOG_FORMAT", &cfg.Log.Format},
		{"KORU_SHADER_DIR", &cfg.Shaders.Directory},
	}
	for _, s := range strs {
		*s.dst = envy.Get(s.key, *s.dst)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"KORU_RHI_BUFFER_SIZE", &cfg.RHI.BufferSize},
		{"KORU_RHI_MAX_PENDING", &cfg.RHI.MaxPending},
		{"KORU_RHI_DEVICE", &cfg.RHI.DeviceIndex},
		{"KORU_FPS", &cfg.Time.FramesPerSecond},
		{"KORU_TASK_WORKERS", &cfg.Tasks.Workers},
	}
	for _, i := range ints {
		v, err := envy.MustGet(i.key)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", i.key, err)
		}
		*i.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"KORU_RHI_DEBUG", &cfg.RHI.Debug},
		{"KORU_SHADER_WATCH", &cfg.Shaders.Watch},
	}
	for _, b := range bools {
		v, err := envy.MustGet(b.key)
		if err != nil {
			continue
		}
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", b.key, err)
		}
		*b.dst = on
	}
	return nil
}
