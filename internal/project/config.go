package project

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrNoMetadata is returned when pyproject.toml has no [tool.apx.metadata].
var ErrNoMetadata = errors.New("no [tool.apx.metadata] section in pyproject.toml")

// Metadata is the [tool.apx.metadata] table.
type Metadata struct {
	AppName   string `mapstructure:"app-name" json:"app_name"`
	AppModule string `mapstructure:"app-module" json:"app_module"`
	AppSlug   string `mapstructure:"app-slug" json:"app_slug"`
}

// Settings is the [tool.apx.dev] table. Every key can be overridden with an
// APX_ environment variable (APX_FRONTEND_COMMAND, APX_STOP_TIMEOUT, ...).
type Settings struct {
	FrontendCommand   string        `mapstructure:"frontend-command"`
	CodegenCommand    string        `mapstructure:"codegen-command"`
	BackendExtensions []string      `mapstructure:"backend-extensions"`
	SchemaExtensions  []string      `mapstructure:"schema-extensions"`
	StopTimeout       time.Duration `mapstructure:"stop-timeout"`
	RestartPause      time.Duration `mapstructure:"restart-pause"`
	LogCapacity       int           `mapstructure:"log-capacity"`
	TokenLifetime     time.Duration `mapstructure:"token-lifetime"`
	TokenMargin       time.Duration `mapstructure:"token-margin"`
}

// DefaultSettings returns the settings used when pyproject.toml sets nothing.
func DefaultSettings() Settings {
	return Settings{
		FrontendCommand:   "bun run dev",
		CodegenCommand:    "bun x --bun orval -i .apx/openapi.json -c .apx/orval.config.ts",
		BackendExtensions: []string{".go"},
		SchemaExtensions:  []string{".go"},
		StopTimeout:       5 * time.Second,
		RestartPause:      time.Second,
		LogCapacity:       10000,
		TokenLifetime:     4 * time.Hour,
		TokenMargin:       time.Hour,
	}
}

// Config is everything read from pyproject.toml.
type Config struct {
	Metadata Metadata
	Settings Settings
}

func (p *Project) readPyproject() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(p.PyprojectPath())
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", p.PyprojectPath(), err)
	}
	return v, nil
}

// Metadata reads [tool.apx.metadata].
func (p *Project) Metadata() (Metadata, error) {
	v, err := p.readPyproject()
	if err != nil {
		return Metadata{}, err
	}
	return metadataFrom(v)
}

func metadataFrom(v *viper.Viper) (Metadata, error) {
	var md Metadata
	sub := v.Sub("tool.apx.metadata")
	if sub == nil {
		return md, ErrNoMetadata
	}
	if err := sub.Unmarshal(&md); err != nil {
		return md, fmt.Errorf("parse [tool.apx.metadata]: %w", err)
	}
	if md.AppModule == "" {
		return md, fmt.Errorf("[tool.apx.metadata] is missing app-module")
	}
	return md, nil
}

// Settings reads [tool.apx.dev] over the defaults and applies APX_*
// environment overrides. A missing pyproject.toml is not an error here.
func (p *Project) Settings() (Settings, error) {
	s := newSettingsViper()
	if v, err := p.readPyproject(); err == nil {
		if m := v.GetStringMap("tool.apx.dev"); len(m) > 0 {
			if err := s.MergeConfigMap(m); err != nil {
				return Settings{}, err
			}
		}
	}
	return decodeSettings(s)
}

// Load reads metadata and settings together.
func (p *Project) Load() (Config, error) {
	v, err := p.readPyproject()
	if err != nil {
		return Config{}, err
	}
	md, err := metadataFrom(v)
	if err != nil {
		return Config{}, err
	}
	s := newSettingsViper()
	if m := v.GetStringMap("tool.apx.dev"); len(m) > 0 {
		if err := s.MergeConfigMap(m); err != nil {
			return Config{}, err
		}
	}
	st, err := decodeSettings(s)
	if err != nil {
		return Config{}, err
	}
	return Config{Metadata: md, Settings: st}, nil
}

func newSettingsViper() *viper.Viper {
	d := DefaultSettings()
	s := viper.New()
	s.SetDefault("frontend-command", d.FrontendCommand)
	s.SetDefault("codegen-command", d.CodegenCommand)
	s.SetDefault("backend-extensions", d.BackendExtensions)
	s.SetDefault("schema-extensions", d.SchemaExtensions)
	s.SetDefault("stop-timeout", d.StopTimeout)
	s.SetDefault("restart-pause", d.RestartPause)
	s.SetDefault("log-capacity", d.LogCapacity)
	s.SetDefault("token-lifetime", d.TokenLifetime)
	s.SetDefault("token-margin", d.TokenMargin)
	s.SetEnvPrefix("APX")
	s.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	s.AutomaticEnv()
	return s
}

func decodeSettings(s *viper.Viper) (Settings, error) {
	var out Settings
	if err := s.Unmarshal(&out); err != nil {
		return Settings{}, fmt.Errorf("parse [tool.apx.dev]: %w", err)
	}
	d := DefaultSettings()
	if out.LogCapacity <= 0 {
		out.LogCapacity = d.LogCapacity
	}
	if out.StopTimeout <= 0 {
		out.StopTimeout = d.StopTimeout
	}
	if out.TokenLifetime <= 0 {
		out.TokenLifetime = d.TokenLifetime
	}
	if out.TokenMargin < 0 {
		out.TokenMargin = d.TokenMargin
	}
	if len(out.BackendExtensions) == 0 {
		out.BackendExtensions = d.BackendExtensions
	}
	if len(out.SchemaExtensions) == 0 {
		out.SchemaExtensions = d.SchemaExtensions
	}
	return out, nil
}
