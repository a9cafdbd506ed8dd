// Package config loads and validates the declarative uisync project
// configuration and owns the path-mirroring rules derived from it.
//
// Sources, in order of precedence: environment variables (UISYNC_*), the
// configuration file, built-in defaults. Unknown keys are warned about and
// ignored; invalid values fail loading.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"
	"github.com/spf13/viper"
)

// Mode selects which side's sources are authoritative.
type Mode string

const (
	ModeAFirst    Mode = "a-first"
	ModeBFirst    Mode = "b-first"
	ModeUniversal Mode = "universal"
)

// Config is the full declarative configuration document.
type Config struct {
	// Mode selects the source of truth: a-first, b-first, or universal.
	Mode Mode `json:"mode" mapstructure:"mode" validate:"required,oneof=a-first b-first universal"`

	// RootA and RootB are the two watch root directories.
	RootA string `json:"rootA" mapstructure:"rootA" validate:"required"`
	RootB string `json:"rootB" mapstructure:"rootB" validate:"required"`

	// StorageDir holds persisted IR records and conflict state.
	StorageDir string `json:"storageDir,omitempty" mapstructure:"storageDir"`

	// CustomMappings optionally points to an extension-mapping document.
	CustomMappings string `json:"customMappings,omitempty" mapstructure:"customMappings"`

	NamingConventions NamingConventions `json:"namingConventions,omitempty" mapstructure:"namingConventions"`
	Formatting        Formatting        `json:"formatting,omitempty" mapstructure:"formatting"`
	Sync              SyncConfig        `json:"sync,omitempty" mapstructure:"sync"`
	Conversion        Conversion        `json:"conversion,omitempty" mapstructure:"conversion"`
	Validation        Validation        `json:"validation,omitempty" mapstructure:"validation"`
	Server            ServerConfig      `json:"server,omitempty" mapstructure:"server"`
}

// NamingConventions controls generated naming on each surface.
type NamingConventions struct {
	FileNamingA     NamingStyle `json:"fileNamingA,omitempty" mapstructure:"fileNamingA" validate:"omitempty,oneof=snake_case kebab-case PascalCase camelCase"`
	FileNamingB     NamingStyle `json:"fileNamingB,omitempty" mapstructure:"fileNamingB" validate:"omitempty,oneof=snake_case kebab-case PascalCase camelCase"`
	IdentifierNaming NamingStyle `json:"identifierNaming,omitempty" mapstructure:"identifierNaming" validate:"omitempty,oneof=snake_case kebab-case PascalCase camelCase"`
	ComponentNaming  NamingStyle `json:"componentNaming,omitempty" mapstructure:"componentNaming" validate:"omitempty,oneof=snake_case kebab-case PascalCase camelCase"`
}

// Formatting is passed through to generators.
type Formatting struct {
	IndentSize    int  `json:"indentSize,omitempty" mapstructure:"indentSize" validate:"omitempty,gte=0,lte=16"`
	UseTabs       bool `json:"useTabs,omitempty" mapstructure:"useTabs"`
	LineWidth     int  `json:"lineWidth,omitempty" mapstructure:"lineWidth" validate:"omitempty,gte=0"`
	Semicolons    bool `json:"semicolons,omitempty" mapstructure:"semicolons"`
	TrailingComma bool `json:"trailingComma,omitempty" mapstructure:"trailingComma"`
	SingleQuote   bool `json:"singleQuote,omitempty" mapstructure:"singleQuote"`
}

// SyncConfig tunes the file-change pipeline.
type SyncConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	DebounceMs      int      `json:"debounceMs,omitempty" mapstructure:"debounceMs" validate:"omitempty,gte=0"`
	ExcludePatterns []string `json:"excludePatterns,omitempty" mapstructure:"excludePatterns"`
	TestSync        bool     `json:"testSync" mapstructure:"testSync"`
}

// Conversion tunes the converter/generator collaborators.
type Conversion struct {
	PreserveComments      bool   `json:"preserveComments" mapstructure:"preserveComments"`
	GenerateDocumentation bool   `json:"generateDocumentation" mapstructure:"generateDocumentation"`
	StrictTypeChecking    bool   `json:"strictTypeChecking" mapstructure:"strictTypeChecking"`
	FallbackBehavior      string `json:"fallbackBehavior,omitempty" mapstructure:"fallbackBehavior" validate:"omitempty,oneof=warn error ignore"`
}

// Validation toggles IR and generated-source validation passes.
type Validation struct {
	ValidateIR        bool `json:"validateIR" mapstructure:"validateIR"`
	ValidateGenerated bool `json:"validateGenerated" mapstructure:"validateGenerated"`
}

// ServerConfig configures the hot-reload session host.
type ServerConfig struct {
	Listen         string `json:"listen,omitempty" mapstructure:"listen"`
	PublicHost     string `json:"publicHost,omitempty" mapstructure:"publicHost"`
	SessionTimeout string `json:"sessionTimeout,omitempty" mapstructure:"sessionTimeout"`
}

// Default returns the built-in configuration. Side A defaults to a React
// tree with PascalCase stems; side B to a Flutter tree with snake_case
// stems.
func Default() *Config {
	return &Config{
		Mode:       ModeUniversal,
		RootA:      "src",
		RootB:      "lib",
		StorageDir: "./.ir",
		NamingConventions: NamingConventions{
			FileNamingA:      PascalCase,
			FileNamingB:      SnakeCase,
			IdentifierNaming: CamelCase,
			ComponentNaming:  PascalCase,
		},
		Formatting: Formatting{IndentSize: 2, LineWidth: 100, Semicolons: true, TrailingComma: true},
		Sync: SyncConfig{
			Enabled:         true,
			DebounceMs:      100,
			ExcludePatterns: []string{"node_modules", "build", ".dart_tool", ".git", "*.g.dart"},
			TestSync:        true,
		},
		Conversion: Conversion{PreserveComments: true, FallbackBehavior: "warn"},
		Validation: Validation{ValidateIR: true},
		Server:     ServerConfig{Listen: "127.0.0.1:8787"},
	}
}

// Load reads the configuration file at path, applies env overrides and
// defaults, warns about unknown keys, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("UISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	var md mapstructure.Metadata
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.Metadata = &md
	}); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	for _, key := range md.Unused {
		slog.Warn("Ignoring unknown config option", "key", key, "file", path)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	// Resolve roots relative to the config file's directory.
	base := filepath.Dir(path)
	cfg.RootA = absJoin(base, cfg.RootA)
	cfg.RootB = absJoin(base, cfg.RootB)
	cfg.StorageDir = absJoin(base, cfg.StorageDir)
	if cfg.CustomMappings != "" {
		cfg.CustomMappings = absJoin(base, cfg.CustomMappings)
	}
	return &cfg, nil
}

func absJoin(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func applyDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("rootA", d.RootA)
	v.SetDefault("rootB", d.RootB)
	v.SetDefault("storageDir", d.StorageDir)
	v.SetDefault("namingConventions.fileNamingA", string(d.NamingConventions.FileNamingA))
	v.SetDefault("namingConventions.fileNamingB", string(d.NamingConventions.FileNamingB))
	v.SetDefault("namingConventions.identifierNaming", string(d.NamingConventions.IdentifierNaming))
	v.SetDefault("namingConventions.componentNaming", string(d.NamingConventions.ComponentNaming))
	v.SetDefault("formatting.indentSize", d.Formatting.IndentSize)
	v.SetDefault("formatting.lineWidth", d.Formatting.LineWidth)
	v.SetDefault("formatting.semicolons", d.Formatting.Semicolons)
	v.SetDefault("formatting.trailingComma", d.Formatting.TrailingComma)
	v.SetDefault("sync.enabled", d.Sync.Enabled)
	v.SetDefault("sync.debounceMs", d.Sync.DebounceMs)
	v.SetDefault("sync.excludePatterns", d.Sync.ExcludePatterns)
	v.SetDefault("sync.testSync", d.Sync.TestSync)
	v.SetDefault("conversion.preserveComments", d.Conversion.PreserveComments)
	v.SetDefault("conversion.fallbackBehavior", d.Conversion.FallbackBehavior)
	v.SetDefault("validation.validateIR", d.Validation.ValidateIR)
	v.SetDefault("server.listen", d.Server.Listen)
}

// Schema returns the JSON schema for the configuration document.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: false}
	s := r.Reflect(&Config{})
	return json.MarshalIndent(s, "", "  ")
}

// Pair builds the framework capability pair from the configuration,
// applying any custom extension mappings.
func (c *Config) Pair() (Pair, error) {
	p := Pair{
		A: Framework{
			Tag:        "react",
			Root:       c.RootA,
			Ext:        ".jsx",
			FileNaming: c.NamingConventions.FileNamingA,
			TestSuffix: ".test.jsx",
		},
		B: Framework{
			Tag:        "flutter",
			Root:       c.RootB,
			Ext:        ".dart",
			FileNaming: c.NamingConventions.FileNamingB,
			TestSuffix: "_test.dart",
		},
	}
	if p.A.FileNaming == "" {
		p.A.FileNaming = PascalCase
	}
	if p.B.FileNaming == "" {
		p.B.FileNaming = SnakeCase
	}
	if c.CustomMappings != "" {
		m, err := LoadMappings(c.CustomMappings)
		if err != nil {
			return Pair{}, err
		}
		m.apply(&p)
	}
	return p, nil
}

// Debounce returns the configured per-file debounce window.
func (c *Config) Debounce() time.Duration {
	if c.Sync.DebounceMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.Sync.DebounceMs) * time.Millisecond
}

// SessionTimeout parses server.sessionTimeout, defaulting to 8 hours.
func (c *Config) SessionTimeout() time.Duration {
	if c.Server.SessionTimeout == "" {
		return 8 * time.Hour
	}
	d, err := time.ParseDuration(c.Server.SessionTimeout)
	if err != nil || d <= 0 {
		slog.Warn("Invalid server.sessionTimeout, using default", "value", c.Server.SessionTimeout)
		return 8 * time.Hour
	}
	return d
}
