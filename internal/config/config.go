// Package config provides layered configuration for the tlt command.
//
// Values are resolved lowest to highest: DefaultConfig, an optional YAML or
// JSON file, TLT_* environment variables, then command-line flags applied by
// the caller. Validate checks the merged result.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	tlterrors "github.com/arkilian/tlt/internal/errors"
)

// EnvPrefix is the prefix for environment overrides, e.g. TLT_TRANSFORM_MAU_WINDOW.
const EnvPrefix = "TLT"

// Config holds the configuration for every pipeline stage.
type Config struct {
	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging" envconfig:"LOGGING"`

	// Ingest stage configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest" envconfig:"INGEST"`

	// Transform stage configuration
	Transform TransformConfig `json:"transform" yaml:"transform" envconfig:"TRANSFORM"`

	// Report stage configuration
	Report ReportConfig `json:"report" yaml:"report" envconfig:"REPORT"`

	// Enrich configuration
	Enrich EnrichConfig `json:"enrich" yaml:"enrich" envconfig:"ENRICH"`

	// Storage configuration for s3:// locations
	Storage StorageConfig `json:"storage" yaml:"storage" envconfig:"STORAGE"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`

	// Format is text or json
	Format string `json:"format" yaml:"format" envconfig:"FORMAT" validate:"oneof=text json"`
}

// IngestConfig holds ingest configuration.
type IngestConfig struct {
	// Compression is the Parquet codec: zstd, snappy, none
	Compression string `json:"compression" yaml:"compression" envconfig:"COMPRESSION" validate:"oneof=zstd snappy none"`
}

// TransformConfig holds transform configuration.
type TransformConfig struct {
	// MAUWindow is the rolling active-user window in days
	MAUWindow int `json:"mau_window" yaml:"mau_window" envconfig:"MAU_WINDOW" validate:"gte=1"`
}

// ReportConfig holds chart rendering configuration.
type ReportConfig struct {
	WidthIn  float64 `json:"width_in" yaml:"width_in" envconfig:"WIDTH_IN" validate:"gt=0,lte=100"`
	HeightIn float64 `json:"height_in" yaml:"height_in" envconfig:"HEIGHT_IN" validate:"gt=0,lte=100"`
	DPI      int     `json:"dpi" yaml:"dpi" envconfig:"DPI" validate:"gte=10,lte=1200"`

	// Workbook also writes metrics.xlsx
	Workbook bool `json:"workbook" yaml:"workbook" envconfig:"WORKBOOK"`
}

// EnrichConfig holds the synthetic latency model.
type EnrichConfig struct {
	Seed        uint64         `json:"seed" yaml:"seed" envconfig:"SEED"`
	StdDev      float64        `json:"stddev" yaml:"stddev" envconfig:"STDDEV" validate:"gte=0"`
	DefaultBase int            `json:"default_base" yaml:"default_base" envconfig:"DEFAULT_BASE" validate:"gte=0"`
	Bases       map[string]int `json:"bases" yaml:"bases" envconfig:"BASES" validate:"dive,keys,required,endkeys,gte=0"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	S3 S3Config `json:"s3" yaml:"s3" envconfig:"S3"`
}

// S3Config holds S3 client configuration. Buckets come from s3:// paths.
type S3Config struct {
	// Region is the AWS region; empty uses the SDK default chain
	Region string `json:"region" yaml:"region" envconfig:"REGION"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint" envconfig:"ENDPOINT" validate:"omitempty,url"`

	// UsePathStyle forces path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style" envconfig:"USE_PATH_STYLE"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Ingest: IngestConfig{
			Compression: "zstd",
		},
		Transform: TransformConfig{
			MAUWindow: 30,
		},
		Report: ReportConfig{
			WidthIn:  6.4,
			HeightIn: 4.8,
			DPI:      100,
		},
		Enrich: EnrichConfig{
			StdDev:      10,
			DefaultBase: 45,
			Bases: map[string]int{
				"menu":       30,
				"inventory":  30,
				"matchmake":  60,
				"level_load": 60,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tlterrors.NotFound(path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, tlterrors.NewParameterError(tlterrors.CodeInvalidOption,
				fmt.Sprintf("failed to parse YAML config %s: %v", path, err))
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, tlterrors.NewParameterError(tlterrors.CodeInvalidOption,
				fmt.Sprintf("failed to parse JSON config %s: %v", path, err))
		}
	default:
		return nil, tlterrors.NewParameterError(tlterrors.CodeInvalidOption,
			fmt.Sprintf("unsupported config file format: %s", ext))
	}

	return cfg, nil
}

// LoadFromEnv overlays TLT_* environment variables onto cfg. Unset variables
// leave the existing values untouched.
func LoadFromEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return tlterrors.NewParameterError(tlterrors.CodeInvalidOption,
			fmt.Sprintf("invalid environment configuration: %v", err))
	}
	return nil
}

// Load resolves defaults, the optional file at path, and the environment.
// The result is not validated; callers apply flags first, then call Validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report flag or yaml names in messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("flag"); name != "" {
			return "--" + name
		}
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return ValidateStruct(c)
}

// ValidateStruct validates v against its validate tags and converts failures
// into a single parameter error listing every offending field.
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return tlterrors.NewInternalError("validation failed", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	sort.Strings(msgs)
	return tlterrors.NewParameterError(tlterrors.CodeInvalidOption, strings.Join(msgs, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	field := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s, got %v", field, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be > %s, got %v", field, fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%s must be <= %s, got %v", field, fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s must be a URL, got %v", field, fe.Value())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

// fieldPath drops the root struct name: "Config.transform.mau_window" -> "transform.mau_window".
// Flag names are reported bare.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if i := strings.LastIndex(ns, ".--"); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}
