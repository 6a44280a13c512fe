// Package config loads the pipeline configuration from YAML.
//
// A file is checked against an embedded CUE schema before it is decoded,
// so unknown keys, unknown strategies and out-of-range numbers are
// reported with their path. Values missing from the file keep the
// defaults returned by Default.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/yangjrun/novellus-sub001/internal/apply"
	"github.com/yangjrun/novellus-sub001/internal/backend/surreal"
	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/engine"
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverSurreal  = "surreal"
	DriverMemory   = "memory"
)

// Config is the complete file configuration.
type Config struct {
	Buffer         BufferConfig    `yaml:"buffer"`
	Workers        int             `yaml:"workers"`
	Retry          RetryConfig     `yaml:"retry"`
	Window         WindowConfig    `yaml:"window"`
	Versions       VersionsConfig  `yaml:"versions"`
	Conflicts      ConflictsConfig `yaml:"conflicts"`
	Stores         StoresConfig    `yaml:"stores"`
	Ledger         LedgerConfig    `yaml:"ledger"`
	HTTP           HTTPConfig      `yaml:"http"`
	ZMQ            ZMQConfig       `yaml:"zmq"`
	VolatileFields []string        `yaml:"volatile_fields"`
}

type BufferConfig struct {
	MaxSize       int           `yaml:"max_size"`
	HighWatermark float64       `yaml:"high_watermark"`
	PutTimeout    time.Duration `yaml:"put_timeout"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type WindowConfig struct {
	Size      time.Duration `yaml:"size"`
	Slide     time.Duration `yaml:"slide"`
	Retention time.Duration `yaml:"retention"`
	Tick      time.Duration `yaml:"tick"`
}

type VersionsConfig struct {
	HistoryCap int `yaml:"history_cap"`
}

type ConflictsConfig struct {
	DefaultStrategy ir.Strategy                   `yaml:"default_strategy"`
	SensitiveFields []string                      `yaml:"sensitive_fields"`
	Fields          map[string]conflict.FieldRule `yaml:"fields"`
}

type StoresConfig struct {
	// Timeout bounds every individual store call.
	Timeout    time.Duration    `yaml:"timeout"`
	Relational RelationalConfig `yaml:"relational"`
	Document   DocumentConfig   `yaml:"document"`
}

// RelationalConfig selects the relational store. The sqlite driver
// shares the ledger database; DSN is used by postgres only.
type RelationalConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Table       string `yaml:"table"`
	MaxInFlight int    `yaml:"max_in_flight"`
}

type DocumentConfig struct {
	Driver      string `yaml:"driver"`
	URL         string `yaml:"url"`
	Namespace   string `yaml:"namespace"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Collection  string `yaml:"collection"`
	MaxInFlight int    `yaml:"max_in_flight"`
}

// LedgerConfig locates the SQLite ledger. An empty path disables
// persistence of versions, conflicts and dead letters.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ZMQConfig enables the ZeroMQ source when Endpoint is set.
type ZMQConfig struct {
	Endpoint string `yaml:"endpoint"`
	Topic    string `yaml:"topic"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		Buffer: BufferConfig{
			MaxSize:       ec.BufferSize,
			HighWatermark: ec.HighWatermark,
			PutTimeout:    ec.PutTimeout,
		},
		Workers: ec.Workers,
		Retry: RetryConfig{
			MaxRetries: ec.MaxRetries,
			BaseDelay:  ec.BaseDelay,
			MaxDelay:   ec.MaxDelay,
		},
		Window: WindowConfig{
			Size:      ec.WindowSize,
			Slide:     ec.WindowSlide,
			Retention: ec.WindowRetention,
			Tick:      ec.WindowTick,
		},
		Versions:  VersionsConfig{HistoryCap: ec.HistoryCap},
		Conflicts: ConflictsConfig{DefaultStrategy: ec.Policy.DefaultStrategy},
		Stores: StoresConfig{
			Timeout: apply.DefaultTimeout,
			Relational: RelationalConfig{
				Driver:      DriverSQLite,
				Table:       apply.DefaultTable,
				MaxInFlight: apply.DefaultMaxInFlight,
			},
			Document: DocumentConfig{
				Driver:      DriverMemory,
				Namespace:   "novellus",
				Database:    "novellus",
				Collection:  apply.DefaultCollection,
				MaxInFlight: apply.DefaultMaxInFlight,
			},
		},
		Ledger: LedgerConfig{Path: "novellus.db"},
		HTTP:   HTTPConfig{Addr: ":8080"},
		ZMQ:    ZMQConfig{Topic: "events"},
	}
}

// Error is a configuration error with the file it came from.
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Message)
}

// Load reads and validates the file at path. An empty path returns
// Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &Error{Path: path, Message: err.Error()}
	}
	cfg, err := Parse(data)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			cerr.Path = path
		}
		return Config{}, err
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over Default.
func Parse(data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Default(), nil
	}
	if err := checkSchema(data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &Error{Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkSchema(data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return &Error{Message: cueerrors.Details(err, nil)}
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(); err != nil {
		return &Error{Message: cueerrors.Details(err, nil)}
	}
	return nil
}

// Validate checks the rules the schema cannot express.
func (c Config) Validate() error {
	var errs []error
	if err := c.Engine().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Stores.Relational.Driver {
	case DriverSQLite:
		if c.Ledger.Path == "" {
			errs = append(errs, errors.New("relational driver sqlite needs ledger.path"))
		}
	case DriverPostgres:
		if c.Stores.Relational.DSN == "" {
			errs = append(errs, errors.New("relational driver postgres needs stores.relational.dsn"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown relational driver %q", c.Stores.Relational.Driver))
	}
	switch c.Stores.Document.Driver {
	case DriverSurreal:
		if c.Stores.Document.URL == "" {
			errs = append(errs, errors.New("document driver surreal needs stores.document.url"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown document driver %q", c.Stores.Document.Driver))
	}
	if err := errors.Join(errs...); err != nil {
		return &Error{Message: err.Error()}
	}
	return nil
}

// Engine returns the engine configuration.
func (c Config) Engine() engine.Config {
	ec := engine.DefaultConfig()
	ec.BufferSize = c.Buffer.MaxSize
	ec.HighWatermark = c.Buffer.HighWatermark
	ec.PutTimeout = c.Buffer.PutTimeout
	ec.Workers = c.Workers
	ec.MaxRetries = c.Retry.MaxRetries
	ec.BaseDelay = c.Retry.BaseDelay
	ec.MaxDelay = c.Retry.MaxDelay
	ec.WindowSize = c.Window.Size
	ec.WindowSlide = c.Window.Slide
	ec.WindowRetention = c.Window.Retention
	ec.WindowTick = c.Window.Tick
	ec.HistoryCap = c.Versions.HistoryCap
	ec.Policy = conflict.Policy{
		DefaultStrategy: c.Conflicts.DefaultStrategy,
		SensitiveFields: c.Conflicts.SensitiveFields,
		Fields:          c.Conflicts.Fields,
	}
	ec.VolatileFields = c.VolatileFields
	return ec
}

// ApplyOptions returns the dual-store applier options.
func (c Config) ApplyOptions() []apply.Option {
	return []apply.Option{
		apply.WithTable(c.Stores.Relational.Table),
		apply.WithCollection(c.Stores.Document.Collection),
		apply.WithMaxInFlight(c.Stores.Relational.MaxInFlight, c.Stores.Document.MaxInFlight),
		apply.WithTimeout(c.Stores.Timeout),
	}
}

// Surreal returns the SurrealDB connection settings.
func (c Config) Surreal() surreal.Config {
	d := c.Stores.Document
	return surreal.Config{
		URL:       d.URL,
		Namespace: d.Namespace,
		Database:  d.Database,
		Username:  d.Username,
		Password:  d.Password,
	}
}
