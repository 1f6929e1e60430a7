// Package config loads stepped configuration from YAML.
//
// The YAML document is unified with an embedded CUE schema which rejects
// unknown keys, checks value ranges and fills defaults for anything left
// out. The concrete result is then decoded into Config.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Duration is a time.Duration written as "1s", "5m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Database DatabaseConfig `json:"database"`
	Worker   WorkerConfig   `json:"worker"`
	Engine   EngineConfig   `json:"engine"`
	Log      LogConfig      `json:"log"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type DatabaseConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type WorkerConfig struct {
	Concurrency  int           `json:"concurrency"`
	PollInterval Duration      `json:"poll_interval"`
	LockTimeout  Duration      `json:"lock_timeout"`
	MaxAttempts  int           `json:"max_attempts"`
	ClaimRate    float64       `json:"claim_rate"`
	ClaimBurst   int           `json:"claim_burst"`
	Backoff      BackoffConfig `json:"backoff"`
}

type BackoffConfig struct {
	Initial Duration `json:"initial"`
	Max     Duration `json:"max"`
}

// EngineConfig names the error kinds the engine turns into statuses
// instead of propagating: actor, deadlock, panic. FollowUpDelay is how
// long a step or step conclusion that failed after commit waits for a
// worker retry.
type EngineConfig struct {
	Recoverable   []string `json:"recoverable"`
	FollowUpDelay Duration `json:"follow_up_delay"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type MetricsConfig struct {
	Addr string `json:"addr"`
}

// Default returns the configuration of an empty document.
func Default() (*Config, error) {
	return Parse(nil)
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates a YAML document against the schema and decodes it.
func Parse(data []byte) (*Config, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Worker.Backoff.Max < cfg.Worker.Backoff.Initial {
		return nil, fmt.Errorf("worker.backoff.max %s is below worker.backoff.initial %s",
			cfg.Worker.Backoff.Max.Std(), cfg.Worker.Backoff.Initial.Std())
	}
	return &cfg, nil
}

// formatCUEError flattens CUE's error list into one line per problem.
func formatCUEError(err error) error {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		lines = append(lines, e.Error())
	}
	if len(lines) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	return fmt.Errorf("invalid config: %w", errors.New(strings.Join(lines, "; ")))
}

// SlogLevel maps the configured level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a text or JSON slog logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
