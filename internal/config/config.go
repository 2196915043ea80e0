// Package config loads kioskfsm settings from YAML or CUE files with
// KIOSKFSM_* environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/telemetry"
)

// Duration is a time.Duration written as "30s" in files.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// Ledger backends.
const (
	LedgerSQLite   = "sqlite"
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
)

// Device modes.
const (
	DevicesNone     = "none"
	DevicesHTTP     = "http"
	DevicesScripted = "scripted"
)

// Config is the complete process configuration.
type Config struct {
	Database   string           `json:"database" yaml:"database"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger"`
	Timeouts   TimeoutsConfig   `json:"timeouts" yaml:"timeouts"`
	Retries    RetriesConfig    `json:"retries" yaml:"retries"`
	RetryDelay RetryDelayConfig `json:"retry_delay" yaml:"retry_delay"`
	Devices    DevicesConfig    `json:"devices" yaml:"devices"`
	Kafka      KafkaConfig      `json:"kafka" yaml:"kafka"`
	Events     EventsConfig     `json:"events" yaml:"events"`
	Telemetry  telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type LedgerConfig struct {
	Backend     string `json:"backend" yaml:"backend"`
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`
}

// TimeoutsConfig holds the state deadlines. Zero disables a deadline.
type TimeoutsConfig struct {
	AwaitingPayment               Duration `json:"awaiting_payment" yaml:"awaiting_payment"`
	AwaitingFiscalization         Duration `json:"awaiting_fiscalization" yaml:"awaiting_fiscalization"`
	AwaitingPrinting              Duration `json:"awaiting_printing" yaml:"awaiting_printing"`
	PrintFailed                   Duration `json:"print_failed" yaml:"print_failed"`
	AwaitingExecutionConfirmation Duration `json:"awaiting_execution_confirmation" yaml:"awaiting_execution_confirmation"`
}

type RetriesConfig struct {
	MaxPaymentRetries int `json:"max_payment_retries" yaml:"max_payment_retries"`
	MaxFiscalRetries  int `json:"max_fiscal_retries" yaml:"max_fiscal_retries"`
}

type RetryDelayConfig struct {
	Initial Duration `json:"initial" yaml:"initial"`
	Max     Duration `json:"max" yaml:"max"`
}

// DevicesConfig selects the device driver. Endpoints are keyed by device
// kind (payment, fiscal, print, kitchen).
type DevicesConfig struct {
	Mode           string            `json:"mode" yaml:"mode"`
	RequestTimeout Duration          `json:"request_timeout" yaml:"request_timeout"`
	Endpoints      map[string]string `json:"endpoints" yaml:"endpoints"`
}

// KafkaConfig enables transition publication when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type EventsConfig struct {
	Buffer int `json:"buffer" yaml:"buffer"`
}

// Default returns the built-in configuration.
func Default() Config {
	d := fsm.DefaultTimeouts()
	delay := device.DefaultRetryDelay()
	return Config{
		Database: "kioskfsm.db",
		HTTP:     HTTPConfig{Addr: ":8080"},
		Ledger:   LedgerConfig{Backend: LedgerSQLite},
		Timeouts: TimeoutsConfig{
			AwaitingPayment:               Duration(d[fsm.StateAwaitingPayment].After),
			AwaitingFiscalization:         Duration(d[fsm.StateAwaitingFiscalization].After),
			AwaitingPrinting:              Duration(d[fsm.StateAwaitingPrinting].After),
			PrintFailed:                   Duration(d[fsm.StatePrintFailed].After),
			AwaitingExecutionConfirmation: Duration(d[fsm.StateAwaitingExecutionConfirmation].After),
		},
		Retries: RetriesConfig{
			MaxPaymentRetries: engine.DefaultMaxPaymentRetries,
			MaxFiscalRetries:  engine.DefaultMaxFiscalRetries,
		},
		RetryDelay: RetryDelayConfig{Initial: Duration(delay.Initial), Max: Duration(delay.Max)},
		Devices: DevicesConfig{
			Mode:           DevicesNone,
			RequestTimeout: Duration(10 * time.Second),
		},
		Kafka:  KafkaConfig{Topic: "kioskfsm.transitions"},
		Events: EventsConfig{Buffer: 100},
	}
}

// Load reads path on top of Default. ".cue" files are checked against the
// embedded schema; anything else is read as YAML with unknown keys
// rejected. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		if err := decodeCUE(path, data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from KIOSKFSM_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("KIOSKFSM_DATABASE", &c.Database)
	str("KIOSKFSM_HTTP_ADDR", &c.HTTP.Addr)
	str("KIOSKFSM_LEDGER_BACKEND", &c.Ledger.Backend)
	str("KIOSKFSM_POSTGRES_DSN", &c.Ledger.PostgresDSN)
	str("KIOSKFSM_DEVICES_MODE", &c.Devices.Mode)
	str("KIOSKFSM_KAFKA_TOPIC", &c.Kafka.Topic)
	str("KIOSKFSM_OTEL_ENDPOINT", &c.Telemetry.Endpoint)

	if v := getenv("KIOSKFSM_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	if v := getenv("KIOSKFSM_OTEL_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KIOSKFSM_OTEL_ENABLED: %w", err)
		}
		c.Telemetry.Enabled = enabled
	}
	if v := getenv("KIOSKFSM_MAX_PAYMENT_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KIOSKFSM_MAX_PAYMENT_RETRIES: %w", err)
		}
		c.Retries.MaxPaymentRetries = n
	}
	if v := getenv("KIOSKFSM_MAX_FISCAL_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KIOSKFSM_MAX_FISCAL_RETRIES: %w", err)
		}
		c.Retries.MaxFiscalRetries = n
	}
	return nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Ledger.Backend {
	case LedgerSQLite, LedgerMemory:
	case LedgerPostgres:
		if c.Ledger.PostgresDSN == "" {
			errs = append(errs, errors.New("ledger.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}
	if c.Ledger.Backend != LedgerMemory && c.Database == "" {
		errs = append(errs, errors.New("database path is required"))
	}

	switch c.Devices.Mode {
	case DevicesNone, DevicesScripted:
	case DevicesHTTP:
		if len(c.Devices.Endpoints) == 0 {
			errs = append(errs, errors.New("devices.endpoints is required in http mode"))
		}
		for kind := range c.Devices.Endpoints {
			if !knownPhase(kind) {
				errs = append(errs, fmt.Errorf("devices.endpoints: unknown device kind %q", kind))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown devices mode %q", c.Devices.Mode))
	}

	if err := c.EngineTimeouts().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if c.Events.Buffer < 0 {
		errs = append(errs, errors.New("events.buffer must be >= 0"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}

func knownPhase(kind string) bool {
	switch fsm.Phase(kind) {
	case fsm.PhasePayment, fsm.PhaseFiscal, fsm.PhasePrint, fsm.PhaseKitchen:
		return true
	}
	return false
}

// EngineTimeouts converts the deadline settings into the engine's table.
// The timeout events are fixed; only durations are configurable.
func (c Config) EngineTimeouts() fsm.Timeouts {
	out := fsm.DefaultTimeouts()
	set := func(s fsm.State, d Duration) {
		dl := out[s]
		dl.After = d.D()
		out[s] = dl
	}
	set(fsm.StateAwaitingPayment, c.Timeouts.AwaitingPayment)
	set(fsm.StateAwaitingFiscalization, c.Timeouts.AwaitingFiscalization)
	set(fsm.StateAwaitingPrinting, c.Timeouts.AwaitingPrinting)
	set(fsm.StatePrintFailed, c.Timeouts.PrintFailed)
	set(fsm.StateAwaitingExecutionConfirmation, c.Timeouts.AwaitingExecutionConfirmation)
	return out
}

// RetryPolicy returns the engine retry ceilings.
func (c Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxPaymentRetries: c.Retries.MaxPaymentRetries,
		MaxFiscalRetries:  c.Retries.MaxFiscalRetries,
	}
}

// DeviceRetryDelay returns the pause before a retried device call.
func (c Config) DeviceRetryDelay() device.RetryDelay {
	return device.RetryDelay{
		Initial:    c.RetryDelay.Initial.D(),
		Max:        c.RetryDelay.Max.D(),
		Multiplier: 2,
	}
}
