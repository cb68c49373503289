package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/geoforge/tilerd/pkg/utils"
)

// ConfigError reports a single invalid or missing option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Worker runtimes tilerd knows how to spawn.
const (
	RuntimeGranian = "granian"
	RuntimeRobyn   = "robyn"
)

// Granian interface flags.
const (
	InterfaceASGI = "asgi"
	InterfaceRSGI = "rsgi"
	InterfaceWSGI = "wsgi"
)

var logLevels = []string{"debug", "info", "warn", "error", "off"}

// Config is the sealed node configuration.
//
// To get an instance, use Load or Unmarshal. Values are validated and
// defaulted there; a Config in hand is always usable as-is.
type Config struct {
	Type         string
	Address      string
	Host         string
	Port         int
	Interface    string
	Backlog      int
	Backpressure int

	TimeoutWorkerResponse int
	TimeoutPullJob        int

	ThreadWorkers    int
	ProcessesWorkers int
	BlockingThreads  int

	WorkerPortFrom int
	WorkerPortTo   int

	ReloadTime            string
	ReloadPeriodicityDays int
	ReloadRepeatMinutes   int
	ReloadRepeatAttempts  int

	MaxConcurrentTileRequests int

	LogLevel       string
	WorkerLogLevel string
}

type configMarshall struct {
	Type         *string `json:"type"`
	Address      *string `json:"address"`
	Host         *string `json:"host"`
	Port         *int    `json:"port"`
	Interface    *string `json:"interface"`
	Backlog      *int    `json:"backlog"`
	Backpressure *int    `json:"backpressure"`

	TimeoutWorkerResponse *int `json:"timeout_worker_response"`
	TimeoutPullJob        *int `json:"timeout_pull_job"`

	ThreadWorkers    *int `json:"thread_workers"`
	ProcessesWorkers *int `json:"processes_workers"`
	BlockingThreads  *int `json:"blocking_threads"`

	WorkerPortFrom *int `json:"worker_port_from"`
	WorkerPortTo   *int `json:"worker_port_to"`

	ReloadTime            *string `json:"reload_time"`
	ReloadPeriodicityDays *int    `json:"reload_periodicity_days"`
	ReloadRepeatMinutes   *int    `json:"reload_repeat_minutes"`
	ReloadRepeatAttempts  *int    `json:"reload_repeat_attempts"`

	MaxConcurrentTileRequests *int `json:"max_concurrent_tile_requests"`

	LogLevel       *string `json:"log_level"`
	WorkerLogLevel *string `json:"worker_log_level"`
}

// Load reads and seals the node configuration from a JSON file.
func Load(filepath string) (*Config, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

func Unmarshal(conf []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(conf))
	dec.DisallowUnknownFields()

	raw := configMarshall{}
	if err := dec.Decode(&raw); err != nil {
		if f, ok := unknownField(err); ok {
			return nil, &ConfigError{Field: f, Reason: "unknown option"}
		}
		return nil, err
	}
	return trySeal(raw)
}

// unknownField extracts the offending name from encoding/json's
// `json: unknown field "..."` error.
func unknownField(err error) (string, bool) {
	rest, found := strings.CutPrefix(err.Error(), `json: unknown field "`)
	if !found {
		return "", false
	}
	return strings.TrimSuffix(rest, `"`), true
}

func trySeal(raw configMarshall) (*Config, error) {
	c := &Config{
		Type:         utils.ZeroUnless(raw.Type),
		Address:      utils.ZeroUnless(raw.Address),
		Host:         utils.ZeroUnless(raw.Host),
		Port:         utils.ZeroUnless(raw.Port),
		Interface:    utils.Default(raw.Interface, InterfaceASGI),
		Backlog:      utils.Default(raw.Backlog, 8196),
		Backpressure: utils.Default(raw.Backpressure, 200000),

		TimeoutWorkerResponse: utils.Default(raw.TimeoutWorkerResponse, 5),
		TimeoutPullJob:        utils.Default(raw.TimeoutPullJob, 60),

		ThreadWorkers:    utils.Default(raw.ThreadWorkers, 1),
		ProcessesWorkers: utils.Default(raw.ProcessesWorkers, 1),
		BlockingThreads:  utils.Default(raw.BlockingThreads, 1),

		WorkerPortFrom: utils.ZeroUnless(raw.WorkerPortFrom),
		WorkerPortTo:   utils.ZeroUnless(raw.WorkerPortTo),

		ReloadTime:            utils.ZeroUnless(raw.ReloadTime),
		ReloadPeriodicityDays: utils.Default(raw.ReloadPeriodicityDays, 1),
		ReloadRepeatMinutes:   utils.Default(raw.ReloadRepeatMinutes, 1),
		ReloadRepeatAttempts:  utils.Default(raw.ReloadRepeatAttempts, 3),

		MaxConcurrentTileRequests: utils.ZeroUnless(raw.MaxConcurrentTileRequests),

		LogLevel:       utils.Default(raw.LogLevel, "info"),
		WorkerLogLevel: utils.Default(raw.WorkerLogLevel, "info"),
	}

	switch c.Type {
	case RuntimeGranian, RuntimeRobyn:
	case "":
		return nil, &ConfigError{Field: "type", Reason: "required"}
	default:
		return nil, &ConfigError{Field: "type", Reason: "must be granian or robyn"}
	}

	if c.Address != "" {
		if _, _, err := net.SplitHostPort(c.Address); err != nil {
			return nil, &ConfigError{Field: "address", Reason: "must be host:port"}
		}
	}
	if c.Host == "" {
		return nil, &ConfigError{Field: "host", Reason: "required"}
	}
	if !validPort(c.Port) {
		return nil, &ConfigError{Field: "port", Reason: "must be in 1..65535"}
	}

	switch c.Interface {
	case InterfaceASGI, InterfaceRSGI, InterfaceWSGI:
	default:
		return nil, &ConfigError{Field: "interface", Reason: "must be asgi, rsgi or wsgi"}
	}

	for field, value := range map[string]int{
		"backlog":                 c.Backlog,
		"backpressure":            c.Backpressure,
		"timeout_worker_response": c.TimeoutWorkerResponse,
		"timeout_pull_job":        c.TimeoutPullJob,
		"thread_workers":          c.ThreadWorkers,
		"processes_workers":       c.ProcessesWorkers,
		"blocking_threads":        c.BlockingThreads,
		"reload_periodicity_days": c.ReloadPeriodicityDays,
		"reload_repeat_minutes":   c.ReloadRepeatMinutes,
		"reload_repeat_attempts":  c.ReloadRepeatAttempts,
	} {
		if value < 1 {
			return nil, &ConfigError{Field: field, Reason: "must be at least 1"}
		}
	}

	if !validPort(c.WorkerPortFrom) {
		return nil, &ConfigError{Field: "worker_port_from", Reason: "must be in 1..65535"}
	}
	if !validPort(c.WorkerPortTo) {
		return nil, &ConfigError{Field: "worker_port_to", Reason: "must be in 1..65535"}
	}
	if c.WorkerPortTo < c.WorkerPortFrom {
		return nil, &ConfigError{Field: "worker_port_to", Reason: "must not be less than worker_port_from"}
	}
	if c.WorkerPortTo-c.WorkerPortFrom+1 < c.ProcessesWorkers {
		return nil, &ConfigError{Field: "worker_port_to", Reason: "port range is smaller than processes_workers"}
	}

	if c.ReloadTime != "" {
		if _, err := time.Parse("15:04:05", c.ReloadTime); err != nil {
			return nil, &ConfigError{Field: "reload_time", Reason: "must be HH:MM:SS"}
		}
	}

	if raw.MaxConcurrentTileRequests == nil {
		return nil, &ConfigError{Field: "max_concurrent_tile_requests", Reason: "required"}
	}
	if c.MaxConcurrentTileRequests < 1 {
		return nil, &ConfigError{Field: "max_concurrent_tile_requests", Reason: "must be at least 1"}
	}

	for field, value := range map[string]string{
		"log_level":        c.LogLevel,
		"worker_log_level": c.WorkerLogLevel,
	} {
		ok := false
		for _, l := range logLevels {
			if value == l {
				ok = true
				break
			}
		}
		if !ok {
			return nil, &ConfigError{Field: field, Reason: "must be debug, info, warn, error or off"}
		}
	}

	return c, nil
}

func validPort(p int) bool {
	return 1 <= p && p <= 65535
}

// IsMaster is true when the node carries a public address and so
// dispatches to remote worker nodes.
func (c *Config) IsMaster() bool {
	return c.Address != ""
}

// Bind is the local listen address, host:port.
func (c *Config) Bind() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// WorkerTimeout is the per-request budget against one worker process.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.TimeoutWorkerResponse) * time.Second
}

// PullJobInterval is the queue poll period.
func (c *Config) PullJobInterval() time.Duration {
	return time.Duration(c.TimeoutPullJob) * time.Second
}

// DrainBudget is how long one worker may hold in-flight requests
// during a rolling reload before its reload is abandoned.
func (c *Config) DrainBudget() time.Duration {
	return time.Duration(c.ReloadRepeatMinutes*c.ReloadRepeatAttempts) * time.Minute
}

// NextReload returns the first scheduled reload instant after now,
// or ok=false when no reload_time is configured.
func (c *Config) NextReload(now time.Time) (time.Time, bool) {
	if c.ReloadTime == "" {
		return time.Time{}, false
	}
	clock, err := time.Parse("15:04:05", c.ReloadTime)
	if err != nil {
		return time.Time{}, false
	}

	at := time.Date(
		now.Year(), now.Month(), now.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0,
		now.Location(),
	)
	for !at.After(now) {
		at = at.AddDate(0, 0, c.ReloadPeriodicityDays)
	}
	return at, true
}
