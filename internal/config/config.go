package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/digestgate/internal/digests"
	"github.com/AlexKimmel/digestgate/internal/ratelimit"
	"github.com/AlexKimmel/digestgate/internal/redisconn"
	"github.com/AlexKimmel/digestgate/internal/routing"
)

const (
	BackendNoop   = "noop"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID           string `yaml:"id"`
	Secret       string `yaml:"secret"`
	Organization string `yaml:"organization"`
}

type Auth struct {
	Header    string   `yaml:"header"`
	Anonymous bool     `yaml:"anonymous"`
	Keys      []APIKey `yaml:"keys"`
}

type Redis struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
}

type Digests struct {
	Backend             string `yaml:"backend"`
	Capacity            int    `yaml:"capacity"`
	TTLSeconds          int    `yaml:"ttl_seconds"`
	LeaseTimeoutSeconds int    `yaml:"lease_timeout_seconds"`
	RedisPrefix         string `yaml:"redis_prefix"`
	// Options maps digests:<plugin>:<option> to seconds.
	Options map[string]float64 `yaml:"options"`
}

type Scheduler struct {
	Enabled       bool    `yaml:"enabled"`
	IntervalMS    int     `yaml:"interval_ms"`
	Concurrency   int     `yaml:"concurrency"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type Limits struct {
	Backend         string `yaml:"backend"`
	SweepIntervalMS int    `yaml:"sweep_interval_ms"`
	RedisPrefix     string `yaml:"redis_prefix"`
}

type RateLimit struct {
	Limit         int     `yaml:"limit"`
	WindowSeconds float64 `yaml:"window_seconds"`
}

type Operation struct {
	ID               string   `yaml:"id"`
	PathPrefix       string   `yaml:"path_prefix"`
	Methods          []string `yaml:"methods"`
	EnforceRateLimit bool     `yaml:"enforce_rate_limit"`
	// RateLimits maps verb -> category -> limit.
	RateLimits map[string]map[string]RateLimit `yaml:"rate_limits"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Redis         Redis         `yaml:"redis"`
	Digests       Digests       `yaml:"digests"`
	Scheduler     Scheduler     `yaml:"scheduler"`
	Limits        Limits        `yaml:"limits"`
	Operations    []Operation   `yaml:"operations"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func (r Redis) Conn() redisconn.Config {
	return redisconn.Config{
		Addr:        r.Addr,
		Password:    r.Password,
		DB:          r.DB,
		PoolSize:    r.PoolSize,
		DialTimeout: time.Duration(r.DialTimeoutMS) * time.Millisecond,
	}
}

func (s Scheduler) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

func (l Limits) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalMS) * time.Millisecond
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// BackendConfig builds the settings shared by all digest backends. Plugins
// without options of their own use the default plugin, which falls back to
// digests.DefaultDelays.
func (d Digests) BackendConfig() (digests.Config, error) {
	opts := make(map[string]time.Duration, len(d.Options)+1)
	for k, v := range d.Options {
		opts[k] = seconds(v)
	}
	if !hasPlugin(opts, digests.DefaultPlugin) {
		opts[digests.OptionKey(digests.DefaultPlugin, digests.IncrementDelay)] = digests.DefaultDelays.Increment
	}
	delays, err := digests.NewDelaySet(opts)
	if err != nil {
		return digests.Config{}, err
	}
	return digests.Config{
		Delays:       delays,
		Capacity:     d.Capacity,
		TTL:          time.Duration(d.TTLSeconds) * time.Second,
		LeaseTimeout: time.Duration(d.LeaseTimeoutSeconds) * time.Second,
	}, nil
}

func hasPlugin(opts map[string]time.Duration, plugin string) bool {
	prefix := "digests:" + plugin + ":"
	for k := range opts {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Build turns the YAML form into a registered operation.
func (o Operation) Build() (*routing.Operation, error) {
	if o.ID == "" {
		return nil, fmt.Errorf("operation %q: missing id", o.PathPrefix)
	}
	if len(o.Methods) == 0 {
		return nil, fmt.Errorf("operation %s: no methods", o.ID)
	}
	op := &routing.Operation{
		ID:         o.ID,
		Prefix:     o.PathPrefix,
		Methods:    make(map[string]struct{}, len(o.Methods)),
		Enforce:    o.EnforceRateLimit,
		RateLimits: make(ratelimit.Limits, len(o.RateLimits)),
	}
	for _, m := range o.Methods {
		op.Methods[strings.ToUpper(m)] = struct{}{}
	}
	for verb, cats := range o.RateLimits {
		limits := make(map[ratelimit.Category]ratelimit.Limit, len(cats))
		for name, rl := range cats {
			cat, err := ratelimit.ParseCategory(name)
			if err != nil {
				return nil, fmt.Errorf("operation %s %s: %w", o.ID, verb, err)
			}
			if rl.Limit < 1 || rl.WindowSeconds <= 0 {
				return nil, fmt.Errorf("operation %s %s %s: limit and window_seconds must be positive", o.ID, verb, name)
			}
			limits[cat] = ratelimit.Limit{Limit: rl.Limit, Window: seconds(rl.WindowSeconds)}
		}
		op.RateLimits[strings.ToUpper(verb)] = limits
	}
	return op, nil
}

func (r *Root) Router() (*routing.Router, error) {
	rr, err := r.buildRouter()
	if err != nil {
		return nil, configError(err)
	}
	return rr, nil
}

func (r *Root) buildRouter() (*routing.Router, error) {
	rr := routing.New()
	for _, o := range r.Operations {
		op, err := o.Build()
		if err != nil {
			return nil, err
		}
		if err := rr.Add(op); err != nil {
			return nil, err
		}
	}
	return rr, nil
}

// DefaultOperations expose the digest API without rate limits.
func DefaultOperations() []Operation {
	return []Operation{
		{ID: "digests.schedule", PathPrefix: "/api/0/digests/schedule", Methods: []string{"POST"}},
		{ID: "digests", PathPrefix: "/api/0/digests", Methods: []string{"GET", "POST", "DELETE"}},
	}
}

func configError(err error) error {
	return fmt.Errorf("%w: %w", digests.ErrConfiguration, err)
}

// Validate reports every configuration problem at once.
func (r *Root) Validate() error {
	var errs []error
	switch r.Digests.Backend {
	case BackendNoop, BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("digests.backend %q: want noop, memory or redis", r.Digests.Backend))
	}
	switch r.Limits.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("limits.backend %q: want memory or redis", r.Limits.Backend))
	}
	if (r.Digests.Backend == BackendRedis || r.Limits.Backend == BackendRedis) && r.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required by the redis backends"))
	}
	if r.Digests.Capacity < 0 || r.Digests.TTLSeconds < 0 || r.Digests.LeaseTimeoutSeconds < 0 {
		errs = append(errs, errors.New("digests: capacity, ttl_seconds and lease_timeout_seconds must not be negative"))
	}
	if _, err := r.Digests.BackendConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := r.buildRouter(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return configError(err)
	}
	return nil
}

// Load reads the YAML file at path, applies defaults and validates it.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, configError(err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Digests.Backend == "" {
		cfg.Digests.Backend = BackendNoop
	}
	if cfg.Limits.Backend == "" {
		cfg.Limits.Backend = BackendMemory
	}
	if cfg.Limits.SweepIntervalMS <= 0 {
		cfg.Limits.SweepIntervalMS = 60_000
	}
	if cfg.Scheduler.IntervalMS <= 0 {
		cfg.Scheduler.IntervalMS = 10_000
	}
	if len(cfg.Operations) == 0 {
		cfg.Operations = DefaultOperations()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
