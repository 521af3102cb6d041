package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/smbo/internal/logging"
	"github.com/copyleftdev/smbo/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"60s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Optimization struct {
		NCalls                int     `env:"OPT_N_CALLS" envDefault:"50"`
		NInitialPoints        int     `env:"OPT_N_INITIAL_POINTS" envDefault:"10"`
		InitialPointGenerator string  `env:"OPT_INITIAL_POINTS" envDefault:"random"`
		Acquisition           string  `env:"OPT_ACQUISITION" envDefault:"EI"`
		Xi                    float64 `env:"OPT_XI" envDefault:"0"`
		Kappa                 float64 `env:"OPT_KAPPA" envDefault:"1.96"`
		NCandidates           int     `env:"OPT_N_CANDIDATES" envDefault:"2000"`
		NRestarts             int     `env:"OPT_N_RESTARTS" envDefault:"3"`
		AcqOptimizer          string  `env:"OPT_ACQ_OPTIMIZER" envDefault:"nelder-mead"`
		WorkerCount           int     `env:"OPT_WORKER_COUNT" envDefault:"4"`
		Nugget                float64 `env:"OPT_NUGGET" envDefault:"1e-10"`
	}
	Store struct {
		TraceDir string `env:"TRACE_DIR" envDefault:"data/traces"`
	}
	RateLimit struct {
		RPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
		Burst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`
	}
	MaxConcurrentRuns int `env:"MAX_CONCURRENT_RUNS" envDefault:"8"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFromMap reads the configuration from vars instead of the process
// environment.
func LoadFromMap(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	cfg := &Config{}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, err
	}

	// Default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with. Optimizer defaults
// are checked again per run once a space and objective are known.
func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTP.Port)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate limit needs RATE_LIMIT_RPS > 0 and RATE_LIMIT_BURST >= 1")
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("MAX_CONCURRENT_RUNS must be at least 1, got %d", c.MaxConcurrentRuns)
	}
	switch strings.ToUpper(c.Optimization.Acquisition) {
	case "EI", "LCB", "PI":
	default:
		return fmt.Errorf("OPT_ACQUISITION must be EI, LCB or PI, got %q", c.Optimization.Acquisition)
	}
	if c.Optimization.NCalls < 1 || c.Optimization.NInitialPoints < 1 || c.Optimization.NInitialPoints > c.Optimization.NCalls {
		return fmt.Errorf("need 1 <= OPT_N_INITIAL_POINTS <= OPT_N_CALLS, got %d and %d",
			c.Optimization.NInitialPoints, c.Optimization.NCalls)
	}
	return nil
}

// OptimizerDefaults returns the optimizer settings without a space or
// objective. Callers fill those in and may override the rest.
func (c *Config) OptimizerDefaults() optimization.OptimizerConfig {
	o := c.Optimization
	return optimization.OptimizerConfig{
		NCalls:                o.NCalls,
		NInitialPoints:        o.NInitialPoints,
		InitialPointGenerator: o.InitialPointGenerator,
		Acquisition:           strings.ToUpper(o.Acquisition),
		Xi:                    o.Xi,
		Kappa:                 o.Kappa,
		NCandidates:           o.NCandidates,
		NRestarts:             o.NRestarts,
		AcqOptimizer:          o.AcqOptimizer,
		Workers:               o.WorkerCount,
		Nugget:                o.Nugget,
	}
}

// LoggingConfig converts the logging section for logging.NewLogger.
func (c *Config) LoggingConfig() *logging.Config {
	return &logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}
