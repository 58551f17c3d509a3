// Package config loads the service configuration from a YAML file with
// every field overridable by environment variables, the same layering the
// teacher's internal/cli.Config used for the controller/worker/WAL knobs,
// generalized to the scheduler's own settings.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	gollyconfig "oss.nandlabs.io/golly/config"
)

// JobStoreBackend selects between the embedded and remote Job Store.
type JobStoreBackend string

// Backend constants.
const (
	BackendLocal  JobStoreBackend = "local"
	BackendRemote JobStoreBackend = "remote"
)

// Config is the full set of tunables for a jobsvc process.
type Config struct {
	JobStore struct {
		Backend      JobStoreBackend `yaml:"backend"`
		LocalDBPath  string          `yaml:"local_db_path"`
		RemoteDBURL  string          `yaml:"remote_db_url"`
		MaxProgress  int             `yaml:"max_progress_events"`
		MaxLogs      int             `yaml:"max_log_entries"`
		WALBuffer    int             `yaml:"wal_buffer_size"`
		WALFlush     time.Duration   `yaml:"wal_flush_interval"`
		SnapshotPath string          `yaml:"snapshot_path"`
	} `yaml:"job_store"`

	Worker struct {
		Concurrency    int           `yaml:"concurrency"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		CancelPoll     time.Duration `yaml:"cancel_poll_interval"`
		StaleThreshold time.Duration `yaml:"stale_threshold"`
	} `yaml:"worker"`

	Runner struct {
		StartMethod string `yaml:"start_method"`
	} `yaml:"runner"`

	HTTP struct {
		ListenHost string `yaml:"listen_host"`
		ListenPort int16  `yaml:"listen_port"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool  `yaml:"enabled"`
		Port    int16 `yaml:"port"`
	} `yaml:"metrics"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration described by spec §6's environment
// variable defaults.
func Default() *Config {
	c := &Config{}
	c.JobStore.Backend = BackendLocal
	c.JobStore.LocalDBPath = "dspy_jobs.db"
	c.JobStore.MaxProgress = 500
	c.JobStore.MaxLogs = 2000
	c.JobStore.WALBuffer = 256
	c.JobStore.WALFlush = 200 * time.Millisecond
	c.JobStore.SnapshotPath = "dspy_jobs.snapshot"
	c.Worker.Concurrency = 2
	c.Worker.PollInterval = 2 * time.Second
	c.Worker.CancelPoll = 1 * time.Second
	c.Worker.StaleThreshold = 600 * time.Second
	c.Runner.StartMethod = "fork"
	c.HTTP.ListenHost = "0.0.0.0"
	c.HTTP.ListenPort = 8080
	c.Metrics.Enabled = true
	c.Metrics.Port = 9090
	c.LogLevel = "INFO"
	return c
}

// Load reads path (if it exists) over the defaults, then applies
// environment variable overrides so an operator can tune a container
// without touching the mounted file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnv(c)
	return c, nil
}

func applyEnv(c *Config) {
	if v, ok := os.LookupEnv("JOB_STORE_BACKEND"); ok {
		c.JobStore.Backend = JobStoreBackend(v)
	}
	if v, ok := os.LookupEnv("LOCAL_DB_PATH"); ok {
		c.JobStore.LocalDBPath = v
	}
	if v, ok := os.LookupEnv("REMOTE_DB_URL"); ok {
		c.JobStore.RemoteDBURL = v
	}
	if v, err := gollyconfig.GetEnvAsInt("WORKER_CONCURRENCY", c.Worker.Concurrency); err == nil {
		c.Worker.Concurrency = v
	}
	if v, err := gollyconfig.GetEnvAsDecimal("WORKER_POLL_INTERVAL", c.Worker.PollInterval.Seconds()); err == nil {
		c.Worker.PollInterval = secondsToDuration(v)
	}
	if v, err := gollyconfig.GetEnvAsDecimal("CANCEL_POLL_INTERVAL", c.Worker.CancelPoll.Seconds()); err == nil {
		if v < 0.05 {
			v = 0.05
		}
		c.Worker.CancelPoll = secondsToDuration(v)
	}
	if v, err := gollyconfig.GetEnvAsInt("WORKER_STALE_THRESHOLD", int(c.Worker.StaleThreshold.Seconds())); err == nil {
		c.Worker.StaleThreshold = time.Duration(v) * time.Second
	}
	if v, ok := os.LookupEnv("JOB_RUN_START_METHOD"); ok {
		c.Runner.StartMethod = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
