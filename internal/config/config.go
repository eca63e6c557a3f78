package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RunsLatest selects the watermark-driven catch-up instead of fixed runs.
const RunsLatest = "latest"

// DefaultBaseURL is the catalog endpoint used when none is configured.
const DefaultBaseURL = "https://api-metoffice.apiconnect.ibmcloud.com/metoffice/production/1.0.0"

var runLabel = regexp.MustCompile(`^\d{2}$`)

// Config defines configuration for the ordersync CLI.
type Config struct {
	BaseURL             string        `yaml:"base_url"`
	ClientID            string        `yaml:"client_id"`
	ClientSecret        string        `yaml:"client_secret"`
	APIKey              string        `yaml:"api_key"`
	Orders              []string      `yaml:"orders"`
	Runs                string        `yaml:"runs"`
	Models              []string      `yaml:"models"`
	HighFrequencyModels []string      `yaml:"high_frequency_models"`
	Workers             int           `yaml:"workers"`
	Location            string        `yaml:"location"`
	StateURL            string        `yaml:"state_url"`
	ReportURL           string        `yaml:"report_url"`
	FailLimit           int           `yaml:"fail_limit"`
	FillGaps            bool          `yaml:"fill_gaps"`
	FolderDate          bool          `yaml:"folder_date"`
	GUIDFileNames       bool          `yaml:"guid_file_names"`
	BackdatedDate       string        `yaml:"backdated_date"`
	MaxFilesPerRun      int           `yaml:"max_files_per_run"`
	Progress            bool          `yaml:"progress"`
	PrintURLs           bool          `yaml:"print_urls"`
	MetricsFile         string        `yaml:"metrics_file"`
	Retry               RetryConfig   `yaml:"retry"`
	Monitor             MonitorConfig `yaml:"monitor"`
	HTTP                HTTPConfig    `yaml:"http"`
}

// RetryConfig defines the serial retry pass that follows a batch.
type RetryConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Delay               time.Duration `yaml:"delay"`
	MajorityMinFailures int           `yaml:"majority_min_failures"`
}

// MonitorConfig defines the circuit-breaker monitor.
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

// HTTPConfig defines catalog request behavior.
type HTTPConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		Runs:      "00,06,12,18",
		Models:    []string{"mo-global", "mo-uk", "mo-uk-latlon", "mo-mogrepsg"},
		Workers:   4,
		Location:  ".",
		FailLimit: 30,
		Retry: RetryConfig{
			Delay:               30 * time.Second,
			MajorityMinFailures: 50,
		},
		Monitor: MonitorConfig{
			PollInterval: 10 * time.Second,
			GracePeriod:  30 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:         10 * time.Minute,
			RetryAttempts:   2,
			RetryBackoff:    10 * time.Second,
			RetryMaxBackoff: 30 * time.Second,
		},
	}
}

// LatestRuns reports whether runs are chosen from the watermark.
func (c *Config) LatestRuns() bool {
	return strings.EqualFold(strings.TrimSpace(c.Runs), RunsLatest)
}

// RunList returns the explicit run labels.
func (c *Config) RunList() []string {
	return splitList(c.Runs)
}

// StateLocation returns where watermarks are stored.
func (c *Config) StateLocation() string {
	if c.StateURL != "" {
		return c.StateURL
	}
	return c.Location
}

// ReportLocation returns where reports are written.
func (c *Config) ReportLocation() string {
	if c.ReportURL != "" {
		return c.ReportURL
	}
	return c.Location
}

// yamlConfig is used for YAML unmarshaling with string durations and
// optional booleans.
type yamlConfig struct {
	BaseURL             string   `yaml:"base_url"`
	ClientID            string   `yaml:"client_id"`
	ClientSecret        string   `yaml:"client_secret"`
	APIKey              string   `yaml:"api_key"`
	Orders              []string `yaml:"orders"`
	Runs                string   `yaml:"runs"`
	Models              []string `yaml:"models"`
	HighFrequencyModels []string `yaml:"high_frequency_models"`
	Workers             int      `yaml:"workers"`
	Location            string   `yaml:"location"`
	StateURL            string   `yaml:"state_url"`
	ReportURL           string   `yaml:"report_url"`
	FailLimit           int      `yaml:"fail_limit"`
	FillGaps            bool     `yaml:"fill_gaps"`
	FolderDate          bool     `yaml:"folder_date"`
	GUIDFileNames       bool     `yaml:"guid_file_names"`
	BackdatedDate       string   `yaml:"backdated_date"`
	MaxFilesPerRun      int      `yaml:"max_files_per_run"`
	Progress            bool     `yaml:"progress"`
	PrintURLs           bool     `yaml:"print_urls"`
	MetricsFile         string   `yaml:"metrics_file"`
	Retry               struct {
		Enabled             bool   `yaml:"enabled"`
		Delay               string `yaml:"delay"`
		MajorityMinFailures int    `yaml:"majority_min_failures"`
	} `yaml:"retry"`
	Monitor struct {
		PollInterval string `yaml:"poll_interval"`
		GracePeriod  string `yaml:"grace_period"`
	} `yaml:"monitor"`
	HTTP struct {
		Timeout         string `yaml:"timeout"`
		RetryAttempts   int    `yaml:"retry_attempts"`
		RetryBackoff    string `yaml:"retry_backoff"`
		RetryMaxBackoff string `yaml:"retry_max_backoff"`
	} `yaml:"http"`
}

// LoadFromFile loads configuration from a YAML file. Unset fields keep
// their defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default().Merge(Config{
		BaseURL:             yc.BaseURL,
		ClientID:            yc.ClientID,
		ClientSecret:        yc.ClientSecret,
		APIKey:              yc.APIKey,
		Orders:              yc.Orders,
		Runs:                yc.Runs,
		Models:              yc.Models,
		HighFrequencyModels: yc.HighFrequencyModels,
		Workers:             yc.Workers,
		Location:            yc.Location,
		StateURL:            yc.StateURL,
		ReportURL:           yc.ReportURL,
		FailLimit:           yc.FailLimit,
		FillGaps:            yc.FillGaps,
		FolderDate:          yc.FolderDate,
		GUIDFileNames:       yc.GUIDFileNames,
		BackdatedDate:       yc.BackdatedDate,
		MaxFilesPerRun:      yc.MaxFilesPerRun,
		Progress:            yc.Progress,
		PrintURLs:           yc.PrintURLs,
		MetricsFile:         yc.MetricsFile,
		Retry: RetryConfig{
			Enabled:             yc.Retry.Enabled,
			MajorityMinFailures: yc.Retry.MajorityMinFailures,
		},
		HTTP: HTTPConfig{RetryAttempts: yc.HTTP.RetryAttempts},
	})

	durations := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"retry.delay", yc.Retry.Delay, &cfg.Retry.Delay},
		{"monitor.poll_interval", yc.Monitor.PollInterval, &cfg.Monitor.PollInterval},
		{"monitor.grace_period", yc.Monitor.GracePeriod, &cfg.Monitor.GracePeriod},
		{"http.timeout", yc.HTTP.Timeout, &cfg.HTTP.Timeout},
		{"http.retry_backoff", yc.HTTP.RetryBackoff, &cfg.HTTP.RetryBackoff},
		{"http.retry_max_backoff", yc.HTTP.RetryMaxBackoff, &cfg.HTTP.RetryMaxBackoff},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := parseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dest = v
	}

	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the ORDERSYNC_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := map[string]*string{
		"ORDERSYNC_BASE_URL":       &c.BaseURL,
		"ORDERSYNC_CLIENT_ID":      &c.ClientID,
		"ORDERSYNC_CLIENT_SECRET":  &c.ClientSecret,
		"ORDERSYNC_API_KEY":        &c.APIKey,
		"ORDERSYNC_RUNS":           &c.Runs,
		"ORDERSYNC_LOCATION":       &c.Location,
		"ORDERSYNC_STATE_URL":      &c.StateURL,
		"ORDERSYNC_REPORT_URL":     &c.ReportURL,
		"ORDERSYNC_BACKDATED_DATE": &c.BackdatedDate,
		"ORDERSYNC_METRICS_FILE":   &c.MetricsFile,
	}
	for name, dest := range strs {
		if v := os.Getenv(name); v != "" {
			*dest = v
		}
	}

	lists := map[string]*[]string{
		"ORDERSYNC_ORDERS":                &c.Orders,
		"ORDERSYNC_MODELS":                &c.Models,
		"ORDERSYNC_HIGH_FREQUENCY_MODELS": &c.HighFrequencyModels,
	}
	for name, dest := range lists {
		if v := os.Getenv(name); v != "" {
			*dest = splitList(v)
		}
	}

	ints := map[string]*int{
		"ORDERSYNC_WORKERS":                     &c.Workers,
		"ORDERSYNC_FAIL_LIMIT":                  &c.FailLimit,
		"ORDERSYNC_MAX_FILES_PER_RUN":           &c.MaxFilesPerRun,
		"ORDERSYNC_RETRY_MAJORITY_MIN_FAILURES": &c.Retry.MajorityMinFailures,
		"ORDERSYNC_HTTP_RETRY_ATTEMPTS":         &c.HTTP.RetryAttempts,
	}
	for name, dest := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dest = n
		}
	}

	bools := map[string]*bool{
		"ORDERSYNC_FILL_GAPS":       &c.FillGaps,
		"ORDERSYNC_FOLDER_DATE":     &c.FolderDate,
		"ORDERSYNC_GUID_FILE_NAMES": &c.GUIDFileNames,
		"ORDERSYNC_PROGRESS":        &c.Progress,
		"ORDERSYNC_PRINT_URLS":      &c.PrintURLs,
		"ORDERSYNC_RETRY":           &c.Retry.Enabled,
	}
	for name, dest := range bools {
		if v := os.Getenv(name); v != "" {
			*dest = v == "true" || v == "1"
		}
	}

	durations := map[string]*time.Duration{
		"ORDERSYNC_RETRY_DELAY":            &c.Retry.Delay,
		"ORDERSYNC_MONITOR_POLL":           &c.Monitor.PollInterval,
		"ORDERSYNC_MONITOR_GRACE":          &c.Monitor.GracePeriod,
		"ORDERSYNC_HTTP_TIMEOUT":           &c.HTTP.Timeout,
		"ORDERSYNC_HTTP_RETRY_BACKOFF":     &c.HTTP.RetryBackoff,
		"ORDERSYNC_HTTP_RETRY_MAX_BACKOFF": &c.HTTP.RetryMaxBackoff,
	}
	for name, dest := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dest = d
		}
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("config: base_url is required")
	}
	if c.APIKey == "" && (c.ClientID == "" || c.ClientSecret == "") {
		return errors.New("config: client_id and client_secret, or api_key, are required")
	}
	if len(c.Orders) == 0 {
		return errors.New("config: at least one order is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.FailLimit <= 0 {
		return errors.New("config: fail_limit must be positive")
	}
	if c.MaxFilesPerRun < 0 {
		return errors.New("config: max_files_per_run must not be negative")
	}
	if c.Retry.Delay < 0 {
		return errors.New("config: retry.delay must not be negative")
	}
	if c.Monitor.PollInterval <= 0 || c.Monitor.GracePeriod <= 0 {
		return errors.New("config: monitor intervals must be positive")
	}
	if !c.LatestRuns() {
		runs := c.RunList()
		if len(runs) == 0 {
			return errors.New("config: runs must be \"latest\" or a list of runs")
		}
		for _, r := range runs {
			if !runLabel.MatchString(r) {
				return fmt.Errorf("config: invalid run %q, want two digits", r)
			}
		}
	}
	if c.BackdatedDate != "" {
		if c.LatestRuns() {
			return errors.New("config: backdated_date cannot be combined with runs=latest")
		}
		if _, err := time.Parse("20060102", c.BackdatedDate); err != nil {
			return fmt.Errorf("config: backdated_date %q is not YYYYMMDD", c.BackdatedDate)
		}
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	mergeString(&c.BaseURL, override.BaseURL)
	mergeString(&c.ClientID, override.ClientID)
	mergeString(&c.ClientSecret, override.ClientSecret)
	mergeString(&c.APIKey, override.APIKey)
	mergeString(&c.Runs, override.Runs)
	mergeString(&c.Location, override.Location)
	mergeString(&c.StateURL, override.StateURL)
	mergeString(&c.ReportURL, override.ReportURL)
	mergeString(&c.BackdatedDate, override.BackdatedDate)
	mergeString(&c.MetricsFile, override.MetricsFile)

	if len(override.Orders) > 0 {
		c.Orders = override.Orders
	}
	if len(override.Models) > 0 {
		c.Models = override.Models
	}
	if len(override.HighFrequencyModels) > 0 {
		c.HighFrequencyModels = override.HighFrequencyModels
	}

	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.FailLimit != 0 {
		c.FailLimit = override.FailLimit
	}
	if override.MaxFilesPerRun != 0 {
		c.MaxFilesPerRun = override.MaxFilesPerRun
	}

	c.FillGaps = c.FillGaps || override.FillGaps
	c.FolderDate = c.FolderDate || override.FolderDate
	c.GUIDFileNames = c.GUIDFileNames || override.GUIDFileNames
	c.Progress = c.Progress || override.Progress
	c.PrintURLs = c.PrintURLs || override.PrintURLs
	c.Retry.Enabled = c.Retry.Enabled || override.Retry.Enabled

	if override.Retry.Delay != 0 {
		c.Retry.Delay = override.Retry.Delay
	}
	if override.Retry.MajorityMinFailures != 0 {
		c.Retry.MajorityMinFailures = override.Retry.MajorityMinFailures
	}
	if override.Monitor.PollInterval != 0 {
		c.Monitor.PollInterval = override.Monitor.PollInterval
	}
	if override.Monitor.GracePeriod != 0 {
		c.Monitor.GracePeriod = override.Monitor.GracePeriod
	}
	if override.HTTP.Timeout != 0 {
		c.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.HTTP.RetryAttempts != 0 {
		c.HTTP.RetryAttempts = override.HTTP.RetryAttempts
	}
	if override.HTTP.RetryBackoff != 0 {
		c.HTTP.RetryBackoff = override.HTTP.RetryBackoff
	}
	if override.HTTP.RetryMaxBackoff != 0 {
		c.HTTP.RetryMaxBackoff = override.HTTP.RetryMaxBackoff
	}
	return c
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SplitList is exported for flag parsing.
func SplitList(s string) []string {
	return splitList(s)
}

// parseDuration accepts Go durations ("30s") and bare seconds ("30").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
