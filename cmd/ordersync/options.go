package main

import (
	"flag"
	"fmt"

	"github.com/ligustah/ordersync/internal/config"
	ohttp "github.com/ligustah/ordersync/internal/http"
)

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath   string
	envFile      string
	verbose      bool
	baseURL      string
	clientID     string
	clientSecret string
	apiKey       string
	location     string
	stateURL     string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&c.envFile, "env-file", ".env", "Path to a .env file with credentials")
	fs.BoolVar(&c.verbose, "verbose", false, "Enable debug logging")
	fs.StringVar(&c.baseURL, "base-url", "", "Catalog base URL")
	fs.StringVar(&c.clientID, "client-id", "", "Catalog client id")
	fs.StringVar(&c.clientSecret, "client-secret", "", "Catalog client secret")
	fs.StringVar(&c.apiKey, "api-key", "", "Catalog API key (instead of client id and secret)")
	fs.StringVar(&c.location, "location", "", "Root directory for downloads (default \".\")")
	fs.StringVar(&c.stateURL, "state-url", "", "Bucket URL or directory for watermarks (default: location)")
	return c
}

// load builds the configuration: defaults, .env, config file, environment,
// then flags.
func (c *commonFlags) load(flags config.Config) (config.Config, error) {
	if err := config.LoadDotEnv(c.envFile); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(c.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	flags.BaseURL = c.baseURL
	flags.ClientID = c.clientID
	flags.ClientSecret = c.clientSecret
	flags.APIKey = c.apiKey
	flags.Location = c.location
	flags.StateURL = c.stateURL
	return cfg.Merge(flags), nil
}

func httpOptions(cfg config.Config) ohttp.Options {
	opts := ohttp.DefaultOptions()
	opts.MaxIdleConnsPerHost = max(opts.MaxIdleConnsPerHost, cfg.Workers*2)
	opts.Timeout = cfg.HTTP.Timeout
	opts.RetryAttempts = cfg.HTTP.RetryAttempts
	opts.RetryBackoff = cfg.HTTP.RetryBackoff
	opts.RetryMaxBackoff = cfg.HTTP.RetryMaxBackoff
	return opts
}

func requireCredentials(cfg config.Config) error {
	if cfg.APIKey == "" && (cfg.ClientID == "" || cfg.ClientSecret == "") {
		return fmt.Errorf("-client-id and -client-secret, or -api-key, are required")
	}
	return nil
}
