package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/uws-client/pkg/uws"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the configuration assembled from flags, environment and $HOME/.uws/config.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration the other commands would use, as YAML. The file
uses the same keys, e.g.

  service_url: https://example.org/tap/async
  api_key: s3cret
  store: sqlite:/home/me/.uws/jobs.db
  long_poll: auto`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

// EffectiveConfig is the configuration after flags, environment and file are merged
type EffectiveConfig struct {
	ConfigFile   string  `json:"config_file,omitempty" yaml:"config_file,omitempty"`
	ServiceURL   string  `json:"service_url" yaml:"service_url"`
	APIKey       string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Output       string  `json:"output" yaml:"output"`
	LogLevel     string  `json:"log_level" yaml:"log_level"`
	LogFile      string  `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	Store        string  `json:"store" yaml:"store"`
	OTLPEndpoint string  `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
	LongPoll     string  `json:"long_poll" yaml:"long_poll"`
	RateLimit    float64 `json:"rate_limit" yaml:"rate_limit"`
	CAFile       string  `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	CertFile     string  `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

func effectiveConfig() EffectiveConfig {
	storeDesc := storeSpec
	if storeDesc == "" {
		if cfg, err := storeConfig(""); err == nil {
			storeDesc = "sqlite:" + cfg.Path
		}
	}
	return EffectiveConfig{
		ConfigFile:   viper.ConfigFileUsed(),
		ServiceURL:   GetServiceURL(),
		APIKey:       maskSecret(apiKey),
		Output:       outputFormat,
		LogLevel:     logLevel,
		LogFile:      logFile,
		Store:        maskDSN(storeDesc),
		OTLPEndpoint: otlpEndpoint,
		LongPoll:     longPollMode(),
		RateLimit:    rateLimitRPS,
		CAFile:       caFile,
		CertFile:     certFile,
		Insecure:     insecureTLS,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := effectiveConfig()
	if IsJSONOutput() {
		return printJSON(cfg)
	}

	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return encoder.Close()
}

// longPollMode names the mode newClient would use
func longPollMode() string {
	mode, err := uws.ParseLongPollMode(longPoll)
	if err != nil {
		return longPoll + " (invalid)"
	}
	return mode.String()
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// maskDSN hides the password of a postgres:// DSN
func maskDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	user, _, hasPassword := strings.Cut(rest[:at], ":")
	if !hasPassword {
		return dsn
	}
	return scheme + "://" + user + ":****" + rest[at:]
}
