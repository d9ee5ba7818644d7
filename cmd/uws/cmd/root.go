package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/uws-client/pkg/logging"
	"github.com/psantana5/uws-client/pkg/metrics"
	"github.com/psantana5/uws-client/pkg/retry"
	"github.com/psantana5/uws-client/pkg/store"
	"github.com/psantana5/uws-client/pkg/tracing"
	"github.com/psantana5/uws-client/pkg/transport"
	"github.com/psantana5/uws-client/pkg/uws"
)

var (
	serviceURL   string
	outputFormat string
	cfgFile      string
	apiKey       string
	logLevel     string
	logFile      string
	storeSpec    string
	otlpEndpoint string
	longPoll     string

	caFile       string
	certFile     string
	keyFile      string
	insecureTLS  bool
	rateLimitRPS float64
)

var (
	tracer     *tracing.Provider
	recorder   = metrics.NewRecorder()
	fileLogger *logging.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "uws",
	Short: "CLI for UWS asynchronous job services",
	Long: `uws is a command line client for services implementing the IVOA Universal
Worker Service pattern: submit jobs, start and abort them, wait for them to
finish and retrieve their results.`,
	SilenceUsage:      true,
	PersistentPreRunE: startTracing,
}

// Execute adds all child commands to the root command and runs it.
// SIGINT and SIGTERM cancel the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	stopTracing()
	closeLogFile()
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.uws/config)")
	rootCmd.PersistentFlags().StringVar(&serviceURL, "service", "", "job list URL of the UWS service (e.g. https://host/tap/async)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "bearer token sent with every request")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also append logs to this file")
	rootCmd.PersistentFlags().StringVar(&storeSpec, "store", "", "tracked job registry: memory, sqlite:<path> or a postgres:// DSN")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP collector (host:port); tracing is off when empty")
	rootCmd.PersistentFlags().StringVar(&longPoll, "long-poll", "", "blocking requests (WAIT) while waiting: auto, on or off (default auto)")

	rootCmd.PersistentFlags().StringVar(&caFile, "ca-file", "", "CA bundle used to verify the service")
	rootCmd.PersistentFlags().StringVar(&certFile, "cert-file", "", "client certificate for mutual TLS")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key-file", "", "client key for mutual TLS")
	rootCmd.PersistentFlags().BoolVar(&insecureTLS, "insecure", false, "skip TLS certificate verification")
	rootCmd.PersistentFlags().Float64Var(&rateLimitRPS, "rate-limit", 5, "maximum requests per second per host (0 = unlimited)")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(filepath.Join(home, ".uws"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("uws")
	viper.AutomaticEnv()

	viper.BindEnv("service_url", "UWS_SERVICE_URL")
	viper.BindEnv("api_key", "UWS_API_KEY")
	viper.BindEnv("store", "UWS_STORE")
	viper.BindEnv("otlp_endpoint", "UWS_OTLP_ENDPOINT")

	// A missing config file is fine; flags and environment still apply
	_ = viper.ReadInConfig()

	if serviceURL == "" {
		serviceURL = viper.GetString("service_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if storeSpec == "" {
		storeSpec = viper.GetString("store")
	}
	if otlpEndpoint == "" {
		otlpEndpoint = viper.GetString("otlp_endpoint")
	}
	if logFile == "" {
		logFile = viper.GetString("log_file")
	}
	if longPoll == "" {
		longPoll = viper.GetString("long_poll")
	}
}

// GetServiceURL returns the configured job list URL with trailing slashes removed
func GetServiceURL() string {
	return strings.TrimRight(serviceURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// newLogger returns the command's logger. With --log-file the same file
// logger is shared until closeLogFile.
func newLogger() *logging.Logger {
	level := logging.ParseLevel(logLevel)
	if logFile == "" {
		return logging.NewLogger(level, false)
	}
	if fileLogger == nil {
		logger, err := logging.NewFileLogger(logFile, level, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v, logging to stderr only\n", err)
			return logging.NewLogger(level, false)
		}
		fileLogger = logger
	}
	return fileLogger
}

func closeLogFile() {
	if fileLogger == nil {
		return
	}
	if err := fileLogger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
	}
	fileLogger = nil
}

func newTransport(logger *logging.Logger) (*transport.HTTPTransport, error) {
	opts := []transport.Option{
		transport.WithCircuitBreaker(transport.DefaultBreakerSettings()),
		transport.WithMetrics(recorder),
		transport.WithLogger(logger),
	}
	if apiKey != "" {
		opts = append(opts, transport.WithCredential(transport.BearerToken(apiKey)))
	}
	if rateLimitRPS > 0 {
		opts = append(opts, transport.WithRateLimit(rateLimitRPS, int(rateLimitRPS)+1))
	}
	if caFile != "" || certFile != "" || insecureTLS {
		tlsConfig, err := transport.LoadClientTLSConfig(transport.TLSOptions{
			CAFile:             caFile,
			CertFile:           certFile,
			KeyFile:            keyFile,
			InsecureSkipVerify: insecureTLS,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, transport.WithTLSConfig(tlsConfig))
	}
	return transport.NewHTTPTransport(opts...), nil
}

// newClient builds a client for the configured service
func newClient() (*uws.Client, error) {
	if GetServiceURL() == "" {
		return nil, fmt.Errorf("no service configured: use --service, UWS_SERVICE_URL or service_url in the config file")
	}
	mode, err := uws.ParseLongPollMode(longPoll)
	if err != nil {
		return nil, err
	}
	logger := newLogger()
	t, err := newTransport(logger)
	if err != nil {
		return nil, err
	}
	return uws.NewClient(GetServiceURL(), t,
		uws.WithLogger(logger),
		uws.WithMetrics(recorder),
		uws.WithLongPoll(mode),
	), nil
}

// storeConfig turns --store / UWS_STORE into a store configuration
func storeConfig(spec string) (store.Config, error) {
	switch {
	case spec == "memory":
		return store.Config{Type: "memory"}, nil
	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		return store.Config{Type: "postgres", DSN: spec}, nil
	case strings.HasPrefix(spec, "sqlite:"):
		return store.Config{Type: "sqlite", Path: strings.TrimPrefix(spec, "sqlite:")}, nil
	case spec == "":
		home, err := os.UserHomeDir()
		if err != nil {
			return store.Config{}, fmt.Errorf("failed to locate home directory: %w", err)
		}
		dir := filepath.Join(home, ".uws")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return store.Config{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		return store.Config{Type: "sqlite", Path: filepath.Join(dir, "jobs.db")}, nil
	default:
		return store.Config{}, fmt.Errorf("unrecognized store %q", spec)
	}
}

// openStore opens the tracked job registry. Connecting to a database server
// is retried while the failure looks transient.
func openStore(ctx context.Context) (store.Store, error) {
	cfg, err := storeConfig(storeSpec)
	if err != nil {
		return nil, err
	}

	var reg store.Store
	policy := retry.Config{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
	}
	err = retry.Do(ctx, policy, func() error {
		var openErr error
		reg, openErr = store.NewStore(cfg)
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job registry: %w", err)
	}
	return reg, nil
}

// resolveJobURL accepts a job URL, a tracked record ID or a bare job id
func resolveJobURL(ref string, reg store.Store) (string, error) {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref, nil
	}
	if reg != nil {
		if rec, err := reg.Find(ref); err == nil {
			return rec.JobURL, nil
		}
	}
	if GetServiceURL() == "" {
		return "", fmt.Errorf("cannot resolve job %q without a service URL", ref)
	}
	return GetServiceURL() + "/" + url.PathEscape(ref), nil
}

func startTracing(cmd *cobra.Command, args []string) error {
	if otlpEndpoint == "" {
		return nil
	}
	p, err := tracing.InitTracer(cmd.Context(), tracing.Config{
		ServiceName:  "uws-cli",
		Environment:  viper.GetString("environment"),
		OTLPEndpoint: otlpEndpoint,
		Insecure:     viper.GetBool("otlp_insecure"),
		Enabled:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	tracer = p
	return nil
}

// stopTracing flushes pending spans, also after a failed command
func stopTracing() {
	if tracer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracer.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to flush traces: %v\n", err)
	}
}
