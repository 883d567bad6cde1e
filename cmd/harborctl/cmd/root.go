package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harborpipe/internal/config"
	"github.com/austindbirch/harborpipe/internal/db"
	"github.com/austindbirch/harborpipe/internal/logging"
)

var (
	cfgFile    string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	dsn        string
	nsqdAddr   string
	nsqdHTTP   string
	redisAddr  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "harborctl",
	Short: "harborpipe CLI - operate the subscription event pipeline",
	Long: `harborctl is the operator tool for the harborpipe event pipeline.

You can use it to publish subscription events, inspect and replay dead-lettered
messages, look at idempotency records and invoices, and run schema migrations.

Connection settings come from the same environment variables the services read
(DB_*, NSQD_*, REDIS_*, KAFKA_*), overridden by ~/.harborctl.yaml and flags.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.harborctl.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "postgres connection string (default built from DB_* env vars)")
	rootCmd.PersistentFlags().StringVar(&nsqdAddr, "nsqd", "", "nsqd TCP address (default NSQD_TCP_ADDR)")
	rootCmd.PersistentFlags().StringVar(&nsqdHTTP, "nsqd-http", "", "nsqd HTTP address for depth queries (default NSQD_HTTP_ADDR)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "redis address (default REDIS_ADDR)")

	// Bind flags to viper
	for _, name := range []string{"timeout", "json", "pretty", "dsn", "nsqd", "nsqd-http", "redis"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".harborctl")
	}

	viper.SetEnvPrefix("HARBORCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	for name, target := range map[string]*string{"dsn": &dsn, "nsqd": &nsqdAddr, "nsqd-http": &nsqdHTTP, "redis": &redisAddr} {
		if !flags.Changed(name) {
			if s := viper.GetString(name); s != "" {
				*target = s
			}
		}
	}
}

// loadConfig reads the service configuration from the environment and applies
// the connection overrides given on the command line.
func loadConfig() (config.Config, error) {
	cfg := config.FromEnv()
	if nsqdAddr != "" {
		cfg.NSQ.NsqdTCPAddr = nsqdAddr
	}
	if nsqdHTTP != "" {
		cfg.NSQ.NsqdHTTPAddr = nsqdHTTP
	}
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func databaseURL(cfg config.Config) string {
	if dsn != "" {
		return dsn
	}
	return cfg.DSN()
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

func connectDB(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, databaseURL(cfg), cfg.DB.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

func newRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func newProducer(cfg config.Config) (*nsq.Producer, error) {
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create nsq producer: %w", err)
	}
	producer.SetLogger(nil, nsq.LogLevelError)
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("failed to reach nsqd at %s: %w", cfg.NSQ.NsqdTCPAddr, err)
	}
	return producer, nil
}

// newLogger keeps service logs off stdout, which carries command output.
func newLogger() *logging.Logger {
	return logging.NewWithWriter("harborctl", os.Stderr)
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput writes v as JSON. Commands print their own human-readable form
// when --json is not set.
func printOutput(w io.Writer, v any) {
	var (
		jsonData []byte
		err      error
	)
	if prettyJSON {
		// Compact JSON if we're going to format with jq
		jsonData, err = json.Marshal(v)
	} else {
		jsonData, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}

	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			// Print jq-formatted output (already includes newline)
			fmt.Fprint(w, formatted)
			return
		}
		// Fall back to standard pretty printing if jq fails
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		jsonData, _ = json.MarshalIndent(v, "", "  ")
	}
	fmt.Fprintln(w, string(jsonData))
}

// parseTimestamp parses an optional RFC3339 timestamp. Empty yields the zero time.
func parseTimestamp(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp (expected RFC3339 format): %w", err)
	}

	return t, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
