package cmd

import (
	"fmt"
	"os"
	"strings"

	"locpipe/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "locpipe",
	Short: "Batch LLM localization pipeline",
	Long: `locpipe translates game text datasets (Chinese source) into target
languages through LLM providers, with crash-resumable checkpoints.

The pipeline supports:
- Bounded batch partitioning with per-model sizing policy
- Retry, model fallback, and bisection escalation on failures
- Structural validation of returned translations (placeholder preservation)
- Incremental result journal and atomic checkpoint persistence
- Optional Postgres translation memory and NATS trace mirroring`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	// Bind flags to viper
	if err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding log-level flag: %v\n", err)
	}
	if err := viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding log-format flag: %v\n", err)
	}
}

func initConfig() {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Set config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("LOCPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read configuration
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found; use defaults and environment
	}

	// Load configuration
	cfg = config.New(v)
}

func setDefaults(v *viper.Viper) {
	// Dataset defaults
	v.SetDefault("dataset.input_path", "./data/input.csv")
	v.SetDefault("dataset.output_path", "./data/output.csv")
	v.SetDefault("dataset.journal_path", "./data/results.jsonl")
	v.SetDefault("dataset.escalation_path", "./data/escalations.jsonl")

	// Checkpoint defaults
	v.SetDefault("checkpoint.path", "./data/checkpoint.json")

	// Pipeline defaults
	v.SetDefault("pipeline.target_lang", "ru")
	v.SetDefault("pipeline.model", "gpt-4o-mini")
	v.SetDefault("pipeline.policy_path", "./configs/models.yaml")
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.retry_count", 2)
	v.SetDefault("pipeline.fallback_enabled", true)
	v.SetDefault("pipeline.partial_accept", false)

	// LLM defaults
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", "5m")

	// Trace defaults
	v.SetDefault("trace.path", "./data/trace.jsonl")
	v.SetDefault("trace.nats.enabled", false)
	v.SetDefault("trace.nats.url", "nats://localhost:4222")
	v.SetDefault("trace.nats.subject", "locpipe.trace.events")
	v.SetDefault("trace.nats.max_reconnects", 5)
	v.SetDefault("trace.nats.reconnect_wait", "2s")

	// Memory defaults
	v.SetDefault("memory.port", 5432)
	v.SetDefault("memory.sslmode", "disable")
	v.SetDefault("memory.max_connections", 4)

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// GetConfig returns the loaded configuration
func GetConfig() *config.Config {
	return cfg
}
