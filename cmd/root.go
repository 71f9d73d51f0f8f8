package cmd

import (
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "doc-evaluator"
)

type Config struct {
	RulesFile  string            `mapstructure:"rules-file"`
	StepsFile  string            `mapstructure:"steps-file"`
	InputDir   string            `mapstructure:"input-dir"`
	OutputDir  string            `mapstructure:"output-dir"`
	Database   string            `mapstructure:"database"`
	Evaluation *EvaluationConfig `mapstructure:"evaluation"`
	AI         *AIConfig         `mapstructure:"ai"`
}

type EvaluationConfig struct {
	BatchSize       int           `mapstructure:"batch-size"`
	Workers         int           `mapstructure:"workers"`
	BatchStagger    time.Duration `mapstructure:"batch-stagger"`
	RuleDelay       time.Duration `mapstructure:"rule-delay"`
	StagePause      time.Duration `mapstructure:"stage-pause"`
	DisableBatching bool          `mapstructure:"disable-batching"`
	IgnoreSteps     bool          `mapstructure:"ignore-steps"`
	MaxLogLength    int           `mapstructure:"max-log-length"`
}

type AIConfig struct {
	DefaultModel string           `mapstructure:"default-model"`
	Gemini       *GeminiConfig    `mapstructure:"gemini"`
	Anthropic    *AnthropicConfig `mapstructure:"anthropic"`
}

type GeminiConfig struct {
	APIKeyFile    string        `mapstructure:"api-key-file"`
	Model         string        `mapstructure:"model"`
	MaxTokens     int32         `mapstructure:"max-tokens"`
	CacheDocument bool          `mapstructure:"cache-document"`
	CacheTTL      time.Duration `mapstructure:"cache-ttl"`
}

type AnthropicConfig struct {
	APIKeyFile string `mapstructure:"api-key-file"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max-tokens"`
	BaseURL    string `mapstructure:"base-url"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "doc-evaluator scores documents against declarative rules with language models",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	for key, env := range map[string]string{
		"ai.gemini.api-key-file":    "GEMINI_API_KEY_FILE",
		"ai.anthropic.api-key-file": "ANTHROPIC_API_KEY_FILE",
	} {
		if err := viper.BindEnv(key, env); err != nil {
			log.Fatalf("binding %s environment variable: %v", env, err)
		}
	}

	viper.SetDefault("rules-file", "rules.json")
	viper.SetDefault("steps-file", "steps.json")
	viper.SetDefault("input-dir", "documents")
	viper.SetDefault("output-dir", "evaluations")

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is doc-evaluator.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// Only evaluate, rules and reports read the config.
	needed := false
	for _, c := range []*cobra.Command{evaluateCmd, rulesCmd, reportsListCmd, reportsShowCmd} {
		if c.CalledAs() != "" {
			needed = true
		}
	}
	if !needed {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// Defaults and flags are enough when no config file is present, but a
	// broken or explicitly requested file is fatal.
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound && cfgFile == "" {
			return
		}
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}
