package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that carry the remote coordinates. They win over the
// values stored in config.yaml.
const (
	EnvEndpoint        = "AZURE_AI_PROJECT_ENDPOINT"
	EnvModelDeployment = "AZURE_AI_MODEL_DEPLOYMENT_NAME"
	EnvAPIVersion      = "AZURE_AI_AGENTS_API_VERSION"
	EnvKnowledgeDir    = "KBAGENT_KNOWLEDGE_DIR"
	EnvInstructions    = "KBAGENT_INSTRUCTIONS_PATH"
)

const (
	DefaultAPIVersion      = "v1"
	DefaultVectorStoreName = "knowledge-base-support"
	DefaultAgentNamePrefix = "support-agent"
	DefaultKnowledgeDir    = "./knowledge_base"
	DefaultInstructions    = "./instructions/instructions.txt"
	DefaultPollIntervalMS  = 500
	DefaultRunTimeoutSecs  = 300
)

// DefaultExamples are the canned queries offered by the chat shell.
var DefaultExamples = []string{
	"What is the procedure for a password reset?",
	"How do I fix a WiFi problem?",
	"Who are the support contacts?",
	"Company security policies",
	"Procedure to configure the VPN",
	"What should I do if the computer won't turn on?",
}

// Config captures the tunable runtime settings for the client.
type Config struct {
	Endpoint              string   `yaml:"endpoint"`
	ModelDeployment       string   `yaml:"model_deployment"`
	APIVersion            string   `yaml:"api_version"`
	KnowledgeDir          string   `yaml:"knowledge_dir"`
	InstructionsPath      string   `yaml:"instructions_path"`
	VectorStoreName       string   `yaml:"vector_store_name"`
	AgentNamePrefix       string   `yaml:"agent_name_prefix"`
	PollIntervalMillis    int      `yaml:"poll_interval_ms"`
	RunTimeoutSeconds     int      `yaml:"run_timeout_seconds"` // 0 means the default, negative disables the deadline
	RequestTimeoutSeconds int      `yaml:"request_timeout_seconds"`
	StorePath             string   `yaml:"store_path"`
	HistoryPath           string   `yaml:"history_path"`
	LogPath               string   `yaml:"log_path"`
	Examples              []string `yaml:"examples"`
	PlainOutput           bool     `yaml:"plain_output"`
}

// EnsureDefaultConfig creates config.yaml with defaults if it doesn't exist.
func EnsureDefaultConfig() error {
	configDir := GetConfigDir()
	configPath := filepath.Join(configDir, "config.yaml")

	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	cfg := Config{}
	cfg.applyDefaults()
	// Paths under the config dir are derived at load time; keep the file short.
	cfg.StorePath = ""
	cfg.HistoryPath = ""
	cfg.LogPath = ""

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadUserConfig loads configuration from ~/.kbagent/config.yaml.
// Checks KBAGENT_CONFIG_PATH environment variable first.
// If the file doesn't exist, returns defaults. Environment overrides are applied last.
func LoadUserConfig() (Config, error) {
	configPath := os.Getenv("KBAGENT_CONFIG_PATH")
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := Config{}
		cfg.ApplyEnv(os.LookupEnv)
		cfg.applyDefaults()
		if err := cfg.validate(); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	return Load(configPath)
}

// Load reads the YAML configuration from disk, applies environment overrides and
// injects defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays non-empty environment values on top of the file values.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	set := func(target *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	set(&c.Endpoint, EnvEndpoint)
	set(&c.ModelDeployment, EnvModelDeployment)
	set(&c.APIVersion, EnvAPIVersion)
	set(&c.KnowledgeDir, EnvKnowledgeDir)
	set(&c.InstructionsPath, EnvInstructions)
}

// applyDefaults fills in optional values to keep the YAML file concise.
func (c *Config) applyDefaults() {
	c.Endpoint = strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	c.ModelDeployment = strings.TrimSpace(c.ModelDeployment)
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.KnowledgeDir == "" {
		c.KnowledgeDir = DefaultKnowledgeDir
	}
	if c.InstructionsPath == "" {
		c.InstructionsPath = DefaultInstructions
	}
	if c.VectorStoreName == "" {
		c.VectorStoreName = DefaultVectorStoreName
	}
	if c.AgentNamePrefix == "" {
		c.AgentNamePrefix = DefaultAgentNamePrefix
	}
	if c.PollIntervalMillis <= 0 {
		c.PollIntervalMillis = DefaultPollIntervalMS
	}
	if c.RunTimeoutSeconds == 0 {
		c.RunTimeoutSeconds = DefaultRunTimeoutSecs
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 90
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(GetConfigDir(), "kbagent.db")
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(GetConfigDir(), ".history")
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join(GetConfigDir(), "kbagent.log")
	}
	if len(c.Examples) == 0 {
		c.Examples = append([]string(nil), DefaultExamples...)
	}
}

func (c Config) validate() error {
	if c.PollIntervalMillis < 50 || c.PollIntervalMillis > 60000 {
		return fmt.Errorf("poll_interval_ms must be between 50 and 60000 (got %d)", c.PollIntervalMillis)
	}
	if c.RunTimeoutSeconds > 3600 {
		return fmt.Errorf("run_timeout_seconds cannot exceed 3600 (1 hour)")
	}
	if c.RequestTimeoutSeconds > 600 {
		return fmt.Errorf("request_timeout_seconds cannot exceed 600 (10 minutes)")
	}
	if strings.TrimSpace(c.APIVersion) == "" {
		return fmt.Errorf("api_version must be set")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("store_path must be set")
	}
	if strings.TrimSpace(c.HistoryPath) == "" {
		return fmt.Errorf("history_path must be set")
	}
	if c.Endpoint != "" && !strings.HasPrefix(c.Endpoint, "https://") && !strings.HasPrefix(c.Endpoint, "http://") {
		return fmt.Errorf("endpoint must be an http(s) URL")
	}
	return nil
}

// MissingRemote lists the environment variables that still need a value before
// the client can reach the service. An empty result means connect may proceed.
func (c Config) MissingRemote() []string {
	var missing []string
	if strings.TrimSpace(c.Endpoint) == "" {
		missing = append(missing, EnvEndpoint)
	}
	if strings.TrimSpace(c.ModelDeployment) == "" {
		missing = append(missing, EnvModelDeployment)
	}
	return missing
}

// PollInterval is the wait between two run status checks.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// RunTimeout bounds a single turn. A negative run_timeout_seconds yields zero,
// which the executor treats as no deadline.
func (c Config) RunTimeout() time.Duration {
	if c.RunTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// RequestTimeout turns the integer value into a duration for HTTP clients.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func GetConfigDir() string {
	if configDir := os.Getenv("KBAGENT_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kbagent"
	}
	return filepath.Join(home, ".kbagent")
}
