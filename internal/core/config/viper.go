package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// secretKeys may only come from the environment.
var secretKeys = []string{
	"hmac_secret",
	"rule_store.hmac_secret",
	"api_key",
	"client.api_key",
}

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("rule_store.host", def.RuleStore.Host)
	v.SetDefault("rule_store.port", def.RuleStore.Port)
	v.SetDefault("rule_store.request_timeout", def.RuleStore.RequestTimeout.String())
	v.SetDefault("rule_store.default_project", def.RuleStore.DefaultProject)
	v.SetDefault("rule_store.require_auth", def.RuleStore.RequireAuth)
	v.SetDefault("client.target", def.Client.Target)
	v.SetDefault("client.timeout", def.Client.Timeout.String())
	v.SetDefault("client.policy", def.Client.Policy)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.addr", def.Metrics.Addr)

	// RK_RULE_STORE_PORT -> rule_store.port
	v.SetEnvPrefix("RK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		RuleStore: RuleStoreConfig{
			Host:           v.GetString("rule_store.host"),
			Port:           v.GetInt("rule_store.port"),
			RequestTimeout: v.GetDuration("rule_store.request_timeout"),
			DefaultProject: v.GetString("rule_store.default_project"),
			RequireAuth:    v.GetBool("rule_store.require_auth"),
		},
		Client: ClientConfig{
			Target:  v.GetString("client.target"),
			Timeout: v.GetDuration("client.timeout"),
			Policy:  v.GetString("client.policy"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Addr:    v.GetString("metrics.addr"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks port range, timeouts and the session policy name.
func validateConfig(cfg *Config) error {
	if cfg.RuleStore.Port <= 0 || cfg.RuleStore.Port > 65535 {
		return fmt.Errorf("rule_store.port must be between 1 and 65535, got %d", cfg.RuleStore.Port)
	}
	if cfg.RuleStore.RequestTimeout <= 0 {
		return fmt.Errorf("rule_store.request_timeout must be positive, got %v", cfg.RuleStore.RequestTimeout)
	}
	if cfg.RuleStore.DefaultProject == "" {
		return fmt.Errorf("rule_store.default_project must not be empty")
	}
	if cfg.Client.Target == "" {
		return fmt.Errorf("client.target must not be empty")
	}
	if cfg.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive, got %v", cfg.Client.Timeout)
	}
	switch cfg.Client.Policy {
	case "confirm", "strict":
	default:
		return fmt.Errorf("client.policy must be confirm or strict, got %q", cfg.Client.Policy)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr required when metrics are enabled")
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets.
// AutomaticEnv makes IsSet true for environment values too, so only
// the file-backed values are inspected.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		return nil
	}
	for _, key := range secretKeys {
		if v.InConfig(key) {
			return fmt.Errorf("secrets not allowed in config files (use RK_HMAC_SECRET and RK_API_KEY environment variables)")
		}
	}
	return nil
}
