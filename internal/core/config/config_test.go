package config

import (
	"os"
	"testing"
	"time"
)

const (
	secretA = "0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
	secretB = "fedcba9876543210fedcba9876543210:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
	secretC = "0123456789abcdef0123456789abcdef:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w"
)

func TestHMACSecrets(t *testing.T) {
	os.Unsetenv("RK_HMAC_SECRET")
	os.Unsetenv("RK_HMAC_SECRET_1")
	os.Unsetenv("RK_HMAC_SECRET_2")

	t.Run("single secret", func(t *testing.T) {
		t.Setenv("RK_HMAC_SECRET", secretA)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 1 {
			t.Errorf("expected 1 secret, got %d", len(secrets))
		}
		if _, ok := secrets["0123456789abcdef0123456789abcdef"]; !ok {
			t.Errorf("secret_id not found in map")
		}
	})

	t.Run("multiple numbered secrets", func(t *testing.T) {
		t.Setenv("RK_HMAC_SECRET_1", secretA)
		t.Setenv("RK_HMAC_SECRET_2", secretB)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 2 {
			t.Errorf("expected 2 secrets, got %d", len(secrets))
		}
	})

	t.Run("numbering stops at first gap", func(t *testing.T) {
		t.Setenv("RK_HMAC_SECRET_2", secretB)

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 0 {
			t.Errorf("expected no secrets, got %d", len(secrets))
		}
	})

	invalid := map[string]string{
		"invalid format":           "invalid_format",
		"invalid secret_id length": "short:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w",
		"non-hex secret_id":        "0123456789abcdefGHIJKLMNOPQRSTUV:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w",
		"secret too short":         "0123456789abcdef0123456789abcdef:c2hvcnQ=",
		"invalid base64":           "0123456789abcdef0123456789abcdef:not-valid-base64!!!",
	}
	for name, val := range invalid {
		t.Run(name, func(t *testing.T) {
			t.Setenv("RK_HMAC_SECRET", val)
			if _, err := HMACSecrets(); err == nil {
				t.Errorf("expected error for %q", val)
			}
		})
	}

	t.Run("duplicate secret_id in numbered secrets", func(t *testing.T) {
		t.Setenv("RK_HMAC_SECRET_1", secretA)
		t.Setenv("RK_HMAC_SECRET_2", secretC)

		if _, err := HMACSecrets(); err == nil {
			t.Error("expected error for duplicate secret_id")
		}
	})

	t.Run("duplicate secret_id between single and numbered", func(t *testing.T) {
		t.Setenv("RK_HMAC_SECRET", secretA)
		t.Setenv("RK_HMAC_SECRET_1", secretC)

		if _, err := HMACSecrets(); err == nil {
			t.Error("expected error for duplicate secret_id between RK_HMAC_SECRET and RK_HMAC_SECRET_1")
		}
	})
}

func TestLoadConfig(t *testing.T) {
	os.Unsetenv("RK_RULE_STORE_HOST")
	os.Unsetenv("RK_RULE_STORE_PORT")

	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.RuleStore.Host != "0.0.0.0" {
			t.Errorf("expected host 0.0.0.0, got %s", cfg.RuleStore.Host)
		}
		if cfg.RuleStore.Port != 50061 {
			t.Errorf("expected port 50061, got %d", cfg.RuleStore.Port)
		}
		if cfg.RuleStore.RequestTimeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", cfg.RuleStore.RequestTimeout)
		}
		if !cfg.RuleStore.RequireAuth {
			t.Error("expected auth to be required by default")
		}
		if cfg.Client.Timeout != 10*time.Second {
			t.Errorf("expected client timeout 10s, got %v", cfg.Client.Timeout)
		}
		if cfg.Client.Policy != "confirm" {
			t.Errorf("expected policy confirm, got %s", cfg.Client.Policy)
		}
		if cfg.Metrics.Addr != ":9464" {
			t.Errorf("expected metrics addr :9464, got %s", cfg.Metrics.Addr)
		}
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("RK_RULE_STORE_PORT", "9999")
		t.Setenv("RK_RULE_STORE_HOST", "127.0.0.1")
		t.Setenv("RK_CLIENT_POLICY", "strict")
		t.Setenv("RK_CLIENT_TIMEOUT", "250ms")

		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.RuleStore.Port != 9999 {
			t.Errorf("expected port 9999, got %d", cfg.RuleStore.Port)
		}
		if cfg.RuleStore.Host != "127.0.0.1" {
			t.Errorf("expected host 127.0.0.1, got %s", cfg.RuleStore.Host)
		}
		if cfg.Client.Policy != "strict" {
			t.Errorf("expected policy strict, got %s", cfg.Client.Policy)
		}
		if cfg.Client.Timeout != 250*time.Millisecond {
			t.Errorf("expected client timeout 250ms, got %v", cfg.Client.Timeout)
		}
	})

	t.Run("invalid port range", func(t *testing.T) {
		t.Setenv("RK_RULE_STORE_PORT", "70000")

		if _, err := LoadConfig(""); err == nil {
			t.Error("expected error for port > 65535")
		}
	})

	t.Run("invalid policy", func(t *testing.T) {
		t.Setenv("RK_CLIENT_POLICY", "lenient")

		if _, err := LoadConfig(""); err == nil {
			t.Error("expected error for unknown policy")
		}
	})

	t.Run("negative timeout", func(t *testing.T) {
		t.Setenv("RK_RULE_STORE_REQUEST_TIMEOUT", "-1s")

		if _, err := LoadConfig(""); err == nil {
			t.Error("expected error for negative request_timeout")
		}
	})

	t.Run("api key from environment is allowed", func(t *testing.T) {
		t.Setenv("RK_API_KEY", "rk-v1-abc")

		if _, err := LoadConfig(""); err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if APIKey() != "rk-v1-abc" {
			t.Errorf("expected api key from environment, got %q", APIKey())
		}
	})
}

func TestParseHMACSecretWithID(t *testing.T) {
	t.Run("valid format", func(t *testing.T) {
		secretID, secret, err := ParseHMACSecretWithID(secretA)
		if err != nil {
			t.Fatalf("ParseHMACSecretWithID failed: %v", err)
		}
		if secretID != "0123456789abcdef0123456789abcdef" {
			t.Errorf("unexpected secret_id: %s", secretID)
		}
		if len(secret) < 32 {
			t.Errorf("secret too short: %d bytes", len(secret))
		}
	})

	t.Run("missing colon", func(t *testing.T) {
		if _, _, err := ParseHMACSecretWithID("0123456789abcdef0123456789abcdef"); err == nil {
			t.Error("expected error for missing colon")
		}
	})
}
