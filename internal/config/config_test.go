package config

import "testing"

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AUTH_REQUIRED", "false")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadRequiresAuthTokenForLibsql(t *testing.T) {
	t.Setenv("DATABASE_URL", "libsql://scribe.example.turso.io")
	t.Setenv("DATABASE_AUTH_TOKEN", "")
	t.Setenv("AUTH_REQUIRED", "false")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_AUTH_TOKEN is missing for libsql URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:scribe.db")
	t.Setenv("AUTH_REQUIRED", "false")
	t.Setenv("FIRST_PARTY_MODELS", "Scribe-Small, scribe-large")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Port != defaultPort {
		t.Fatalf("unexpected port: %s", cfg.Port)
	}
	if cfg.FreeDailyRequests != defaultFreeDailyLimit {
		t.Fatalf("unexpected free limit: %d", cfg.FreeDailyRequests)
	}
	if cfg.MaxToolRounds != defaultMaxToolRounds {
		t.Fatalf("unexpected tool rounds: %d", cfg.MaxToolRounds)
	}
	if _, ok := cfg.FirstPartyModels["scribe-small"]; !ok {
		t.Fatalf("expected lowered first-party model, got %v", cfg.FirstPartyModels)
	}
	if _, ok := cfg.FirstPartyModels["scribe-large"]; !ok {
		t.Fatalf("expected first-party model, got %v", cfg.FirstPartyModels)
	}
}

func TestProductionForcesSecureCookies(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:scribe.db")
	t.Setenv("AUTH_REQUIRED", "false")
	t.Setenv("APP_ENV", "production")
	t.Setenv("COOKIE_SECURE", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.CookieSecure {
		t.Fatal("expected CookieSecure to be forced on in production")
	}
}
