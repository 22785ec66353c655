package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadTTLs(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "not-a-number")
	t.Setenv("DISCOUNT_REQUEST_TTL_MINUTES", "-5")

	cfg := Load()
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("token TTL = %d, want 480", cfg.AccessTokenTTLMinutes)
	}
	if cfg.DiscountRequestTTLMinutes != 15 {
		t.Fatalf("discount TTL = %d, want 15", cfg.DiscountRequestTTLMinutes)
	}
}

func TestAddress(t *testing.T) {
	t.Setenv("PORT", "9191")
	cfg := Load()
	if cfg.Address() != ":9191" {
		t.Fatalf("address = %q", cfg.Address())
	}
}
