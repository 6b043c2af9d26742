package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.MirrorRoot != defaultMirrorRoot {
		t.Fatalf("unexpected mirror root %q", cfg.MirrorRoot)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("unexpected session ttl %s", cfg.SessionTTL)
	}
	if cfg.TAuthIssuer != "tauth" || cfg.TAuthCookieName != "app_session" {
		t.Fatalf("unexpected tauth defaults %#v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DOCMIRROR_TAUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("DOCMIRROR_MIRROR_ROOT", "/srv/mirror")
	t.Setenv("DOCMIRROR_RATELIMIT_BURST", "3")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TAuthSigningKey != "env-secret" || cfg.MirrorRoot != "/srv/mirror" || cfg.RateLimitBurst != 3 {
		t.Fatalf("environment not applied: %#v", cfg)
	}
}

func TestLoadValidatesRequiredValues(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   interface{}
		wantErr string
	}{
		{name: "signing-secret", key: "tauth.signing_secret", value: "", wantErr: "tauth.signing_secret"},
		{name: "mirror-root", key: "mirror.root", value: " ", wantErr: "mirror.root"},
		{name: "database-path", key: "database.path", value: "", wantErr: "database.path"},
		{name: "rate-limit", key: "ratelimit.rps", value: 0, wantErr: "ratelimit"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("tauth.signing_secret", "secret")
			configViper.Set(testCase.key, testCase.value)

			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.wantErr, err)
			}
		})
	}
}
