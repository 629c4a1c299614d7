package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppEnvironmentNormalizesAliases(t *testing.T) {
	cases := map[string]string{
		"":           EnvDevelopment,
		"dev":        EnvDevelopment,
		"prod":       EnvProduction,
		"Production": EnvProduction,
		"stage":      EnvStaging,
		" staging ":  EnvStaging,
		"custom":     "custom",
	}
	for input, want := range cases {
		t.Setenv("APP_ENV", input)
		if got := AppEnvironment(); got != want {
			t.Fatalf("AppEnvironment(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike(EnvProduction) || !IsProductionLike(EnvStaging) {
		t.Fatal("production and staging must be production-like")
	}
	if IsProductionLike(EnvDevelopment) || IsProductionLike("custom") {
		t.Fatal("development environments must not be production-like")
	}
}

func TestEnvSpecificPath(t *testing.T) {
	dir := t.TempDir()
	defaultPath := filepath.Join(dir, "config.yml")
	prodPath := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prodPath, []byte("quoteflow:\n  name: test\n"), 0o644); err != nil {
		t.Fatalf("write env config: %v", err)
	}

	t.Setenv("APP_ENV", "production")
	if got := EnvSpecificPath(defaultPath, defaultPath); got != prodPath {
		t.Fatalf("EnvSpecificPath = %q, want %q", got, prodPath)
	}

	// An explicit override wins over the environment variant.
	override := filepath.Join(dir, "other.yml")
	if got := EnvSpecificPath(override, defaultPath); got != override {
		t.Fatalf("EnvSpecificPath with override = %q, want %q", got, override)
	}

	// No environment file on disk falls back to the default.
	t.Setenv("APP_ENV", "staging")
	if got := EnvSpecificPath(defaultPath, defaultPath); got != defaultPath {
		t.Fatalf("EnvSpecificPath without env file = %q, want %q", got, defaultPath)
	}
}
