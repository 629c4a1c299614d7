package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Application environments recognized through APP_ENV. Unknown values
// pass through verbatim and are treated as development-grade.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var envAliases = map[string]string{
	"dev":     EnvDevelopment,
	"develop": EnvDevelopment,
	"prod":    EnvProduction,
	"stage":   EnvStaging,
	"stag":    EnvStaging,
}

// AppEnvironment returns the normalized application environment from
// APP_ENV, defaulting to development when it is unset.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return EnvDevelopment
	}
	if canonical, ok := envAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether the environment warrants strict
// configuration handling. Production and staging refuse to start without
// an account snapshot; development degrades to an empty one.
func IsProductionLike(env string) bool {
	return env == EnvProduction || env == EnvStaging
}

// EnvSpecificPath swaps a default file path for its environment-qualified
// variant (config.yml becomes config.production.yml) when that file
// exists. An explicit operator override is returned untouched.
func EnvSpecificPath(path, defaultPath string) string {
	if path != defaultPath {
		return path
	}
	ext := filepath.Ext(defaultPath)
	candidate := strings.TrimSuffix(defaultPath, ext) + "." + AppEnvironment() + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}
