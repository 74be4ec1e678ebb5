package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvOverlay holds the small set of values that may be overridden from the
// process environment (or an optional .env file) rather than the YAML
// config.
type EnvOverlay struct {
	Env      string
	Debug    bool
	LogLevel string
}

// LoadEnvOverlay loads envFile (if present) into the process environment and
// reads the handful of variables this proxy recognizes. A missing envFile is
// not an error: production deployments typically rely on real environment
// variables instead of a dotenv file.
func LoadEnvOverlay(envFile string) *EnvOverlay {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	return &EnvOverlay{
		Env:      strings.ToLower(getEnvOrDefault("APP_ENV", "development")),
		Debug:    getEnvOrDefault("DEBUG", "false") == "true",
		LogLevel: getEnvOrDefault("LOG_LEVEL", ""),
	}
}

// IsProduction reports whether APP_ENV selects the production environment.
func (e *EnvOverlay) IsProduction() bool {
	return e.Env == "production"
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
