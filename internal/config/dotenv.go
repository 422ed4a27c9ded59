package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from .env-like files. Missing files are skipped.
// Existing process environment variables keep precedence.
func LoadDotEnv(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, err := os.Stat(trimmed); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		existing = append(existing, trimmed)
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
