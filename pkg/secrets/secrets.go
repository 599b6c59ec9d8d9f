// Package secrets resolves credential references in configuration values.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Reference prefixes. A value without one is used literally.
const (
	EnvPrefix  = "env:"
	FilePrefix = "file:"
)

// IsReference reports whether value points at an environment variable or a
// file instead of holding the secret itself.
func IsReference(value string) bool {
	return strings.HasPrefix(value, EnvPrefix) || strings.HasPrefix(value, FilePrefix)
}

// Resolve returns the secret value refers to. File contents are trimmed of
// surrounding whitespace, so mounted secrets may end in a newline.
func Resolve(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, EnvPrefix):
		name := strings.TrimPrefix(value, EnvPrefix)
		secret, ok := os.LookupEnv(name)
		if !ok || secret == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return secret, nil

	case strings.HasPrefix(value, FilePrefix):
		path := strings.TrimPrefix(value, FilePrefix)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", path)
		}
		return secret, nil
	}
	return value, nil
}

// ResolveAll resolves each field in place, naming the failing key in the
// returned error.
func ResolveAll(fields map[string]*string) error {
	for key, field := range fields {
		if field == nil || !IsReference(*field) {
			continue
		}
		secret, err := Resolve(*field)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*field = secret
	}
	return nil
}
