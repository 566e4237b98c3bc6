package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Reference forms, tried in order: ${NAME:-default}, ${NAME}, $NAME.
var (
	reEnvDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	reEnvBraced  = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	reEnvBare    = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
)

func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = reEnvDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := reEnvDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = reEnvBraced.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(reEnvBraced.FindStringSubmatch(match)[1])
	})
	return reEnvBare.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(reEnvBare.FindStringSubmatch(match)[1])
	})
}

// parseValue re-types an expanded string so a substituted "8200" or
// "true" lands in the config tree as the value YAML would have decoded.
func parseValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// ExpandEnvVarsInData walks a decoded YAML tree and substitutes
// environment references in every string value. Strings that changed are
// re-typed through parseValue; untouched values pass through as-is.
func ExpandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return v
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[key] = ExpandEnvVarsInData(value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = ExpandEnvVarsInData(item)
		}
		return out
	default:
		return v
	}
}

// LoadEnvFiles loads .env.local then .env. Missing files are fine;
// unreadable ones are not.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
