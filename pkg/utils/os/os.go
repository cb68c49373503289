package os

import (
	"os"
	"strings"
)

// GetEnvOr returns the value of the environment variable name, or
// fallback when it is unset or empty.
func GetEnvOr(name, fallback string) string {
	if val := os.Getenv(name); val != "" {
		return val
	}
	return fallback
}

// Prepend builds `name=entry:current` for list-valued environment
// variables like PATH. When the variable is empty the separator is
// omitted.
func Prepend(environ []string, name, entry string) string {
	current := ""
	prefix := name + "="
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, prefix); ok {
			current = v
		}
	}
	if current == "" {
		return prefix + entry
	}
	return prefix + entry + string(os.PathListSeparator) + current
}
