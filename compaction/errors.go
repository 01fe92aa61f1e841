package compaction

import "fmt"

// ConfigError reports a configuration value that was rejected at construction
// time.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s", e.Message)
}

// errInvalidConfig creates an error for an invalid configuration value
func errInvalidConfig(msg string) error {
	return ConfigError{Message: msg}
}
