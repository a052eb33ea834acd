package conf

import (
	"fmt"
	"slices"
)

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func (l *Logging) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

func (l *Logging) validate() []error {
	var errs []error

	validLevels := []string{"debug", "info", "warn", "error", "none"}
	if !slices.Contains(validLevels, l.Level) {
		errs = append(errs, fmt.Errorf("logging level must be one of: %v", validLevels))
	}

	validFormats := []string{"json", "pretty"}
	if !slices.Contains(validFormats, l.Format) {
		errs = append(errs, fmt.Errorf("logging format must be one of: %v", validFormats))
	}

	return errs
}
