package adapter

import (
	"fmt"
	"strings"
)

const unsupportedPrefix = "unsupported usage in lightning adapter: "

// IncompatibleModuleError is returned when a module uses features the
// adapter cannot drive faithfully.
type IncompatibleModuleError struct {
	Reasons []string
}

func (e *IncompatibleModuleError) Error() string {
	return unsupportedPrefix + strings.Join(e.Reasons, "; ")
}

// UnsupportedConfigurationError is returned for optimizer configurations
// the adapter rejects, such as custom step frequencies.
type UnsupportedConfigurationError struct {
	Reason string
}

func (e *UnsupportedConfigurationError) Error() string {
	return "unsupported configuration: " + e.Reason
}

// InvalidModelError is returned when the module's hooks cannot be called
// the way its configuration requires.
type InvalidModelError struct {
	Reason string
}

func (e *InvalidModelError) Error() string {
	return "invalid model: " + e.Reason
}

func invalidModel(format string, args ...any) error {
	return &InvalidModelError{Reason: fmt.Sprintf(format, args...)}
}
