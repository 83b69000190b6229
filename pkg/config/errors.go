// Package config parses INI-style configuration files with access
// tracking and maps them onto the engine settings.
package config

import (
	"fmt"

	ecuerrors "ecu-core/pkg/errors"
)

// ConfigError is a parse or lookup error with its section and option.
type ConfigError struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Option != "":
		return fmt.Sprintf("[%s] %s: %s", e.Section, e.Option, e.Message)
	case e.Section != "":
		return fmt.Sprintf("[%s]: %s", e.Section, e.Message)
	default:
		return e.Message
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError reports a value that parses but violates a constraint.
func NewConfigError(section, option, message string) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: message,
		Cause:   ecuerrors.ConfigValidationError(section, option, message),
	}
}

// WrapError attaches section context to an error from a consumer, such as
// a decoder validation failure.
func WrapError(section, option string, err error) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: err.Error(), Cause: err}
}

// ErrMissingOption reports a required option that is absent.
func ErrMissingOption(section, option string) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: "must be specified",
		Cause:   ecuerrors.ConfigOptionError(section, option),
	}
}

// ErrMissingSection reports a required section that is absent.
func ErrMissingSection(section string) *ConfigError {
	return &ConfigError{
		Section: section,
		Message: "section not found",
		Cause:   ecuerrors.ConfigSectionError(section),
	}
}

// ErrInvalidValue reports a value that does not parse as expected.
func ErrInvalidValue(section, option, value, expected string) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: fmt.Sprintf("invalid value %q, expected %s", value, expected),
		Cause:   ecuerrors.ConfigTypeError(section, option, value, expected, nil),
	}
}

// ErrOutOfRange reports a value outside its bounds.
func ErrOutOfRange(section, option string, value float64, constraint string) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: fmt.Sprintf("value %v %s", value, constraint),
		Cause:   ecuerrors.ConfigValidationError(section, option, constraint),
	}
}

// ErrInvalidChoice reports a value that is not one of the allowed words.
func ErrInvalidChoice(section, option, value string, choices []string) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: fmt.Sprintf("%q is not one of %v", value, choices),
		Cause:   ecuerrors.ConfigValidationError(section, option, "invalid choice"),
	}
}
