// Unified error handling for the engine control core
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Crank decoder configuration errors
	ErrWheelGeometry ErrorCode = "WHEEL_GEOMETRY"
	ErrCylinderCount ErrorCode = "CYLINDER_COUNT"
	ErrAngleRange    ErrorCode = "ANGLE_RANGE"
	ErrToothRange    ErrorCode = "TOOTH_RANGE"

	// Crank decoder runtime errors
	ErrSync ErrorCode = "SYNC"

	// Hardware access errors
	ErrHardware ErrorCode = "HARDWARE"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// EngineError is the unified error type for the engine control core
type EngineError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Component names the subsystem that raised the error (e.g. "ckps")
	Component string

	// Option is the config option or setter argument (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Option, e.Message)
	}
	if e.Component != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Err
}

// SetComponent sets the originating component
func (e *EngineError) SetComponent(component string) *EngineError {
	e.Component = component
	return e
}

// SetOption sets the config option
func (e *EngineError) SetOption(option string) *EngineError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *EngineError) SetContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new EngineError
func New(code ErrorCode, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *EngineError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetComponent(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *EngineError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetComponent(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *EngineError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetComponent(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *EngineError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetComponent(section).
		SetOption(option)
}

// Crank decoder errors

// WheelGeometryError reports an unsupported toothed-wheel layout
func WheelGeometryError(total, missing int, reason string) *EngineError {
	return New(ErrWheelGeometry, fmt.Sprintf("wheel %d-%d: %s", total, missing, reason)).
		SetComponent("ckps").
		SetContext("total", total).
		SetContext("missing", missing)
}

// CylinderCountError reports an unsupported number of cylinders
func CylinderCountError(n, max int) *EngineError {
	return New(ErrCylinderCount, fmt.Sprintf("%d cylinders not supported (1..%d)", n, max)).
		SetComponent("ckps").
		SetOption("cylinders")
}

// AngleRangeError reports an angle setting outside its allowed range
func AngleRangeError(option string, deg, min, max float64) *EngineError {
	return New(ErrAngleRange, fmt.Sprintf("%.2f deg out of range [%.2f, %.2f]", deg, min, max)).
		SetComponent("ckps").
		SetOption(option)
}

// ToothRangeError reports a tooth count setting outside its allowed range
func ToothRangeError(option string, value, min, max int) *EngineError {
	return New(ErrToothRange, fmt.Sprintf("%d out of range [%d, %d]", value, min, max)).
		SetComponent("ckps").
		SetOption(option)
}

// SyncError wraps a tooth-count mismatch detected between two gaps
func SyncError(err error, counted, expected int) *EngineError {
	return Wrap(err, ErrSync, fmt.Sprintf("counted %d teeth between gaps, expected %d", counted, expected)).
		SetComponent("ckps").
		SetContext("counted", counted).
		SetContext("expected", expected)
}

// HardwareError wraps a failure talking to a hardware line or clock
func HardwareError(operation string, err error) *EngineError {
	return Wrap(err, ErrHardware, fmt.Sprintf("%s failed: %v", operation, err))
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *EngineError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, reason string) *EngineError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason)).
		SetComponent(component)
}

// RecoverPanic converts a panic into an EngineError stored in *errp.
// Use it directly as a deferred call: defer errors.RecoverPanic(&err)
func RecoverPanic(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	var err *EngineError
	switch x := r.(type) {
	case runtime.Error:
		err = Wrap(x, ErrRuntime, x.Error())
	case error:
		err = Wrap(x, ErrRuntime, x.Error())
	case string:
		err = RuntimeError(fmt.Sprintf("panic: %s", x))
	default:
		err = RuntimeError(fmt.Sprintf("panic: %v", x))
	}
	if errp != nil {
		*errp = err
	}
}

// Is checks if any error in the chain carries the given code
func Is(err error, code ErrorCode) bool {
	var engErr *EngineError
	for err != nil {
		if !stderrors.As(err, &engErr) {
			return false
		}
		if engErr.Code == code {
			return true
		}
		err = engErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsDecoderSetting checks if error rejects a crank decoder setting
func IsDecoderSetting(err error) bool {
	return Is(err, ErrWheelGeometry) ||
		Is(err, ErrCylinderCount) ||
		Is(err, ErrAngleRange) ||
		Is(err, ErrToothRange)
}
