// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types, display and exit codes for CLI commands.
//
// Commands always return errors and never print-and-return-nil; Execute
// displays the error once and maps it to an exit code.

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jeranaias/ragchat/internal/apperr"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates the backend rejected the credential
	ExitAuthError = 4
	// ExitNetworkError indicates network or connectivity error
	ExitNetworkError = 5
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitTimeoutError indicates an operation timed out
	ExitTimeoutError = 8
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ConfigError wraps failures to load or validate configuration.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// UsageError reports invalid arguments.
type UsageError struct {
	Reason  string
	Example string
}

func (e *UsageError) Error() string {
	if e.Example != "" {
		return fmt.Sprintf("%s\nExample: %s", e.Reason, e.Example)
	}
	return e.Reason
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err to w in a consistent format.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		DisplayErrorJSON(w, err)
		return
	}
	fmt.Fprintf(w, "%s %s\n", errorStyle.Render("[ERROR]"), err.Error())
}

// DisplayErrorJSON writes err as a JSON object.
func DisplayErrorJSON(w io.Writer, err error) {
	output := map[string]interface{}{
		"error":      err.Error(),
		"success":    false,
		"error_type": apperr.KindOf(err).String(),
		"exit_code":  ExitCode(err),
	}

	var transportErr *apperr.TransportError
	if errors.As(err, &transportErr) && transportErr.Status != 0 {
		output["status"] = transportErr.Status
	}
	var validErr *apperr.ValidationError
	if errors.As(err, &validErr) {
		output["problems"] = validErr.Problems
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(output)
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// ExitCode determines the exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		cfgErr      *ConfigError
		usageErr    *UsageError
		notFoundErr *NotFoundError
	)
	switch {
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.As(err, &usageErr):
		return ExitUsageError
	case errors.As(err, &notFoundErr):
		return ExitNotFoundError
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	}

	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return ExitUsageError
	case apperr.KindAuthExpired:
		return ExitAuthError
	case apperr.KindTransport:
		var transportErr *apperr.TransportError
		if errors.As(err, &transportErr) && transportErr.Status == http.StatusNotFound {
			return ExitNotFoundError
		}
		return ExitNetworkError
	case apperr.KindParse:
		return ExitNetworkError
	}
	return ExitGeneralError
}
