// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// structValidator reports field names by their TOML key so messages match
// what users write in config.toml.
func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate validates the configuration and returns ValidateErrors when
// anything is wrong.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if err := structValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:   fieldPath(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}

	// Cross-field rules the tags can't express
	if u, err := url.Parse(c.API.BaseURL); err == nil && c.API.BaseURL != "" {
		if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, ValidationError{
				Field:   "api.base_url",
				Message: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme),
			})
		}
	}
	if len(c.Upload.AllowedTypes) == 0 && len(c.Upload.AllowedExtensions) == 0 {
		errs = append(errs, ValidationError{
			Field:   "upload",
			Message: "allowed_types and allowed_extensions cannot both be empty",
		})
	}
	if c.API.RequestsPerSecond > 0 && c.API.Burst == 0 {
		errs = append(errs, ValidationError{
			Field:   "api.burst",
			Message: "must be at least 1 when requests_per_second is set",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldPath turns "Config.upload.max_files" into "upload.max_files".
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return fmt.Sprintf("invalid URL %q", fe.Value())
	case "oneof":
		return fmt.Sprintf("invalid value %q, must be one of: %s", fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "startswith":
		return fmt.Sprintf("%q must start with %q", fe.Value(), fe.Param())
	case "contains":
		return fmt.Sprintf("%q must contain %q", fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
