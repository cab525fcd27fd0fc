package connector

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ConfigurationError means the connector config is missing or malformed. Raised by Connect
// and by config decoding.
type ConfigurationError struct {
	Connector string
	Msg       string
	Err       error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s connector configuration: %s: %v", e.Connector, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s connector configuration: %s", e.Connector, e.Msg)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// FetchError wraps an upstream or network failure while retrieving raw data.
type FetchError struct {
	Connector  string
	StatusCode int // zero when no HTTP response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch failed (status %d): %v", e.Connector, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch failed: %v", e.Connector, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ValidationError names a structural defect in fetched data.
type ValidationError struct {
	Connector string
	Msg       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Connector, e.Msg)
}

// UnsupportedTypeError is returned by the registry for unknown connector types.
type UnsupportedTypeError struct {
	Type      string
	Available []string
}

func (e *UnsupportedTypeError) Error() string {
	available := append([]string(nil), e.Available...)
	sort.Strings(available)
	return fmt.Sprintf("unsupported connector type %q (available: %s)", e.Type, strings.Join(available, ", "))
}

// StageError attaches the failing stage to a connector error.
type StageError struct {
	Stage     string
	Connector string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("connector %s %s: %v", e.Connector, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether retrying err cannot help: bad configuration, invalid data,
// unknown connector types and client-side HTTP rejections.
func IsPermanent(err error) bool {
	var cfgErr *ConfigurationError
	var valErr *ValidationError
	var typeErr *UnsupportedTypeError
	if errors.As(err, &cfgErr) || errors.As(err, &valErr) || errors.As(err, &typeErr) {
		return true
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		code := fetchErr.StatusCode
		return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
	}
	return false
}
