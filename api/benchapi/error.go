package benchapi

import (
	"encoding/json"
	"errors"
	"net/http"
)

type StatusError struct {
	Code    int
	Err     error
	Display error
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func (e *StatusError) StatusCode() int {
	return e.Code
}

func (e *StatusError) DisplayError() error {
	if err := e.Display; err != nil {
		return err
	}
	return e.Err
}

func (e *StatusError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"error": e.DisplayError().Error(),
	})
}

func ErrorBadRequest(err error) *StatusError {
	return &StatusError{http.StatusBadRequest, err, nil}
}

func ErrorBusy(err error) *StatusError {
	return &StatusError{http.StatusConflict, err, nil}
}

// ConfigError reports a caller contract violation detected before any trial
// starts. It is the only error class the benchmark engine returns for
// otherwise healthy runs.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) StatusCode() int {
	return http.StatusBadRequest
}

// ConfigErrorOf joins all non-nil errors into a ConfigError. It returns nil if
// no error is given.
func ConfigErrorOf(errs ...error) error {
	if err := errors.Join(errs...); err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
