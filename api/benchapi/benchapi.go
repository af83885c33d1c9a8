package benchapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

type WorkerStatus[T any] struct {
	Code StatusCode `json:"code"`
	Task TaskName   `json:"task,omitempty"`
	Last *T         `json:"last,omitempty"`
}

type APIWorkerStatus = WorkerStatus[Result[any]]

type RunWorkerStatus = WorkerStatus[Result[RunResult]]

type StatusCode string

const (
	StatusIdle         StatusCode = "Idle"
	StatusBusy         StatusCode = "Busy"
	StatusDisconnected StatusCode = "Disconnected"
)

type TaskName string

const (
	TaskRun      TaskName = "bench/run"
	TaskBaseline TaskName = "bench/baseline"
)

type Result[T any] struct {
	Value T     `json:"value,omitempty"`
	Error error `json:"error,omitempty"`
}

func (r *Result[T]) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(map[string]string{
			"error": r.Error.Error(),
		})
	}
	var zero T
	if reflect.DeepEqual(r.Value, zero) {
		return []byte("{}"), nil
	}

	return json.Marshal(map[string]any{
		"value": r.Value,
	})
}

func (r *Result[T]) UnmarshalJSON(b []byte) error {
	*r = Result[T]{}

	tmp := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	if v, ok := tmp["error"]; ok {
		var errStr string
		if err := json.Unmarshal(v, &errStr); err != nil {
			return err
		}
		r.Error = errors.New(errStr)
	}

	if v, ok := tmp["value"]; ok {
		if err := json.Unmarshal(v, &r.Value); err != nil {
			return err
		}
	}

	return nil
}

type Percentage float64

func (p Percentage) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%.2f%%", p))
}

func (p *Percentage) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*p = Percentage(value)
		return nil
	case string:
		if end := len(value) - 1; end >= 0 && value[end] == '%' {
			value = value[:end]
		}

		tmp, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		*p = Percentage(tmp)
		return nil
	default:
		return errors.New("invalid percentage")
	}
}

// Duration accepts Go duration strings ("30s", "1m30s") or plain numbers,
// which are interpreted as seconds.
type Duration struct {
	time.Duration
}

func Seconds(s float64) Duration {
	return Duration{Duration: time.Duration(s * float64(time.Second))}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(b []byte) error {
	var v interface{}
	if err := yaml.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch value := v.(type) {
	case float64:
		*d = Seconds(value)
		return nil
	case int:
		*d = Seconds(float64(value))
		return nil
	case int64:
		*d = Seconds(float64(value))
		return nil
	case uint64:
		*d = Seconds(float64(value))
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return errors.New("invalid duration")
	}
}

func GetOptValue[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

func Ptr[T any](v T) *T {
	return &v
}
