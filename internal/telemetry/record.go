// Package telemetry is the fire sensor data model:
// payload parsing with type coercion and cloud variable payloads.
package telemetry

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/juju/errors"
)

// Cloud variable names, also the order of cloud publish.
const (
	VarTemperature = "temperature"
	VarGas         = "gas"
	VarFlame       = "flame"
	VarAlarm       = "alarm"
)

var Variables = [...]string{VarTemperature, VarGas, VarFlame, VarAlarm}

// Record is one sensor reading, built per message and not retained.
type Record struct {
	Temperature float64 `json:"temperature"`
	Gas         int64   `json:"gas"`
	Flame       bool    `json:"flame"`
	Alarm       int64   `json:"alarm"`
}

func (r Record) String() string {
	return fmt.Sprintf("temp=%g gas=%d flame=%t alarm=%d", r.Temperature, r.Gas, r.Flame, r.Alarm)
}

// Value returns number published for cloud variable. Flame is 1 or 0.
func (r Record) Value(variable string) (interface{}, error) {
	switch variable {
	case VarTemperature:
		return r.Temperature, nil
	case VarGas:
		return r.Gas, nil
	case VarFlame:
		if r.Flame {
			return 1, nil
		}
		return 0, nil
	case VarAlarm:
		return r.Alarm, nil
	default:
		return nil, errors.NotFoundf("telemetry variable=%s", variable)
	}
}

type valuePayload struct {
	Value interface{} `json:"value"`
}

// CloudPayload encodes `{"value":<number>}` for cloud variable.
func (r Record) CloudPayload(variable string) ([]byte, error) {
	v, err := r.Value(variable)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(valuePayload{Value: v})
	return b, errors.Annotatef(err, "encode variable=%s", variable)
}

// Row is stored Record with identity and timestamp assigned by store.
type Row struct {
	Record
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
}
