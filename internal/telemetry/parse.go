package telemetry

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/juju/errors"
)

// Payload keys sent by device.
const (
	KeyTemp  = "temp"
	KeyGas   = "gas"
	KeyFlame = "flame"
	KeyAlarm = "alarm"
)

var (
	ErrDecode       = errors.New("payload decode")
	ErrMissingField = errors.New("missing field")
	ErrInvalidField = errors.New("invalid field")
)

// Parse decodes device payload (JSON object) into Record.
// All of temp, gas, flame, alarm must be present and coercible,
// errors.Cause() is one of ErrDecode, ErrMissingField, ErrInvalidField.
func Parse(payload []byte) (Record, error) {
	var r Record
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return r, errors.Annotatef(ErrDecode, "%v", err)
	}
	if fields == nil {
		// literal null
		return r, errors.Annotate(ErrDecode, "not an object")
	}

	var err error
	if r.Temperature, err = parseFloat(fields, KeyTemp); err != nil {
		return r, err
	}
	if r.Gas, err = parseInt(fields, KeyGas); err != nil {
		return r, err
	}
	if r.Flame, err = parseTruth(fields, KeyFlame); err != nil {
		return r, err
	}
	if r.Alarm, err = parseInt(fields, KeyAlarm); err != nil {
		return r, err
	}
	return r, nil
}

type kind uint8

const (
	kindNull kind = iota
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

func field(fields map[string]json.RawMessage, key string) (json.RawMessage, kind, error) {
	raw, ok := fields[key]
	if !ok {
		return nil, kindNull, errors.Annotatef(ErrMissingField, "key=%s", key)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, kindNull, errors.Annotatef(ErrInvalidField, "key=%s empty", key)
	}
	switch raw[0] {
	case 'n':
		return raw, kindNull, nil
	case 't', 'f':
		return raw, kindBool, nil
	case '"':
		return raw, kindString, nil
	case '[':
		return raw, kindArray, nil
	case '{':
		return raw, kindObject, nil
	default:
		return raw, kindNumber, nil
	}
}

func invalid(key string, raw json.RawMessage) error {
	return errors.Annotatef(ErrInvalidField, "key=%s value=%s", key, string(raw))
}

func parseFloat(fields map[string]json.RawMessage, key string) (float64, error) {
	raw, k, err := field(fields, key)
	if err != nil {
		return 0, err
	}
	var f float64
	switch k {
	case kindNumber:
		f, err = strconv.ParseFloat(string(raw), 64)
	case kindBool:
		f = boolFloat(raw[0] == 't')
	case kindString:
		var s string
		if err = json.Unmarshal(raw, &s); err == nil {
			f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		}
	default:
		return 0, invalid(key, raw)
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalid(key, raw)
	}
	return f, nil
}

// parseInt truncates floats toward zero.
func parseInt(fields map[string]json.RawMessage, key string) (int64, error) {
	raw, k, err := field(fields, key)
	if err != nil {
		return 0, err
	}
	switch k {
	case kindNumber:
		if i, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= math.MaxInt64 {
			return 0, invalid(key, raw)
		}
		return int64(f), nil
	case kindBool:
		return int64(boolFloat(raw[0] == 't')), nil
	case kindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, invalid(key, raw)
		}
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, invalid(key, raw)
		}
		return i, nil
	default:
		return 0, invalid(key, raw)
	}
}

// parseTruth: false, 0, "", [], {} are false, null is invalid.
func parseTruth(fields map[string]json.RawMessage, key string) (bool, error) {
	raw, k, err := field(fields, key)
	if err != nil {
		return false, err
	}
	switch k {
	case kindBool:
		return raw[0] == 't', nil
	case kindNumber:
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return false, invalid(key, raw)
		}
		return f != 0, nil
	case kindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false, invalid(key, raw)
		}
		return s != "", nil
	case kindArray:
		var a []json.RawMessage
		if err := json.Unmarshal(raw, &a); err != nil {
			return false, invalid(key, raw)
		}
		return len(a) != 0, nil
	case kindObject:
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return false, invalid(key, raw)
		}
		return len(m) != 0, nil
	default:
		return false, invalid(key, raw)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
