package timex

import (
	"encoding/json"
	"errors"
	"time"
)

// Duration is a wrapper around time.Duration that marshals as a
// human-readable string ("350ms", "2s") instead of nanoseconds
type Duration time.Duration

var Millisecond = Duration(time.Millisecond)
var Second = Duration(time.Second)
var Minute = Duration(time.Minute)

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}
