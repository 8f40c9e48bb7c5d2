package util

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that encodes to JSON as whole milliseconds.
// It decodes from a millisecond number or a duration string such as "1.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, time.Duration(d).Milliseconds(), 10), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w %s", ErrBadDuration, data)
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w %q", ErrBadDuration, s)
		}
		*d = Duration(v)
		return nil
	}

	var ms *float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("%w %s", ErrBadDuration, data)
	}
	if ms != nil {
		*d = Duration(*ms * float64(time.Millisecond))
	}
	return nil
}
