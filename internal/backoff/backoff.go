package backoff

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/alihesham01/chronizer/util"
)

type Kind string

const (
	KindExponential Kind = "exponential"
	KindFixed       Kind = "fixed"
)

// Policy computes the delay before a job's next attempt.
type Policy struct {
	Kind   Kind          `json:"type"`
	Delay  time.Duration `json:"delay"`
	Max    time.Duration `json:"max,omitempty"`
	Jitter float64       `json:"jitter,omitempty"`
}

// policyJSON carries durations as milliseconds.
type policyJSON struct {
	Kind   Kind          `json:"type"`
	Delay  util.Duration `json:"delay"`
	Max    util.Duration `json:"max,omitempty"`
	Jitter float64       `json:"jitter,omitempty"`
}

func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(policyJSON{Kind: p.Kind, Delay: util.Duration(p.Delay), Max: util.Duration(p.Max), Jitter: p.Jitter})
}

func (p *Policy) UnmarshalJSON(data []byte) error {
	var v policyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Policy{Kind: v.Kind, Delay: time.Duration(v.Delay), Max: time.Duration(v.Max), Jitter: v.Jitter}
	return nil
}

func Exponential(delay time.Duration) Policy {
	return Policy{Kind: KindExponential, Delay: delay}
}

func Fixed(delay time.Duration) Policy {
	return Policy{Kind: KindFixed, Delay: delay}
}

func (p Policy) Validate() error {
	switch p.Kind {
	case KindExponential, KindFixed:
	default:
		return fmt.Errorf("unknown backoff type %q", p.Kind)
	}
	if p.Delay < 0 {
		return fmt.Errorf("negative backoff delay %s", p.Delay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("backoff jitter %v out of range [0,1]", p.Jitter)
	}
	return nil
}

// Next returns the delay after the given failed attempt (1-based).
// Exponential policies double the base delay per attempt.
func (p Policy) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	interval := p.Delay
	if p.Kind == KindExponential {
		f := float64(p.Delay) * math.Pow(2, float64(attempt-1))
		if f > math.MaxInt64 {
			f = math.MaxInt64
		}
		interval = time.Duration(f)
	}
	if p.Max > 0 && interval > p.Max {
		interval = p.Max
	}
	if p.Jitter > 0 {
		span := float64(interval) * p.Jitter
		interval = interval + time.Duration((rand.Float64()*2-1)*span)
		if interval < 0 {
			interval = p.Delay
		}
	}
	return interval
}
