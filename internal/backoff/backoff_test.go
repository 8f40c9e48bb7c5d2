package backoff

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_JSONMilliseconds(t *testing.T) {
	p := Exponential(2 * time.Second)
	p.Max = time.Minute
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"exponential","delay":2000,"max":60000}`, string(b))

	var got Policy
	require.NoError(t, json.Unmarshal([]byte(`{"type":"fixed","delay":"1.5s"}`), &got))
	assert.Equal(t, Fixed(1500*time.Millisecond), got)
}

func TestPolicy_Next(t *testing.T) {
	t.Run("exponential doubles per attempt", func(t *testing.T) {
		p := Exponential(2 * time.Second)
		assert.Equal(t, 2*time.Second, p.Next(1))
		assert.Equal(t, 4*time.Second, p.Next(2))
		assert.Equal(t, 8*time.Second, p.Next(3))
	})

	t.Run("exponential capped by max", func(t *testing.T) {
		p := Exponential(time.Second)
		p.Max = 5 * time.Second
		assert.Equal(t, 5*time.Second, p.Next(10))
	})

	t.Run("fixed", func(t *testing.T) {
		p := Fixed(time.Second)
		assert.Equal(t, time.Second, p.Next(1))
		assert.Equal(t, time.Second, p.Next(7))
	})

	t.Run("jitter stays in range", func(t *testing.T) {
		p := Fixed(time.Second)
		p.Jitter = 0.5
		for i := 0; i < 100; i++ {
			d := p.Next(1)
			assert.GreaterOrEqual(t, d, 500*time.Millisecond)
			assert.LessOrEqual(t, d, 1500*time.Millisecond)
		}
	})
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, Exponential(time.Second).Validate())
	assert.Error(t, Policy{Kind: "linear", Delay: time.Second}.Validate())
	assert.Error(t, Fixed(-time.Second).Validate())
}
