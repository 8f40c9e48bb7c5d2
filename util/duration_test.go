package util

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{in: `5000`, want: 5 * time.Second},
		{in: `1.5`, want: 1500 * time.Microsecond},
		{in: `"2m"`, want: 2 * time.Minute},
		{in: `"250ms"`, want: 250 * time.Millisecond},
		{in: `null`, want: 0},
	}
	for _, tt := range tests {
		var d Duration
		require.NoError(t, json.Unmarshal([]byte(tt.in), &d), tt.in)
		assert.Equal(t, tt.want, time.Duration(d), tt.in)
	}

	var d Duration
	assert.ErrorIs(t, json.Unmarshal([]byte(`"soon"`), &d), ErrBadDuration)
	assert.ErrorIs(t, json.Unmarshal([]byte(`true`), &d), ErrBadDuration)
}

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `90000`, string(b))
}
