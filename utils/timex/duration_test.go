package timex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationMarshalJSON(t *testing.T) {
	b, err := json.Marshal(350 * Millisecond)

	require.NoError(t, err)
	assert.Equal(t, `"350ms"`, string(b))
}

func TestDurationUnmarshalJSON(t *testing.T) {
	var d Duration

	require.NoError(t, json.Unmarshal([]byte(`"2s"`), &d))
	assert.Equal(t, 2*Second, d)

	require.NoError(t, json.Unmarshal([]byte(`1000000`), &d))
	assert.Equal(t, Duration(time.Millisecond), d)

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
	assert.Error(t, json.Unmarshal([]byte(`"nonsense"`), &d))
}
