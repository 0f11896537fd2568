package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxRoundTrip(t *testing.T) {
	box, err := NewBox("correct horse battery staple")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte(`{"apiKey":"fc-123"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "fc-123")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"apiKey":"fc-123"}`, string(opened))
}

func TestBoxSealIsRandomized(t *testing.T) {
	box, err := NewBox("k")
	require.NoError(t, err)

	a, err := box.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := box.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestBoxRejectsTamperingAndWrongKey(t *testing.T) {
	box, err := NewBox("k1")
	require.NoError(t, err)
	other, err := NewBox("k2")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.Error(t, err)

	_, err = box.Open("not base64 !!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = box.Open("c2hvcnQ")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewBoxRequiresKey(t *testing.T) {
	_, err := NewBox("")
	assert.Error(t, err)
}
