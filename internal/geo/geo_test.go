package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolve(t *testing.T) {
	r := NewStatic()
	require.NoError(t, r.Add("198.51.100.0/24", "us", "CA"))
	require.NoError(t, r.Add("203.0.113.0/24", "DE", ""))

	loc, err := r.Resolve("198.51.100.42")
	require.NoError(t, err)
	assert.Equal(t, "US", loc.CountryCode)
	assert.Equal(t, "CA", loc.Region)

	loc, err = r.Resolve("203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "DE", loc.CountryCode)
}

func TestStaticResolveUnknownIP(t *testing.T) {
	r := NewStatic()
	require.NoError(t, r.Add("198.51.100.0/24", "US", ""))

	_, err := r.Resolve("192.0.2.1")
	assert.Error(t, err)
}

func TestStaticResolveInvalidInputs(t *testing.T) {
	r := NewStatic()
	assert.Error(t, r.Add("not-a-cidr", "US", ""))

	_, err := r.Resolve("not-an-ip")
	assert.Error(t, err)
}
