package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	for _, tt := range []struct {
		name string
		host string
		port int
		fail bool
	}{{
		name: "valid",
		host: "b1",
		port: 8080,
	}, {
		name: "empty host",
		port: 8080,
		fail: true,
	}, {
		name: "zero port",
		host: "b1",
		fail: true,
	}, {
		name: "negative port",
		host: "b1",
		port: -1,
		fail: true,
	}} {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAddress(tt.host, tt.port)
			if tt.fail {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidArgument))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.host, a.Host())
			assert.Equal(t, tt.port, a.Port())
		})
	}
}

func TestCanonicalHost(t *testing.T) {
	assert.Equal(t, "b1", MustAddress("b1", 80).CanonicalHost())
	assert.Equal(t, "b1:8080", MustAddress("b1", 8080).CanonicalHost())
	assert.Equal(t, "b1:443", MustAddress("b1", 443).CanonicalHost())
	assert.Equal(t, "[::1]", MustAddress("::1", 80).CanonicalHost())
	assert.Equal(t, "[::1]:8080", MustAddress("::1", 8080).CanonicalHost())
}

func TestAddressEquality(t *testing.T) {
	assert.True(t, MustAddress("b1", 80) == MustAddress("b1", 80))
	assert.False(t, MustAddress("b1", 80) == MustAddress("b1", 81))
	assert.False(t, MustAddress("b1", 80) == MustAddress("b2", 80))
	assert.True(t, Address{}.IsZero())
	assert.False(t, MustAddress("b1", 80).IsZero())
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("example.org:9000")
	require.NoError(t, err)
	assert.Equal(t, MustAddress("example.org", 9000), a)
	assert.Equal(t, "example.org:9000", a.String())

	for _, s := range []string{"example.org", "example.org:x", ":9000", "example.org:0"} {
		_, err := ParseAddress(s)
		assert.ErrorIs(t, err, ErrInvalidArgument, s)
	}
}
