package net

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestForwardedHeaders(t *testing.T) {
	for _, ti := range []struct {
		name       string
		remoteAddr string
		header     http.Header
		forwarded  ForwardedHeaders
		expected   http.Header
		tls        bool
	}{
		{
			name:       "no change when disabled",
			remoteAddr: "1.2.3.4:56",
			header: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1"},
			},
			forwarded: ForwardedHeaders{},
			expected: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1"},
			},
		},
		{
			name:       "no remote",
			remoteAddr: "",
			header: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1"},
			},
			forwarded: ForwardedHeaders{For: true},
			expected: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1"},
			},
		},
		{
			name:       "set xff",
			remoteAddr: "1.2.3.4:56",
			header:     http.Header{},
			forwarded:  ForwardedHeaders{For: true},
			expected: http.Header{
				"X-Forwarded-For": []string{"1.2.3.4"},
			},
		},
		{
			name:       "append xff",
			remoteAddr: "1.2.3.4:56",
			header: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1"},
			},
			forwarded: ForwardedHeaders{For: true},
			expected: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1, 1.2.3.4"},
			},
		},
		{
			name:       "append xff to multiple header lines",
			remoteAddr: "1.2.3.4:56",
			header: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1", "5.6.7.8"},
			},
			forwarded: ForwardedHeaders{For: true},
			expected: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1, 5.6.7.8, 1.2.3.4"},
			},
		},
		{
			name:       "append ipv6 xff",
			remoteAddr: "[2001:db8::1]:56",
			header: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1"},
			},
			forwarded: ForwardedHeaders{For: true},
			expected: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1, 2001:db8::1"},
			},
		},
		{
			name:       "prepend xff",
			remoteAddr: "1.2.3.4:56",
			header: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1"},
			},
			forwarded: ForwardedHeaders{PrependFor: true},
			expected: http.Header{
				"X-Forwarded-For": []string{"1.2.3.4, 4.3.2.1"},
			},
		},
		{
			name:       "prepend xff overrides",
			remoteAddr: "1.2.3.4:56",
			header: http.Header{
				"X-Forwarded-For": []string{"4.3.2.1"},
			},
			forwarded: ForwardedHeaders{For: true, PrependFor: true},
			expected: http.Header{
				"X-Forwarded-For": []string{"1.2.3.4, 4.3.2.1"},
			},
		},
		{
			name:       "set xff, host and proto",
			remoteAddr: "1.2.3.4:56",
			header:     http.Header{},
			forwarded:  ForwardedHeaders{For: true, Host: true, Proto: true},
			expected: http.Header{
				"X-Forwarded-For":   []string{"1.2.3.4"},
				"X-Forwarded-Host":  []string{"example.com"},
				"X-Forwarded-Proto": []string{"http"},
			},
		},
		{
			name:       "overwrite host and proto over tls",
			remoteAddr: "1.2.3.4:56",
			header: http.Header{
				"X-Forwarded-Host":  []string{"whatever"},
				"X-Forwarded-Proto": []string{"whatever"},
			},
			forwarded: ForwardedHeaders{Host: true, Proto: true},
			tls:       true,
			expected: http.Header{
				"X-Forwarded-Host":  []string{"example.com"},
				"X-Forwarded-Proto": []string{"https"},
			},
		},
	} {
		t.Run(ti.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://example.com/tile?pyramidId=p1", nil)
			r.RemoteAddr = ti.remoteAddr
			r.Header = ti.header
			if ti.tls {
				r.TLS = &tls.ConnectionState{}
			} else {
				r.TLS = nil
			}

			ti.forwarded.Set(r)

			if !cmp.Equal(ti.expected, r.Header) {
				t.Errorf("header mismatch:\n%s", cmp.Diff(ti.expected, r.Header))
			}
		})
	}
}

func TestForwardedHeadersEnabled(t *testing.T) {
	assert.False(t, (&ForwardedHeaders{}).Enabled())
	assert.True(t, (&ForwardedHeaders{For: true}).Enabled())
	assert.True(t, (&ForwardedHeaders{Proto: true}).Enabled())
}
