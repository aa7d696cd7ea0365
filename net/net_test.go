package net

import (
	"net/http"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteAddr(t *testing.T) {
	for _, tt := range []struct {
		name   string
		input  string
		want   netip.Addr
		fwdHdr string
	}{
		{"no header1", "127.0.0.1", netip.MustParseAddr("127.0.0.1"), ""},
		{"no header2", "1.2.3.4", netip.MustParseAddr("1.2.3.4"), ""},
		{"no header3", "100.200.300.400", netip.Addr{}, ""},
		{"no header4", "127.0.0.1:8080", netip.MustParseAddr("127.0.0.1"), ""},
		{"single header1", "127.0.0.1", netip.MustParseAddr("172.16.0.1"), "172.16.0.1"},
		{"invalid header", "127.0.0.1", netip.MustParseAddr("127.0.0.1"), "invalid header"},
		{"multiple header1", "127.0.0.1", netip.MustParseAddr("172.16.0.1"), "172.16.0.1, 1.2.3.4, 8.7.6.5"},
		{"no header5", "[2001:4860:0:2001::68]:80", netip.MustParseAddr("2001:4860:0:2001::68"), ""},
		{"single header2", "127.0.0.1", netip.MustParseAddr("2001:4860:0:2001::68"), "2001:4860:0:2001::68"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.input, Header: make(http.Header)}
			if tt.fwdHdr != "" {
				r.Header.Set("x-forwarded-for", tt.fwdHdr)
			}

			assert.Equal(t, tt.want, RemoteAddr(r))
		})
	}
}

func TestParseIPCIDRs(t *testing.T) {
	ips, err := ParseIPCIDRs([]string{"10.0.0.0/8", "192.168.1.1", " ", "2001:db8::/32"})
	require.NoError(t, err)

	assert.True(t, ips.Contains(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, ips.Contains(netip.MustParseAddr("192.168.1.1")))
	assert.False(t, ips.Contains(netip.MustParseAddr("192.168.1.2")))
	assert.True(t, ips.Contains(netip.MustParseAddr("2001:db8::1")))
}

func TestParseIPCIDRsPartialFailure(t *testing.T) {
	ips, err := ParseIPCIDRs([]string{"10.0.0.0/8", "bogus", "1.2.3.4/99"})
	assert.Error(t, err)
	require.NotNil(t, ips)
	assert.True(t, ips.Contains(netip.MustParseAddr("10.1.2.3")))
}
