package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalIP(t *testing.T) {
	ip := net.ParseIP(LocalIP())
	require.NotNil(t, ip)
	assert.False(t, ip.IsUnspecified())
}

func TestAdvertiseAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9190", AdvertiseAddr("127.0.0.1:9190"))
	assert.Equal(t, "example.com:80", AdvertiseAddr("example.com:80"))
	assert.Equal(t, "not-an-address", AdvertiseAddr("not-an-address"))

	for _, addr := range []string{"0.0.0.0:9190", "[::]:9190", ":9190"} {
		host, port, err := net.SplitHostPort(AdvertiseAddr(addr))
		require.NoError(t, err, addr)
		assert.Equal(t, "9190", port)
		assert.False(t, net.ParseIP(host).IsUnspecified(), addr)
	}
}
