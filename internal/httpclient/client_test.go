package httpclient

import (
	"crypto/tls"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SetsTimeoutAndTLSFloor(t *testing.T) {
	c := New()
	assert.Equal(t, RequestTimeout, c.Timeout)

	transport, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), transport.TLSClientConfig.MinVersion)
}

func TestNewWithRateLimit_ZeroIsNoLimiting(t *testing.T) {
	c := NewWithRateLimit(0)
	_, ok := c.Transport.(*rateLimitedTransport)
	assert.False(t, ok, "zero ceiling must not wrap the transport")
}

func TestNewWithRateLimit_WrapsTransport(t *testing.T) {
	c := NewWithRateLimit(1024)
	_, ok := c.Transport.(*rateLimitedTransport)
	assert.True(t, ok)
}
