package tlsutil

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.NotEmpty(t, cfg.CipherSuites)

	aead := map[uint16]bool{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384: true,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:   true,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256: true,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:   true,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305:  true,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305:    true,
	}
	for _, cs := range cfg.CipherSuites {
		assert.True(t, aead[cs], "non-AEAD suite %s", tls.CipherSuiteName(cs))
	}
}

func TestDefaultTLSConfig_Independent(t *testing.T) {
	a := DefaultTLSConfig()
	a.ServerName = "nats.plant"
	assert.Empty(t, DefaultTLSConfig().ServerName)
}

func TestIsSecureURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"nats://localhost:4222", false},
		{"tls://nats.plant:4222", true},
		{"TLS://nats.plant:4222", true},
		{"https://api.openai.com/v1", true},
		{"http://localhost:11434", false},
		{"rediss://cache:6380", true},
		{"nats://a:4222, tls://b:4222", true},
		{"", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSecureURL(tt.url))
		})
	}
}

func TestForURL(t *testing.T) {
	assert.Nil(t, ForURL("nats://localhost:4222"))

	cfg := ForURL("tls://nats.plant:4222")
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestSecureHTTPClient(t *testing.T) {
	client := SecureHTTPClient(15 * time.Second)
	assert.Equal(t, 15*time.Second, client.Timeout)

	tr := SecureTransport()
	require.NotNil(t, tr.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.True(t, tr.ForceAttemptHTTP2)
}
