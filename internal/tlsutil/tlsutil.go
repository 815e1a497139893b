package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// secureSchemes 需要 TLS 的连接地址协议
var secureSchemes = map[string]bool{
	"tls":    true,
	"https":  true,
	"rediss": true,
	"wss":    true,
}

// DefaultTLSConfig 返回加固后的客户端 TLS 配置：TLS 1.2+，仅 AEAD 套件。
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// IsSecureURL 判断地址是否要求 TLS。逗号分隔的地址列表中任一项为安全协议即返回 true。
func IsSecureURL(raw string) bool {
	for _, part := range strings.Split(raw, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if secureSchemes[strings.ToLower(u.Scheme)] {
			return true
		}
	}
	return false
}

// ForURL 地址要求 TLS 时返回加固配置，否则返回 nil。
func ForURL(raw string) *tls.Config {
	if !IsSecureURL(raw) {
		return nil
	}
	return DefaultTLSConfig()
}

// SecureTransport 返回使用加固 TLS 的 http.Transport。
// 连接数按单个嵌入服务端点估算。
func SecureTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       DefaultTLSConfig(),
		TLSHandshakeTimeout:   5 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       time.Minute,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// SecureHTTPClient 返回带超时与加固 TLS 的 http.Client，供嵌入服务调用使用。
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SecureTransport(),
	}
}
