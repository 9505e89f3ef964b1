package transmitter

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// TLSConfig configures server verification and optional client certificates.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func (c TLSConfig) build() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in for test endpoints
	}
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// HTTPClientConfig holds connection pool settings.
type HTTPClientConfig struct {
	MaxIdleConns         int
	IdleConnTimeout      time.Duration
	HTTP2ReadIdleTimeout time.Duration
	HTTP2PingTimeout     time.Duration
}

func newTransport(cfg Config, https bool) (http.RoundTripper, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConns,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// bodies are already compressed by us
		DisableCompression: true,
	}
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 10
		transport.MaxIdleConnsPerHost = 10
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if https {
		tlsConfig, err := cfg.TLS.build()
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
		h2, err := http2.ConfigureTransports(transport)
		if err == nil && h2 != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				h2.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				h2.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	var rt http.RoundTripper = transport
	if cfg.BearerToken != "" || len(cfg.Headers) > 0 || cfg.UserAgent != "" {
		rt = &headerTransport{base: rt, cfg: cfg}
	}
	return rt, nil
}

// headerTransport stamps auth and static headers on every request.
type headerTransport struct {
	base http.RoundTripper
	cfg  Config
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.cfg.Headers {
		r.Header.Set(k, v)
	}
	if t.cfg.BearerToken != "" {
		r.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}
	if t.cfg.UserAgent != "" {
		r.Header.Set("User-Agent", t.cfg.UserAgent)
	}
	return t.base.RoundTrip(r)
}
