// Package client provides the upstream HTTPS client for the proxied backend.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"vhost-proxy-go/internal/config"
	"vhost-proxy-go/internal/metrics"
	"vhost-proxy-go/internal/model"
)

// Error kinds reported by ErrorKind and used as metric labels.
const (
	KindCanceled = "canceled"
	KindTimeout  = "timeout"
	KindDNS      = "dns"
	KindTLS      = "tls"
	KindRefused  = "refused"
	KindDial     = "dial"
	KindIO       = "io"
)

// UpstreamError is returned by Do when the upstream could not be reached or
// failed before sending response headers.
type UpstreamError struct {
	Kind string
	Err  error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// UpstreamClient sends requests to the configured HTTPS backend.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient that opens one TLS connection per
// request. Keep-alives are disabled so inbound and outbound connections pair 1:1
// and nothing is shared between requests.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	tlsCfg, err := newTLSConfig(&cfg.Upstream)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		// The upstream is fixed; HTTP(S)_PROXY from the environment must not reroute it.
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.DialTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   cfg.Upstream.TLSHandshakeTimeout(),
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout(),
		DisableKeepAlives:     true,
		// Leave Accept-Encoding and the body bytes exactly as the client sent them.
		DisableCompression: true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects belong to the client, not the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}, nil
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body. Failures before the
// response headers arrive are returned as *UpstreamError.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"uri", req.URL.RequestURI(),
		"host", req.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		cause := err
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			cause = urlErr.Err
		}
		kind := ErrorKind(cause)
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
		}
		return nil, &UpstreamError{Kind: kind, Err: cause}
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:       resp.StatusCode,
		Header:           resp.Header,
		TransferEncoding: resp.TransferEncoding,
		Body:             resp.Body,
	}, nil
}

// ErrorKind classifies an upstream transport error.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindDNS
	}

	var (
		verifyErr  *tls.CertificateVerificationError
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &recordErr) || errors.As(err, &alertErr) ||
		errors.As(err, &unknownCA) || errors.As(err, &hostErr) || errors.As(err, &invalidErr) {
		return KindTLS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindDial
	}

	return KindIO
}
