// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"vhost-proxy-go/internal/client"
	"vhost-proxy-go/internal/config"
	"vhost-proxy-go/internal/model"
)

// ErrNoUpstream is returned when the service has no upstream address configured.
var ErrNoUpstream = errors.New("no upstream address configured")

// Forwarder sends a prepared request upstream. *client.UpstreamClient satisfies it.
type Forwarder interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

var _ Forwarder = (*client.UpstreamClient)(nil)

// ProxyService turns inbound requests into outbound requests for the single
// configured upstream.
type ProxyService struct {
	client      Forwarder
	logger      *slog.Logger
	baseURL     *url.URL
	virtualHost string
}

// NewProxyService creates a ProxyService for cfg.Upstream.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	return newProxyService(c, cfg, logger)
}

func newProxyService(c Forwarder, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	if cfg.Upstream.Host == "" {
		return nil, ErrNoUpstream
	}

	vhost := cfg.Upstream.VirtualHost
	if vhost == "" {
		vhost = cfg.Upstream.Host
	}

	return &ProxyService{
		client:      c,
		logger:      logger.With("component", "proxy_service"),
		baseURL:     &url.URL{Scheme: "https", Host: cfg.Upstream.Address()},
		virtualHost: vhost,
	}, nil
}

// Forward relays a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// The request body is handed to the transport as a stream; nothing is buffered.
// Cancelling pr.Ctx aborts the outbound connection.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req, err := s.buildOutboundRequest(pr)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"uri", pr.RequestURI,
		"content_length", pr.ContentLength,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// buildOutboundRequest copies method, request target and headers, and replaces
// Host with the virtual host. Nothing else is added or removed.
func (s *ProxyService) buildOutboundRequest(pr *model.ProxyRequest) (*http.Request, error) {
	target, err := s.upstreamURL(pr.RequestURI)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, s.baseURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.URL = target

	req.Header = pr.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Del("Host")
	req.Host = s.virtualHost

	// net/http would otherwise send its own User-Agent.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}

	// A zero length means no body; unknown (-1) is relayed chunked.
	if pr.ContentLength != 0 && pr.Body != nil {
		req.Body = pr.Body
		req.ContentLength = pr.ContentLength
	} else {
		req.Body = http.NoBody
		req.ContentLength = 0
	}

	return req, nil
}

// upstreamURL joins the upstream origin with the request target. Origin-form
// targets are carried in URL.Opaque so the path bytes go out exactly as received,
// without the unescape/re-escape round trip of url.Parse.
func (s *ProxyService) upstreamURL(requestURI string) (*url.URL, error) {
	u := *s.baseURL

	switch {
	case requestURI == "" || requestURI == "*":
		u.Opaque = "/"
		if requestURI == "*" {
			u.Opaque = "*"
		}
		return &u, nil
	case requestURI[0] != '/':
		// absolute-form (http://host/path): keep only path and query
		parsed, err := url.ParseRequestURI(requestURI)
		if err != nil {
			return nil, fmt.Errorf("parse request target %q: %w", requestURI, err)
		}
		requestURI = parsed.RequestURI()
	}

	path, query, hasQuery := strings.Cut(requestURI, "?")
	if strings.HasPrefix(path, "//") {
		// Opaque values starting with "//" are treated as scheme-relative.
		parsed, err := url.ParseRequestURI(requestURI)
		if err != nil {
			return nil, fmt.Errorf("parse request target %q: %w", requestURI, err)
		}
		u.Path, u.RawPath, u.RawQuery, u.ForceQuery = parsed.Path, parsed.RawPath, parsed.RawQuery, parsed.ForceQuery
		return &u, nil
	}

	u.Opaque = path
	u.RawQuery = query
	u.ForceQuery = hasQuery && query == ""
	return &u, nil
}
