package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"

	"vhost-proxy-go/internal/client"
	"vhost-proxy-go/internal/metrics"
	"vhost-proxy-go/internal/model"
	"vhost-proxy-go/internal/service"
)

// relayBufferSize bounds the per-connection memory used for the response relay.
const relayBufferSize = 32 * 1024

var relayBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

// errUnexpectedSwitch is returned when the upstream answers 101 to a request
// that did not ask to upgrade.
var errUnexpectedSwitch = errors.New("upstream switched protocols without an upgrade request")

// headersNetHTTPAdds are set by net/http on responses that lack them.
// They are suppressed so the client sees exactly the upstream header set.
var headersNetHTTPAdds = []string{"Content-Type", "Date"}

// ProxyHandler relays every inbound request to the upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable relay metrics.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request to the upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	res := c.Response()
	rc := http.NewResponseController(res)

	// The upstream may answer before it has read the whole upload; keep reading
	// the request body after response headers go out.
	if err := rc.EnableFullDuplex(); err != nil {
		h.logger.Debug("full duplex unavailable", "err", err)
	}

	uri := req.RequestURI
	if uri == "" {
		uri = req.URL.RequestURI()
	}

	var body io.ReadCloser
	upload := &countingBody{ReadCloser: req.Body}
	if req.Body != nil {
		body = upload
	}
	defer func() { h.addBytes(metrics.DirectionUpload, upload.n.Load()) }()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		RequestURI:    uri,
		Header:        req.Header,
		Body:          body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusSwitchingProtocols {
		return h.switchProtocols(c, rc, resp)
	}

	copyResponseHeader(res.Header(), resp)
	res.WriteHeader(resp.StatusCode)
	_ = rc.Flush()

	n, err := relay(res, rc, resp.Body)
	h.addBytes(metrics.DirectionDownload, n)
	if err != nil {
		// Status and headers are already on the wire; the only honest signal
		// left is to cut the connection so the client sees a truncated response.
		h.logger.Error("relay aborted",
			"err", err,
			"method", req.Method,
			"uri", uri,
			"bytes_out", n,
		)
		if h.metrics != nil {
			h.metrics.RelayAborts.Inc()
		}
		panic(http.ErrAbortHandler)
	}

	return nil
}

// switchProtocols completes an upgrade (WebSocket and similar) the upstream
// accepted: the 101 and its headers are written to the hijacked client
// connection, then bytes are spliced both ways until either side closes.
func (h *ProxyHandler) switchProtocols(c echo.Context, rc *http.ResponseController, resp *model.ProxyResponse) error {
	req := c.Request()

	backConn, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return h.mapError(c, errUnexpectedSwitch)
	}

	conn, brw, err := rc.Hijack()
	if err != nil {
		return h.mapError(c, fmt.Errorf("hijack client connection: %w", err))
	}
	defer func() { _ = conn.Close() }()

	res := c.Response()
	res.Status = resp.StatusCode

	_, _ = fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	_ = resp.Header.Write(brw)
	_, _ = brw.WriteString("\r\n")
	if err := brw.Flush(); err != nil {
		h.logger.Info("client went away during protocol switch", "err", err, "uri", req.RequestURI)
		return nil
	}

	h.logger.Debug("protocol switched",
		"uri", req.RequestURI,
		"upgrade", resp.Header.Get("Upgrade"),
	)

	type result struct {
		direction string
		n         int64
		err       error
	}
	done := make(chan result, 2)
	go func() {
		// brw.Reader holds anything the client sent right after its request.
		n, err := io.Copy(backConn, brw.Reader)
		done <- result{metrics.DirectionUpload, n, err}
	}()
	go func() {
		n, err := io.Copy(conn, backConn)
		done <- result{metrics.DirectionDownload, n, err}
	}()

	// The first side to finish ends the session; closing both connections
	// unblocks the other copy.
	first := <-done
	_ = conn.Close()
	_ = backConn.Close()
	second := <-done

	for _, r := range []result{first, second} {
		h.addBytes(r.direction, r.n)
		if r.direction == metrics.DirectionDownload {
			res.Size = r.n
		}
	}
	if first.err != nil {
		h.logger.Debug("upgraded connection closed", "err", first.err, "uri", req.RequestURI)
	}

	return nil
}

// mapError answers failures that happened before any upstream response headers
// arrived. Every such failure is a 502 with the underlying error in the body.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	kind := client.KindIO
	cause := err
	var upErr *client.UpstreamError
	if errors.As(err, &upErr) {
		kind = upErr.Kind
		cause = upErr.Err
	}

	attrs := []any{
		"err", err,
		"kind", kind,
		"method", c.Request().Method,
		"uri", c.Request().RequestURI,
	}
	if kind == client.KindCanceled {
		h.logger.Info("client went away before upstream responded", attrs...)
	} else {
		h.logger.Error("proxy error", attrs...)
	}

	return c.String(http.StatusBadGateway, "Proxy failed: "+cause.Error())
}

func (h *ProxyHandler) addBytes(direction string, n int64) {
	if h.metrics != nil && n > 0 {
		h.metrics.BytesRelayed.WithLabelValues(direction).Add(float64(n))
	}
}

// copyResponseHeader copies the upstream header set verbatim.
func copyResponseHeader(dst http.Header, resp *model.ProxyResponse) {
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	// net/http moves Transfer-Encoding out of the header map.
	if len(resp.TransferEncoding) > 0 && dst.Get("Content-Length") == "" {
		dst["Transfer-Encoding"] = append([]string(nil), resp.TransferEncoding...)
	}
	for _, key := range headersNetHTTPAdds {
		if _, ok := dst[key]; !ok {
			dst[key] = nil
		}
	}
}

// relay copies src to dst, flushing after every chunk so bytes reach the
// client as soon as the upstream produces them.
func relay(dst io.Writer, rc *http.ResponseController, src io.Reader) (int64, error) {
	bufp := relayBuffers.Get().(*[]byte)
	defer relayBuffers.Put(bufp)
	buf := *bufp

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write to client: %w", werr)
			}
			if nw != nr {
				return written, fmt.Errorf("write to client: %w", io.ErrShortWrite)
			}
			if err := rc.Flush(); err != nil {
				return written, fmt.Errorf("flush to client: %w", err)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read from upstream: %w", rerr)
		}
	}
}

// countingBody counts bytes the transport pulls from the inbound body.
type countingBody struct {
	io.ReadCloser
	n atomic.Int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	return n, err
}
