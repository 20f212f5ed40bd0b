package testproxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// Transport wraps an http.RoundTripper and sends every request to the test
// proxy instead of its original destination.
//
// The original scheme, host and port are passed to the proxy in the
// x-recording-upstream-base-uri header, together with the session's
// recording id and mode. Path, query, method, body and all other headers
// are left untouched.
//
// Transport holds no per-request state and is safe for concurrent use.
type Transport struct {
	inner   http.RoundTripper
	config  Config
	session Session
	opts    options
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport returns a Transport redirecting requests to the proxy
// described by cfg for session s. Requests are sent with inner; if inner
// is nil, LoopbackTransport is used.
func NewTransport(inner http.RoundTripper, cfg Config, s Session, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, fmt.Errorf("session has no recording id")
	}
	if inner == nil {
		inner = LoopbackTransport()
	}
	return &Transport{
		inner:   inner,
		config:  cfg,
		session: s,
		opts:    newOptions(opts),
	}, nil
}

// Session returns the session the transport attaches to requests.
func (t *Transport) Session() Session { return t.session }

// RoundTrip implements http.RoundTripper. The request is redirected with
// Redirect and handed to the inner transport; its response and error are
// returned as is.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.inner.RoundTrip(t.Redirect(req))
}

// Redirect returns a copy of req addressed to the proxy, carrying the
// recording headers. req itself is not modified.
func (t *Transport) Redirect(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	upstream := UpstreamBaseURI(req.URL)

	out.Header.Set(HeaderRecordingID, t.session.ID)
	out.Header.Set(HeaderRecordingMode, t.config.Mode.String())
	out.Header.Set(HeaderUpstreamBaseURI, upstream)

	out.URL.Host = t.config.hostport()
	// The Host header must name the proxy too, otherwise it is derived from
	// req.Host and still points at the upstream service.
	out.Host = ""

	t.opts.metrics.redirected(t.config.Mode)
	t.opts.logger.Debug("redirecting request to test proxy",
		zap.String("method", req.Method),
		zap.String("upstream", upstream),
		zap.String("path", req.URL.Path),
		zap.String("recording_id", t.session.ID),
	)
	return out
}

// UpstreamBaseURI returns scheme://host:port of u. When u carries no port,
// the default port of its scheme is used, so the value always names the
// port the request would have been sent to.
func UpstreamBaseURI(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	if port == "" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + net.JoinHostPort(u.Hostname(), port)
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}
