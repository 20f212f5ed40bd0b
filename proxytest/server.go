// Package proxytest provides an in-process record/playback proxy for tests.
//
// The Server speaks the same control protocol as the real test proxy: a
// session is started with POST /{mode}/start, requests redirected by a
// testproxy.Transport are recorded or replayed, and POST /{mode}/stop saves
// the recording. Recordings are stored as YAML.
package proxytest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/akupila/testproxy"
)

// Observed is a redirected request as it arrived at the Server.
type Observed struct {
	Method string
	Host   string
	Path   string
	Header http.Header
}

// Server is a fake test proxy listening on a loopback TLS address.
//
// It serves HTTPS only. A testproxy.Transport keeps the scheme of the
// requests it redirects, so tests should use HTTPS upstreams (for example
// httptest.NewTLSServer, with its client transport passed to WithUpstream).
type Server struct {
	// URL is the base URL of the server, of the form https://127.0.0.1:port.
	URL string

	filters  []Filter
	upstream http.RoundTripper
	srv      *httptest.Server

	mu       sync.Mutex
	sessions map[string]*session
	observed []Observed
}

type session struct {
	mode    testproxy.Mode
	file    string
	entries []Entry
	used    map[int]bool
}

// An Option configures a Server.
type Option func(*Server)

// WithFilters applies filters to every entry before a recording is saved.
func WithFilters(filters ...Filter) Option {
	return func(s *Server) { s.filters = append(s.filters, filters...) }
}

// WithUpstream sets the transport used to forward requests in record mode.
// The default is http.DefaultTransport.
func WithUpstream(rt http.RoundTripper) Option {
	return func(s *Server) { s.upstream = rt }
}

// NewServer starts a Server. The caller should call Close when finished.
func NewServer(opts ...Option) *Server {
	s := &Server{
		upstream: http.DefaultTransport,
		sessions: make(map[string]*session),
	}
	for _, apply := range opts {
		apply(s)
	}
	s.srv = httptest.NewTLSServer(s)
	s.URL = s.srv.URL
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// Client returns an http.Client that trusts the server's certificate.
func (s *Server) Client() *http.Client { return s.srv.Client() }

// Config returns a session config pointing at the server.
func (s *Server) Config(mode testproxy.Mode) testproxy.Config {
	host, port, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return testproxy.Config{Host: host, Port: p, Mode: mode}
}

// Observed returns the redirected requests received so far.
func (s *Server) Observed() []Observed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observed, len(s.observed))
	copy(out, s.observed)
	return out
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(testproxy.HeaderUpstreamBaseURI) != "" {
		s.serveRedirected(w, r)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "not a control request", http.StatusNotFound)
		return
	}
	mode, err := testproxy.ParseMode(parts[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	switch parts[1] {
	case "start":
		s.start(w, r, mode)
	case "stop":
		s.stop(w, r, mode)
	default:
		http.Error(w, "unknown action "+parts[1], http.StatusNotFound)
	}
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, mode testproxy.Mode) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "decode start body: "+err.Error(), http.StatusBadRequest)
		return
	}
	file := body[testproxy.BodyRecordingFile]
	if file == "" {
		http.Error(w, "missing "+testproxy.BodyRecordingFile, http.StatusBadRequest)
		return
	}
	sess := &session{mode: mode, file: file, used: make(map[int]bool)}
	if mode == testproxy.Playback {
		entries, err := ReadRecording(file)
		if err != nil {
			http.Error(w, "load recording: "+err.Error(), http.StatusNotFound)
			return
		}
		sess.entries = entries
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	w.Header().Set(testproxy.HeaderRecordingID, id)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request, mode testproxy.Mode) {
	id := r.Header.Get(testproxy.HeaderRecordingID)
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.mode != mode {
		s.mu.Unlock()
		http.Error(w, fmt.Sprintf("no %s session %q", mode, id), http.StatusBadRequest)
		return
	}
	delete(s.sessions, id)
	// Requests still in flight may append to sess.entries and write their
	// responses from it; filters run on private copies.
	entries := make([]Entry, len(sess.entries))
	for i, e := range sess.entries {
		entries[i] = e.clone()
	}
	s.mu.Unlock()

	if mode == testproxy.Record && strings.EqualFold(r.Header.Get(testproxy.HeaderRecordingSave), "true") {
		for i := range entries {
			for _, apply := range s.filters {
				apply(&entries[i])
			}
		}
		if err := writeRecording(sess.file, entries); err != nil {
			http.Error(w, "save recording: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) serveRedirected(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(testproxy.HeaderRecordingID)
	s.mu.Lock()
	s.observed = append(s.observed, Observed{
		Method: r.Method,
		Host:   r.Host,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
	})
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("no session %q", id), http.StatusBadRequest)
		return
	}
	if got := r.Header.Get(testproxy.HeaderRecordingMode); got != sess.mode.String() {
		http.Error(w, fmt.Sprintf("session %q is in %s mode, request says %q", id, sess.mode, got), http.StatusBadRequest)
		return
	}

	target := strings.TrimRight(r.Header.Get(testproxy.HeaderUpstreamBaseURI), "/") + r.URL.RequestURI()
	if sess.mode == testproxy.Playback {
		s.mu.Lock()
		e, ok := selectOnce(sess.entries, sess.used, r.Method, target)
		s.mu.Unlock()
		if !ok {
			http.Error(w, fmt.Sprintf("no recorded entry for %s %s", r.Method, target), http.StatusNotFound)
			return
		}
		writeEntry(w, e)
		return
	}

	e, err := s.forward(r, target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.mu.Lock()
	sess.entries = append(sess.entries, e)
	s.mu.Unlock()
	writeEntry(w, e)
}

// forward sends r to its upstream target and returns the exchange.
func (s *Server) forward(r *http.Request, target string) (Entry, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return Entry{}, err
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		return Entry{}, err
	}
	req.Header = r.Header.Clone()
	for _, h := range []string{testproxy.HeaderRecordingID, testproxy.HeaderRecordingMode, testproxy.HeaderUpstreamBaseURI} {
		req.Header.Del(h)
	}

	resp, err := s.upstream.RoundTrip(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Request: &Request{
			Method:  r.Method,
			URL:     target,
			Headers: flattenHeader(req.Header),
			Body:    string(body),
		},
		Response: &Response{
			StatusCode: resp.StatusCode,
			Headers:    flattenHeader(resp.Header),
			Body:       string(respBody),
		},
	}, nil
}

func writeEntry(w http.ResponseWriter, e Entry) {
	for k, vv := range expandHeader(e.Response.Headers) {
		if k == "Content-Length" {
			continue
		}
		w.Header()[k] = vv
	}
	w.WriteHeader(e.Response.StatusCode)
	w.Write([]byte(e.Response.Body)) // nolint: errcheck
}
