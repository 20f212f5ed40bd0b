package proxytest_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/akupila/testproxy"
	"github.com/akupila/testproxy/proxytest"
)

// newUpstream starts an HTTPS upstream. Redirected requests keep their
// scheme, and the proxy only serves HTTPS.
func newUpstream(t *testing.T, requests *int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(requests, 1)
		w.Header().Set("Set-Cookie", "hello")
		w.Write([]byte("hello " + r.URL.Query().Get("name"))) // nolint: errcheck
	}))
	t.Cleanup(ts.Close)
	return ts
}

// session starts a session on proxy and returns a client redirecting to it.
func session(t *testing.T, proxy *proxytest.Server, mode testproxy.Mode, file string) (*http.Client, func() error) {
	t.Helper()
	cfg := proxy.Config(mode)
	ctl := testproxy.NewController(proxy.Client(), testproxy.WithLogger(zaptest.NewLogger(t)))
	s, err := ctl.Start(context.Background(), cfg, file)
	if err != nil {
		t.Fatalf("Start %s: %v", mode, err)
	}
	rt, err := testproxy.NewTransport(proxy.Client().Transport, cfg, s)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Transport: rt}, func() error {
		return ctl.Stop(context.Background(), cfg, s)
	}
}

func get(t *testing.T, cli *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := cli.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(body)
}

func TestRecordThenPlayback(t *testing.T) {
	var requests int32
	upstream := newUpstream(t, &requests)
	proxy := proxytest.NewServer(
		proxytest.WithUpstream(upstream.Client().Transport),
		proxytest.WithFilters(proxytest.RemoveResponseHeader("Set-Cookie")),
	)
	defer proxy.Close()
	file := filepath.Join(t.TempDir(), "recordings", "demo.yml")

	cli, stop := session(t, proxy, testproxy.Record, file)
	status, body := get(t, cli, upstream.URL+"/items?name=world")
	if status != http.StatusOK || body != "hello world" {
		t.Errorf("Record: got %d %q, want %d %q", status, body, http.StatusOK, "hello world")
	}
	if err := stop(); err != nil {
		t.Fatalf("Stop record: %v", err)
	}

	entries, err := proxytest.ReadRecording(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("Got %d recorded entries, want 1", len(entries))
	}
	want := proxytest.Entry{
		Request: &proxytest.Request{
			Method: http.MethodGet,
			URL:    upstream.URL + "/items?name=world",
		},
		Response: &proxytest.Response{
			StatusCode: http.StatusOK,
			Body:       "hello world",
		},
	}
	opts := []cmp.Option{
		cmp.FilterPath(func(p cmp.Path) bool {
			s := p.String()
			return s == "Request.Headers" || s == "Response.Headers"
		}, cmp.Ignore()),
	}
	if diff := cmp.Diff(entries[0], want, opts...); diff != "" {
		t.Errorf("Recorded entry does not match (-got, +want)\n%s", diff)
	}
	if _, ok := entries[0].Response.Headers["Set-Cookie"]; ok {
		t.Errorf("Recording contains filtered Set-Cookie header")
	}
	for k := range entries[0].Request.Headers {
		if strings.HasPrefix(strings.ToLower(k), "x-recording-") {
			t.Errorf("Recording contains proxy header %s", k)
		}
	}

	cli, stop = session(t, proxy, testproxy.Playback, file)
	status, body = get(t, cli, upstream.URL+"/items?name=world")
	if status != http.StatusOK || body != "hello world" {
		t.Errorf("Playback: got %d %q, want %d %q", status, body, http.StatusOK, "hello world")
	}
	// Each recorded entry answers once.
	if status, _ := get(t, cli, upstream.URL+"/items?name=world"); status != http.StatusNotFound {
		t.Errorf("Second playback: got status %d, want %d", status, http.StatusNotFound)
	}
	if err := stop(); err != nil {
		t.Fatalf("Stop playback: %v", err)
	}

	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("Got %d upstream requests, want 1", n)
	}
}

func TestObservedRequests(t *testing.T) {
	var requests int32
	one := newUpstream(t, &requests)
	two := newUpstream(t, &requests)
	proxy := proxytest.NewServer(proxytest.WithUpstream(one.Client().Transport))
	defer proxy.Close()

	cli, stop := session(t, proxy, testproxy.Record, filepath.Join(t.TempDir(), "rec.yml"))
	get(t, cli, one.URL+"/a")
	get(t, cli, two.URL+"/b")
	if err := stop(); err != nil {
		t.Fatal(err)
	}

	cfg := proxy.Config(testproxy.Record)
	observed := proxy.Observed()
	if len(observed) != 2 {
		t.Fatalf("Got %d observed requests, want 2", len(observed))
	}
	id := observed[0].Header.Get(testproxy.HeaderRecordingID)
	if id == "" {
		t.Fatalf("No recording id on first request")
	}
	for i, want := range []string{one.URL, two.URL} {
		o := observed[i]
		if o.Host != strings.TrimPrefix(proxy.URL, "https://") {
			t.Errorf("Request %d: got host %q, want proxy %s:%d", i, o.Host, cfg.Host, cfg.Port)
		}
		if got := o.Header.Get(testproxy.HeaderRecordingID); got != id {
			t.Errorf("Request %d: got recording id %q, want %q", i, got, id)
		}
		if got := o.Header.Get(testproxy.HeaderUpstreamBaseURI); got != want {
			t.Errorf("Request %d: got upstream %q, want %q", i, got, want)
		}
	}
}

func TestStopWithoutRecordingFile(t *testing.T) {
	proxy := proxytest.NewServer()
	defer proxy.Close()
	file := filepath.Join(t.TempDir(), "never.yml")

	// A session that is never stopped is not saved.
	session(t, proxy, testproxy.Record, file)
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Errorf("Recording was saved without stop: %v", err)
	}
}

func TestPlaybackMissingRecording(t *testing.T) {
	proxy := proxytest.NewServer()
	defer proxy.Close()

	ctl := testproxy.NewController(proxy.Client())
	_, err := ctl.Start(context.Background(), proxy.Config(testproxy.Playback), filepath.Join(t.TempDir(), "missing.yml"))
	var perr *testproxy.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Got error %T %v, want %T", err, err, perr)
	}
	if perr.Status != http.StatusNotFound {
		t.Errorf("Got status %d, want %d", perr.Status, http.StatusNotFound)
	}
}

func TestStopUnknownSession(t *testing.T) {
	proxy := proxytest.NewServer()
	defer proxy.Close()

	ctl := testproxy.NewController(proxy.Client())
	err := ctl.Stop(context.Background(), proxy.Config(testproxy.Record), testproxy.Session{ID: "nope"})
	var perr *testproxy.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Got error %T %v, want %T", err, err, perr)
	}
}

func TestStartStopImmediately(t *testing.T) {
	proxy := proxytest.NewServer()
	defer proxy.Close()
	file := filepath.Join(t.TempDir(), "empty.yml")

	_, stop := session(t, proxy, testproxy.Record, file)
	if err := stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	entries, err := proxytest.ReadRecording(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Got %d entries, want 0", len(entries))
	}
}

func TestStopDuringRequests(t *testing.T) {
	var requests int32
	upstream := newUpstream(t, &requests)
	proxy := proxytest.NewServer(
		proxytest.WithUpstream(upstream.Client().Transport),
		proxytest.WithFilters(proxytest.RemoveResponseHeader("Set-Cookie")),
	)
	defer proxy.Close()
	file := filepath.Join(t.TempDir(), "busy.yml")

	cli, stop := session(t, proxy, testproxy.Record, file)
	n := 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := cli.Get(upstream.URL + "/busy")
			if err != nil {
				t.Error(err)
				return
			}
			io.Copy(io.Discard, resp.Body) // nolint: errcheck
			resp.Body.Close()
		}()
	}
	if err := stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	wg.Wait()

	entries, err := proxytest.ReadRecording(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) > n {
		t.Errorf("Got %d entries, want at most %d", len(entries), n)
	}
	for i, e := range entries {
		if _, ok := e.Response.Headers["Set-Cookie"]; ok {
			t.Errorf("Entry %d contains filtered Set-Cookie header", i)
		}
	}
}
