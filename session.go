package testproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Session is a started record or playback session.
type Session struct {
	// ID is the opaque recording id assigned by the proxy. It is attached to
	// every redirected request.
	ID string

	// RecordingFile is the recording artifact path the session was started
	// with.
	RecordingFile string
}

// LoopbackTransport returns a transport for traffic sent to the test proxy.
//
// The proxy serves a development certificate, so certificate verification
// is disabled. Use it only for requests addressed to the proxy; the
// application's direct traffic must keep the default transport.
func LoopbackTransport() *http.Transport {
	t := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if dt, ok := http.DefaultTransport.(*http.Transport); ok {
		t = dt.Clone()
	}
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // nolint: gosec
	return t
}

// LoopbackClient returns an http.Client using LoopbackTransport. It is meant
// to be created once and shared by every Controller in the process.
func LoopbackClient() *http.Client {
	return &http.Client{Transport: LoopbackTransport()}
}

// Controller starts and stops sessions with the proxy.
//
// Control calls go straight to the proxy through the client given to
// NewController; they are never redirected.
type Controller struct {
	client *http.Client
	opts   options
}

// NewController returns a Controller issuing control calls with client. If
// client is nil, LoopbackClient is used.
func NewController(client *http.Client, opts ...Option) *Controller {
	if client == nil {
		client = LoopbackClient()
	}
	return &Controller{client: client, opts: newOptions(opts)}
}

// Start begins a session. The proxy is told to use recordingFile as the
// recording artifact: it is written on Stop in record mode and read from in
// playback mode.
//
// A *ConnectionError is returned if the proxy cannot be reached and a
// *ProtocolError if it does not answer with exactly one recording id.
func (c *Controller) Start(ctx context.Context, cfg Config, recordingFile string) (Session, error) {
	if err := cfg.Validate(); err != nil {
		return Session{}, err
	}
	session, err := c.start(ctx, cfg, recordingFile)
	c.opts.metrics.control("start", err)
	if err != nil {
		return Session{}, err
	}
	c.opts.logger.Info("test proxy session started",
		zap.String("recording_id", session.ID),
		zap.Stringer("mode", cfg.Mode),
		zap.String("recording_file", recordingFile),
	)
	return session, nil
}

func (c *Controller) start(ctx context.Context, cfg Config, recordingFile string) (Session, error) {
	body, err := json.Marshal(map[string]string{BodyRecordingFile: recordingFile})
	if err != nil {
		return Session{}, err
	}
	u := cfg.controlURL("start")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Session{}, &ConnectionError{Op: "start", URL: u, Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Session{}, &ProtocolError{Op: "start", Status: resp.StatusCode, Reason: "unexpected status"}
	}
	ids := resp.Header.Values(HeaderRecordingID)
	switch {
	case len(ids) == 0:
		return Session{}, &ProtocolError{Op: "start", Status: resp.StatusCode, Reason: "missing " + HeaderRecordingID + " header"}
	case len(ids) > 1:
		return Session{}, &ProtocolError{Op: "start", Status: resp.StatusCode, Reason: fmt.Sprintf("got %d %s values, want 1", len(ids), HeaderRecordingID)}
	case ids[0] == "":
		return Session{}, &ProtocolError{Op: "start", Status: resp.StatusCode, Reason: "empty " + HeaderRecordingID + " header"}
	}
	return Session{ID: ids[0], RecordingFile: recordingFile}, nil
}

// Stop ends a session and asks the proxy to save the recording. If Stop is
// never called, a record session is not persisted.
//
// Stop makes a single attempt. A *ConnectionError is returned if the proxy
// cannot be reached and a *ProtocolError if it rejects the call.
func (c *Controller) Stop(ctx context.Context, cfg Config, s Session) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	err := c.stop(ctx, cfg, s)
	c.opts.metrics.control("stop", err)
	if err != nil {
		return err
	}
	c.opts.logger.Info("test proxy session stopped",
		zap.String("recording_id", s.ID),
		zap.Stringer("mode", cfg.Mode),
	)
	return nil
}

func (c *Controller) stop(ctx context.Context, cfg Config, s Session) error {
	u := cfg.controlURL("stop")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderRecordingID, s.ID)
	req.Header.Set(HeaderRecordingSave, "true")

	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{Op: "stop", URL: u, Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProtocolError{Op: "stop", Status: resp.StatusCode, Reason: "unexpected status"}
	}
	return nil
}

// drain reads what is left of a control response so the connection can be
// reused, then closes it.
func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64<<10)) // nolint: errcheck
	body.Close()
}
