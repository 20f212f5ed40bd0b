package testproxy

import "go.uber.org/zap"

// Header names understood by the proxy.
const (
	HeaderRecordingID     = "x-recording-id"
	HeaderRecordingMode   = "x-recording-mode"
	HeaderUpstreamBaseURI = "x-recording-upstream-base-uri"
	HeaderRecordingSave   = "x-recording-save"

	// BodyRecordingFile is the JSON key naming the recording file in a
	// start request.
	BodyRecordingFile = "x-recording-file"
)

// An Option configures a Controller or a Transport.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *Metrics
}

func newOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l == nil {
			l = zap.NewNop()
		}
		o.logger = l
	}
}

// WithMetrics records control calls and redirected requests in m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}
