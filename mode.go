package testproxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Mode controls what the proxy does with redirected traffic.
type Mode int

// Possible values:
const (
	// Record forwards requests to the upstream service and stores every
	// exchange in the recording file.
	Record Mode = iota

	// Playback answers requests from a previously stored recording without
	// contacting the upstream service.
	Playback
)

// String returns the wire value of the mode, as used in control paths and
// the x-recording-mode header.
func (m Mode) String() string {
	switch m {
	case Record:
		return "record"
	case Playback:
		return "playback"
	}
	return "Mode(" + strconv.Itoa(int(m)) + ")"
}

// Valid reports whether m is one of the recognized modes.
func (m Mode) Valid() bool { return m == Record || m == Playback }

// ParseMode parses a mode name. The name is case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "record":
		return Record, nil
	case "playback":
		return Playback, nil
	}
	return 0, fmt.Errorf("unknown proxy mode %q", s)
}

// Config describes where the proxy runs and which mode a session uses.
// A Config must not be changed once a session has been started with it.
type Config struct {
	// Host of the proxy, typically localhost.
	Host string

	// Port of the proxy. Zero means no port was supplied, in which case the
	// default port of the request scheme is used.
	Port int

	// Mode of the session.
	Mode Mode
}

// Validate checks that c can be used to start a session.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("proxy host is required")
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("unsupported proxy mode %s", c.Mode)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("proxy port %d out of range", c.Port)
	}
	return nil
}

// hostport returns the authority used to reach the proxy.
// IPv6 hosts may be given with or without brackets.
func (c Config) hostport() string {
	host := strings.TrimSuffix(strings.TrimPrefix(c.Host, "["), "]")
	if c.Port == 0 {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// controlURL returns the URL of a control endpoint, e.g. /record/start.
func (c Config) controlURL(action string) string {
	return "https://" + c.hostport() + "/" + c.Mode.String() + "/" + action
}
