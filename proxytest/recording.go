package proxytest

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// An Entry is a single recorded request-response exchange.
type Entry struct {
	Request  *Request  `yaml:"request"`
	Response *Response `yaml:"response"`
}

// A Request is a recorded upstream request. URL is the full upstream URL,
// rebuilt from the x-recording-upstream-base-uri header and the redirected
// path.
//
// The headers are flattened to a simple key-value map. The underlying request
// may contain multiple value for each key but in practice this is not very
// common and working with a simple key-value map is much more convenient.
type Request struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
}

// A Response is a recorded upstream response.
type Response struct {
	StatusCode int               `yaml:"status_code"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Body       string            `yaml:"body,omitempty"`
}

func (e Entry) clone() Entry {
	req, resp := *e.Request, *e.Response
	req.Headers = copyHeaders(req.Headers)
	resp.Headers = copyHeaders(resp.Headers)
	return Entry{Request: &req, Response: &resp}
}

func copyHeaders(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// A Filter modifies an entry before the recording is saved.
//
// Filters run when a record session is stopped, with the primary purpose
// being to keep sensitive data out of the recording file.
type Filter func(entry *Entry)

// RemoveRequestHeader removes a header with the given name from the request.
// The name of the header is case-sensitive.
func RemoveRequestHeader(name string) Filter {
	return func(e *Entry) {
		delete(e.Request.Headers, name)
	}
}

// RemoveResponseHeader removes a header with the given name from the response.
// The name of the header is case-sensitive.
func RemoveResponseHeader(name string) Filter {
	return func(e *Entry) {
		delete(e.Response.Headers, name)
	}
}

const separator = "\n---\n"

// ReadRecording loads the entries of a recording file written by a record
// session.
func ReadRecording(filename string) ([]Entry, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for i, doc := range bytes.Split(b, []byte(separator)) {
		var e Entry
		if err := yaml.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry %d from %s: %v", i, filename, err)
		}
		if e.Request == nil || e.Response == nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// writeRecording replaces filename with entries. Any subdirectories are
// created if needed.
func writeRecording(filename string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return err
	}
	var buf bytes.Buffer
	now := time.Now().UTC().Round(time.Second)
	for i, e := range entries {
		if i > 0 {
			buf.WriteString(separator + "\n")
		}
		fmt.Fprintf(&buf, "# request %d\n", i)
		fmt.Fprintf(&buf, "# saved %s\n", now)
		b, err := yaml.Marshal(e)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return os.WriteFile(filename, buf.Bytes(), 0644)
}

// selectOnce picks the first entry matching method and url that has not been
// used yet. The method and url are case-insensitive.
func selectOnce(entries []Entry, used map[int]bool, method, url string) (Entry, bool) {
	for i, e := range entries {
		if !strings.EqualFold(e.Request.Method, method) {
			continue
		} else if !strings.EqualFold(e.Request.URL, url) {
			continue
		}
		if !used[i] {
			used[i] = true
			return e, true
		}
	}
	return Entry{}, false
}

func flattenHeader(in http.Header) map[string]string {
	out := make(map[string]string, len(in))
	for k, vv := range in {
		if len(vv) > 0 {
			out[k] = vv[0]
		}
	}
	return out
}

func expandHeader(in map[string]string) http.Header {
	out := make(http.Header, len(in))
	for k, v := range in {
		out.Set(k, v)
	}
	return out
}
