package sandbox

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/heliosfn/helios/internal/fault"
)

// Request is the immutable view of the inbound invocation handed to the
// handler.
type Request struct {
	Method   string
	URL      string
	Path     string
	Query    url.Values
	Header   http.Header
	Cookies  map[string]string
	RawBody  []byte
	ClientIP string
}

// NewRequest captures an inbound HTTP request, reading at most maxBytes of
// body. A maxBytes of zero or less leaves the body uncapped.
func NewRequest(r *http.Request, tail string, clientIP string, maxBytes int64) (*Request, error) {
	var body []byte
	if r.Body != nil {
		reader := io.Reader(r.Body)
		if maxBytes > 0 {
			reader = io.LimitReader(r.Body, maxBytes+1)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fault.Wrap(fault.KindBadRequest, "read request body", err)
		}
		if maxBytes > 0 && int64(len(data)) > maxBytes {
			return nil, fault.Newf(fault.KindMemoryExhausted, "request body exceeds %d byte limit", maxBytes)
		}
		body = data
	}

	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}

	path := tail
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return &Request{
		Method:   r.Method,
		URL:      r.URL.String(),
		Path:     path,
		Query:    r.URL.Query(),
		Header:   r.Header,
		Cookies:  cookies,
		RawBody:  body,
		ClientIP: clientIP,
	}, nil
}

// Get reads a header case-insensitively.
func (r *Request) Get(name string) string {
	return r.Header.Get(name)
}

// Is checks the request Content-Type against a type or shorthand.
func (r *Request) Is(probe string) bool {
	return typeIs(r.Header.Get("Content-Type"), probe)
}

// Accepts negotiates the given offers against the Accept header and returns
// the chosen offer, or "" when none is acceptable.
func (r *Request) Accepts(offered []string) string {
	if len(offered) == 0 {
		return ""
	}
	return negotiate(r.Header.Get("Accept"), offered)
}

// ParsedBody returns the JSON-decoded body when the Content-Type is JSON,
// the raw bytes otherwise. A JSON body that fails to parse is handed over
// raw; the handler decides what to do with it.
func (r *Request) ParsedBody() any {
	if len(r.RawBody) == 0 {
		return nil
	}
	if typeIs(r.Header.Get("Content-Type"), "json") || typeIs(r.Header.Get("Content-Type"), "+json") {
		var parsed any
		if err := json.Unmarshal(r.RawBody, &parsed); err == nil {
			return parsed
		}
	}
	return r.RawBody
}

// HeaderMap flattens headers to a lowercase-keyed map for the JS bridge.
// Multi-valued headers are comma-joined.
func (r *Request) HeaderMap() map[string]string {
	out := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

// QueryMap flattens query parameters, keeping the first value per key.
func (r *Request) QueryMap() map[string]string {
	out := make(map[string]string, len(r.Query))
	for key, values := range r.Query {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}
