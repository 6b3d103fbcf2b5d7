package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heliosfn/helios/internal/fault"
)

// Response collects what the handler builds. Exactly one terminal operation
// takes effect per invocation; later terminals are no-ops. All writes are
// bounded by maxBytes.
type Response struct {
	status      int
	header      http.Header
	cookies     []*http.Cookie
	body        bytes.Buffer
	terminal    bool
	headersSent bool

	maxBytes int64
	pkgRoot  string
}

// NewResponse creates a builder bound to the package root for sendFile.
func NewResponse(pkgRoot string, maxBytes int64) *Response {
	return &Response{
		status:   http.StatusOK,
		header:   make(http.Header),
		maxBytes: maxBytes,
		pkgRoot:  pkgRoot,
	}
}

// Terminal reports whether a terminal operation has run.
func (r *Response) Terminal() bool { return r.terminal }

// HeadersSent mirrors the JS-visible flag.
func (r *Response) HeadersSent() bool { return r.headersSent }

// Status sets the status code. No-op after a terminal operation.
func (r *Response) Status(code int) {
	if r.terminal {
		return
	}
	r.status = code
}

func (r *Response) SetHeader(name, value string) {
	if r.terminal {
		return
	}
	r.header.Set(name, value)
}

func (r *Response) AppendHeader(name, value string) {
	if r.terminal {
		return
	}
	r.header.Add(name, value)
}

func (r *Response) RemoveHeader(name string) {
	if r.terminal {
		return
	}
	r.header.Del(name)
}

// CookieOptions is the subset of cookie attributes handlers may set.
type CookieOptions struct {
	MaxAge   int
	Path     string
	Domain   string
	Secure   bool
	HTTPOnly bool
	SameSite string
}

func (r *Response) Cookie(name, value string, opts CookieOptions) {
	if r.terminal {
		return
	}
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		MaxAge:   opts.MaxAge,
		Path:     opts.Path,
		Domain:   opts.Domain,
		Secure:   opts.Secure,
		HttpOnly: opts.HTTPOnly,
	}
	if c.Path == "" {
		c.Path = "/"
	}
	switch strings.ToLower(opts.SameSite) {
	case "strict":
		c.SameSite = http.SameSiteStrictMode
	case "lax":
		c.SameSite = http.SameSiteLaxMode
	case "none":
		c.SameSite = http.SameSiteNoneMode
	}
	r.cookies = append(r.cookies, c)
}

func (r *Response) ClearCookie(name string, opts CookieOptions) {
	opts.MaxAge = -1
	r.Cookie(name, "", opts)
	if len(r.cookies) > 0 {
		r.cookies[len(r.cookies)-1].Expires = time.Unix(0, 0)
	}
}

// Type sets Content-Type from a full media type or shorthand.
func (r *Response) Type(t string) {
	r.SetHeader("Content-Type", normalizeType(t))
}

// Attachment sets Content-Disposition, deriving the type from the filename
// extension when given.
func (r *Response) Attachment(filename string) {
	if filename == "" {
		r.SetHeader("Content-Disposition", "attachment")
		return
	}
	r.SetHeader("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(filename)))
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		r.SetHeader("Content-Type", ct)
	}
}

// JSON is terminal: serializes value and finishes the response.
func (r *Response) JSON(value any) error {
	if r.terminal {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fault.Wrap(fault.KindHandlerError, "serialize response", err)
	}
	if r.header.Get("Content-Type") == "" {
		r.header.Set("Content-Type", "application/json; charset=utf-8")
	}
	return r.finish(data)
}

// Send is terminal. Strings and bytes pass through; other values serialize
// as JSON.
func (r *Response) Send(data any) error {
	if r.terminal {
		return nil
	}
	switch v := data.(type) {
	case nil:
		return r.finish(nil)
	case string:
		if r.header.Get("Content-Type") == "" {
			r.header.Set("Content-Type", "text/html; charset=utf-8")
		}
		return r.finish([]byte(v))
	case []byte:
		if r.header.Get("Content-Type") == "" {
			r.header.Set("Content-Type", "application/octet-stream")
		}
		return r.finish(v)
	default:
		return r.JSON(data)
	}
}

// SendFile is terminal: serves a file from inside the package root only.
func (r *Response) SendFile(path string) error {
	if r.terminal {
		return nil
	}
	full := filepath.Clean(filepath.Join(r.pkgRoot, filepath.FromSlash(path)))
	if full != r.pkgRoot && !strings.HasPrefix(full, r.pkgRoot+string(os.PathSeparator)) {
		return fault.Newf(fault.KindForbidden, "sendFile path %q escapes package root", path)
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return fault.Newf(fault.KindNotFound, "sendFile: %q not found", path)
	}
	if r.maxBytes > 0 && info.Size() > r.maxBytes {
		return fault.Newf(fault.KindMemoryExhausted, "sendFile: %q exceeds response limit", path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "sendFile read", err)
	}
	if r.header.Get("Content-Type") == "" {
		if ct := mime.TypeByExtension(filepath.Ext(full)); ct != "" {
			r.header.Set("Content-Type", ct)
		}
	}
	return r.finish(data)
}

// Redirect is terminal. The default status is 302.
func (r *Response) Redirect(code int, url string) error {
	if r.terminal {
		return nil
	}
	if code == 0 {
		code = http.StatusFound
	}
	r.status = code
	r.header.Set("Location", url)
	return r.finish(nil)
}

// SendStatus is terminal: sets the code and sends its text as the body.
func (r *Response) SendStatus(code int) error {
	if r.terminal {
		return nil
	}
	r.status = code
	if r.header.Get("Content-Type") == "" {
		r.header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	return r.finish([]byte(http.StatusText(code)))
}

// End is terminal with an optional body.
func (r *Response) End(data []byte) error {
	if r.terminal {
		return nil
	}
	return r.finish(data)
}

func (r *Response) finish(data []byte) error {
	if r.maxBytes > 0 && int64(r.body.Len()+len(data)) > r.maxBytes {
		return fault.Newf(fault.KindMemoryExhausted, "response exceeds %d byte limit", r.maxBytes)
	}
	r.body.Write(data)
	r.terminal = true
	r.headersSent = true
	return nil
}

// Result is what the engine writes back to the HTTP caller.
type Result struct {
	Status  int
	Header  http.Header
	Cookies []*http.Cookie
	Body    []byte
}

// Result snapshots the built response. When no terminal operation ran the
// handler produced nothing: callers decide how to surface that (the engine
// sends 204).
func (r *Response) Result() Result {
	return Result{
		Status:  r.status,
		Header:  r.header,
		Cookies: r.cookies,
		Body:    r.body.Bytes(),
	}
}
