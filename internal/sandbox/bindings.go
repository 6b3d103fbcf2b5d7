package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/kvstore"
)

// binder wires the invocation capabilities into the runtime globals.
type binder struct {
	vm      *goja.Runtime
	inv     Invocation
	resp    *Response
	capture *logCapture
	ctx     context.Context
	onFatal func(error)

	requestValue  goja.Value
	responseValue goja.Value
}

func (b *binder) install() error {
	b.requestValue = b.buildRequest()
	b.responseValue = b.buildResponse()

	globals := map[string]any{
		"request":  b.requestValue,
		"response": b.responseValue,
		"console":  b.buildConsole(),
		"fetch":    b.fetch,
		"kv":       b.buildKV(),
		"env":      b.inv.Env,
		"readFile": b.readFile,
	}
	for name, v := range globals {
		if err := b.vm.GlobalObject().Set(name, v); err != nil {
			return fault.Wrap(fault.KindInternal, "install sandbox global "+name, err)
		}
	}
	return nil
}

// throw raises err inside the runtime, preserving its kind for the engine.
// Errors carrying fatal kinds also doom the invocation regardless of
// whether the handler catches the throw.
func (b *binder) throw(err error) {
	var ferr *fault.Error
	if errors.As(err, &ferr) {
		if ferr.Kind == fault.KindMemoryExhausted {
			b.onFatal(err)
		}
	}
	panic(b.vm.NewGoError(err))
}

func (b *binder) buildRequest() goja.Value {
	req := b.inv.Req
	obj := b.vm.NewObject()
	obj.Set("method", req.Method)
	obj.Set("url", req.URL)
	obj.Set("path", req.Path)
	obj.Set("headers", req.HeaderMap())
	obj.Set("query", req.QueryMap())
	obj.Set("cookies", req.Cookies)
	obj.Set("body", b.vm.ToValue(req.ParsedBody()))
	obj.Set("ip", req.ClientIP)
	obj.Set("get", func(name string) string { return req.Get(name) })
	obj.Set("is", func(probe string) bool { return req.Is(probe) })
	obj.Set("accepts", func(call goja.FunctionCall) goja.Value {
		var offered []string
		for _, arg := range call.Arguments {
			offered = append(offered, arg.String())
		}
		chosen := req.Accepts(offered)
		if chosen == "" {
			return b.vm.ToValue(false)
		}
		return b.vm.ToValue(chosen)
	})
	return obj
}

func (b *binder) buildResponse() goja.Value {
	obj := b.vm.NewObject()
	resp := b.resp

	// chainable non-terminal operations return the response object
	obj.Set("status", func(code int) goja.Value { resp.Status(code); return obj })
	obj.Set("setHeader", func(name, value string) goja.Value { resp.SetHeader(name, value); return obj })
	obj.Set("append", func(name, value string) goja.Value { resp.AppendHeader(name, value); return obj })
	obj.Set("removeHeader", func(name string) goja.Value { resp.RemoveHeader(name); return obj })
	obj.Set("type", func(t string) goja.Value { resp.Type(t); return obj })
	obj.Set("attachment", func(call goja.FunctionCall) goja.Value {
		name := ""
		if len(call.Arguments) > 0 {
			name = call.Arguments[0].String()
		}
		resp.Attachment(name)
		return obj
	})
	obj.Set("cookie", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			b.throw(fault.New(fault.KindHandlerError, "cookie(name, value, [options]) requires name and value"))
		}
		resp.Cookie(call.Arguments[0].String(), call.Arguments[1].String(), b.cookieOptions(call, 2))
		return obj
	})
	obj.Set("clearCookie", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			b.throw(fault.New(fault.KindHandlerError, "clearCookie(name, [options]) requires a name"))
		}
		resp.ClearCookie(call.Arguments[0].String(), b.cookieOptions(call, 1))
		return obj
	})

	obj.Set("json", func(v goja.Value) {
		if err := resp.JSON(v.Export()); err != nil {
			b.throw(err)
		}
	})
	obj.Set("send", func(call goja.FunctionCall) goja.Value {
		var data any
		if len(call.Arguments) > 0 {
			data = exportBody(call.Arguments[0])
		}
		if err := resp.Send(data); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	obj.Set("sendFile", func(path string) {
		if err := resp.SendFile(path); err != nil {
			b.throw(err)
		}
	})
	obj.Set("sendStatus", func(code int) {
		if err := resp.SendStatus(code); err != nil {
			b.throw(err)
		}
	})
	obj.Set("redirect", func(call goja.FunctionCall) goja.Value {
		code, url := 0, ""
		switch len(call.Arguments) {
		case 1:
			url = call.Arguments[0].String()
		case 2:
			code = int(call.Arguments[0].ToInteger())
			url = call.Arguments[1].String()
		default:
			b.throw(fault.New(fault.KindHandlerError, "redirect([status,] url) requires a url"))
		}
		if err := resp.Redirect(code, url); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	obj.Set("end", func(call goja.FunctionCall) goja.Value {
		var data []byte
		if len(call.Arguments) > 0 && !goja.IsUndefined(call.Arguments[0]) {
			switch v := exportBody(call.Arguments[0]).(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			}
		}
		if err := resp.End(data); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})

	obj.DefineAccessorProperty("headersSent",
		b.vm.ToValue(func() bool { return resp.HeadersSent() }),
		nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return obj
}

func (b *binder) cookieOptions(call goja.FunctionCall, idx int) CookieOptions {
	var opts CookieOptions
	if len(call.Arguments) <= idx {
		return opts
	}
	o, ok := call.Arguments[idx].(*goja.Object)
	if !ok {
		return opts
	}
	if v := o.Get("maxAge"); v != nil && !goja.IsUndefined(v) {
		opts.MaxAge = int(v.ToInteger())
	}
	if v := o.Get("path"); v != nil && !goja.IsUndefined(v) {
		opts.Path = v.String()
	}
	if v := o.Get("domain"); v != nil && !goja.IsUndefined(v) {
		opts.Domain = v.String()
	}
	if v := o.Get("secure"); v != nil && !goja.IsUndefined(v) {
		opts.Secure = v.ToBoolean()
	}
	if v := o.Get("httpOnly"); v != nil && !goja.IsUndefined(v) {
		opts.HTTPOnly = v.ToBoolean()
	}
	if v := o.Get("sameSite"); v != nil && !goja.IsUndefined(v) {
		opts.SameSite = v.String()
	}
	return opts
}

func exportBody(v goja.Value) any {
	exported := v.Export()
	if ab, ok := exported.(goja.ArrayBuffer); ok {
		return ab.Bytes()
	}
	return exported
}

func (b *binder) buildConsole() goja.Value {
	obj := b.vm.NewObject()
	logAt := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = formatConsoleValue(arg)
			}
			b.capture.add(level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	obj.Set("log", logAt("log"))
	obj.Set("info", logAt("info"))
	obj.Set("warn", logAt("warn"))
	obj.Set("error", logAt("error"))
	obj.Set("debug", logAt("debug"))
	return obj
}

func formatConsoleValue(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if data, err := obj.MarshalJSON(); err == nil {
			return string(data)
		}
	}
	return v.String()
}

// fetch performs an outbound HTTP request through the policy-guarded
// client. It blocks the isolate thread; combined with the event loop this
// keeps handler code free of host concurrency.
func (b *binder) fetch(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) < 1 {
		b.throw(fault.New(fault.KindHandlerError, "fetch(url, [options]) requires a url"))
	}
	url := call.Arguments[0].String()

	method := http.MethodGet
	var body io.Reader
	headers := map[string]string{}
	if len(call.Arguments) > 1 {
		if opts, ok := call.Arguments[1].(*goja.Object); ok {
			if v := opts.Get("method"); v != nil && !goja.IsUndefined(v) {
				method = strings.ToUpper(v.String())
			}
			if v := opts.Get("body"); v != nil && !goja.IsUndefined(v) {
				switch data := exportBody(v).(type) {
				case string:
					body = strings.NewReader(data)
				case []byte:
					body = strings.NewReader(string(data))
				}
			}
			if v := opts.Get("headers"); v != nil && !goja.IsUndefined(v) {
				if h, ok := v.Export().(map[string]any); ok {
					for name, hv := range h {
						headers[name] = fmt.Sprint(hv)
					}
				}
			}
		}
	}

	req, err := http.NewRequestWithContext(b.ctx, method, url, body)
	if err != nil {
		b.throw(fault.Newf(fault.KindHandlerError, "fetch: invalid request: %v", err))
	}
	for name, v := range headers {
		req.Header.Set(name, v)
	}

	res, err := b.inv.HTTPClient.Do(req)
	if err != nil {
		var ferr *fault.Error
		if errors.As(err, &ferr) {
			b.throw(ferr)
		}
		b.throw(fault.Newf(fault.KindHandlerError, "fetch %s: %v", url, err))
	}
	defer res.Body.Close()

	limit := b.inv.MaxBufferBytes
	reader := io.Reader(res.Body)
	if limit > 0 {
		reader = io.LimitReader(res.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		b.throw(fault.Newf(fault.KindHandlerError, "fetch %s: read body: %v", url, err))
	}
	if limit > 0 && int64(len(data)) > limit {
		b.throw(fault.Newf(fault.KindMemoryExhausted, "fetch %s: response exceeds %d byte limit", url, limit))
	}

	resHeaders := make(map[string]string, len(res.Header))
	for name := range res.Header {
		resHeaders[strings.ToLower(name)] = res.Header.Get(name)
	}

	obj := b.vm.NewObject()
	obj.Set("status", res.StatusCode)
	obj.Set("ok", res.StatusCode >= 200 && res.StatusCode < 300)
	obj.Set("headers", resHeaders)
	obj.Set("text", func() string { return string(data) })
	obj.Set("json", func() goja.Value {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			b.throw(fault.Newf(fault.KindHandlerError, "fetch %s: body is not JSON: %v", url, err))
		}
		return b.vm.ToValue(parsed)
	})
	obj.Set("arrayBuffer", func() goja.ArrayBuffer { return b.vm.NewArrayBuffer(data) })
	return obj
}

func (b *binder) buildKV() goja.Value {
	obj := b.vm.NewObject()
	store := b.inv.KV
	projectID := b.inv.ProjectID

	kvCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(b.ctx, 5*time.Second)
	}

	obj.Set("get", func(key string) goja.Value {
		ctx, cancel := kvCtx()
		defer cancel()
		val, err := store.Get(ctx, projectID, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			return goja.Null()
		}
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(string(val))
	})
	obj.Set("set", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			b.throw(fault.New(fault.KindHandlerError, "kv.set(key, value, [ttlSeconds]) requires key and value"))
		}
		key := call.Arguments[0].String()
		value := call.Arguments[1].String()
		if b.inv.MaxBufferBytes > 0 && int64(len(value)) > b.inv.MaxBufferBytes {
			b.throw(fault.Newf(fault.KindMemoryExhausted, "kv value exceeds %d byte limit", b.inv.MaxBufferBytes))
		}
		var ttl time.Duration
		if len(call.Arguments) > 2 {
			ttl = time.Duration(call.Arguments[2].ToInteger()) * time.Second
		}
		ctx, cancel := kvCtx()
		defer cancel()
		if err := store.Set(ctx, projectID, key, []byte(value), ttl); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	obj.Set("delete", func(key string) {
		ctx, cancel := kvCtx()
		defer cancel()
		if err := store.Delete(ctx, projectID, key); err != nil {
			b.throw(err)
		}
	})
	return obj
}

// readFile exposes the package directory read-only.
func (b *binder) readFile(path string) string {
	full := filepath.Clean(filepath.Join(b.inv.PkgRoot, filepath.FromSlash(path)))
	if full != b.inv.PkgRoot && !strings.HasPrefix(full, b.inv.PkgRoot+string(os.PathSeparator)) {
		b.throw(fault.Newf(fault.KindForbidden, "readFile path %q escapes package root", path))
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		b.throw(fault.Newf(fault.KindNotFound, "readFile: %q not found", path))
	}
	if b.inv.MaxBufferBytes > 0 && info.Size() > b.inv.MaxBufferBytes {
		b.throw(fault.Newf(fault.KindMemoryExhausted, "readFile: %q exceeds buffer limit", path))
	}
	data, err := os.ReadFile(full)
	if err != nil {
		b.throw(fault.Wrap(fault.KindInternal, "readFile", err))
	}
	return string(data)
}
