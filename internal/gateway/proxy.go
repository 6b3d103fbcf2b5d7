package gateway

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/logging"
)

// proxy forwards admitted requests to the executor's invoke endpoint.
type proxy struct {
	rp      *httputil.ReverseProxy
	timeout time.Duration
}

func newProxy(executorURL string, timeout time.Duration) (*proxy, error) {
	target, err := url.Parse(executorURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "parse executor url", err)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// the path was rewritten before the proxy ran
			pr.Out.URL.Path = pr.In.URL.Path
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.Out.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if r.Context().Err() != nil {
				logging.Op().Warn("upstream invoke timed out", "path", r.URL.Path)
				writeJSONError(w, http.StatusGatewayTimeout, string(fault.KindTimeout))
				return
			}
			logging.Op().Error("executor unreachable", "error", err)
			writeJSONError(w, http.StatusBadGateway, "executor unreachable")
		},
	}
	return &proxy{rp: rp, timeout: timeout}, nil
}

// forward rewrites the request to the executor's invoke path and proxies it.
// tail is what remains of the client path after the route template; the
// route's PathRewrite, when set, replaces the template part.
func (p *proxy) forward(w http.ResponseWriter, r *http.Request, res *Resolution) {
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	r = r.WithContext(ctx)
	r.URL.Path = invokePath(res)
	p.rp.ServeHTTP(w, r)
}

func invokePath(res *Resolution) string {
	path := "/invoke/" + res.Route.route.FunctionID

	rewritten := res.Tail
	if rw := res.Route.route.PathRewrite; rw != "" {
		rewritten = strings.Trim(rw, "/")
		if res.Tail != "" {
			rewritten += "/" + res.Tail
		}
	}
	if rewritten != "" {
		path += "/" + rewritten
	}
	return path
}
