// Package gateway exposes project functions on public routes: it resolves
// host and path to a route, enforces the route's auth methods, and proxies
// admitted requests to the executor.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/heliosfn/helios/internal/config"
	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/metrics"
	"github.com/heliosfn/helios/internal/notify"
	"github.com/heliosfn/helios/internal/observability"
	"github.com/heliosfn/helios/internal/store"
)

type Gateway struct {
	cfg    config.GatewayConfig
	router *Router
	auth   *authenticator
	proxy  *proxy
}

func New(cfg config.GatewayConfig, s store.MetadataStore) (*Gateway, error) {
	p, err := newProxy(cfg.ExecutorURL, cfg.ProxyTimeout)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:    cfg,
		router: NewRouter(s),
		auth:   newAuthenticator(cfg.ExecutorURL, cfg.AuthTimeout),
		proxy:  p,
	}, nil
}

// Router exposes the route table, mainly so callers can trigger the initial
// load before serving.
func (g *Gateway) Router() *Router { return g.router }

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Global().Handler())
	mux.HandleFunc("/", g.serveRoute)
	return observability.HTTPMiddleware(mux)
}

func (g *Gateway) serveRoute(w http.ResponseWriter, r *http.Request) {
	res, ok := g.router.Resolve(r.Host, r.URL.Path)
	if !ok {
		metrics.Global().RecordGatewayRequest("unmatched", http.StatusNotFound)
		writeJSONError(w, http.StatusNotFound, "no route")
		return
	}
	routePath := res.Route.route.Path

	if !res.Route.allowsMethod(r.Method) {
		metrics.Global().RecordGatewayRequest(routePath, http.StatusMethodNotAllowed)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Method == http.MethodOptions {
		handlePreflight(w, r, res.Route)
		metrics.Global().RecordGatewayRequest(routePath, http.StatusNoContent)
		return
	}

	if err := g.auth.authorize(r.Context(), r, res); err != nil {
		status := g.writeAuthFailure(w, err)
		metrics.Global().RecordGatewayRequest(routePath, status)
		return
	}

	applyCORS(w, r, res.Route.route.CORS)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	g.proxy.forward(rec, r, res)
	metrics.Global().RecordGatewayRequest(routePath, rec.status)
}

// writeAuthFailure maps an auth error to the client response and returns the
// status it wrote. A middleware verdict passes through verbatim.
func (g *Gateway) writeAuthFailure(w http.ResponseWriter, err error) int {
	var rej *middlewareRejection
	if errors.As(err, &rej) {
		for name, values := range rej.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(rej.Status)
		w.Write(rej.Body)
		return rej.Status
	}

	kind := fault.KindOf(err)
	status := fault.HTTPStatus(kind)
	writeJSONError(w, status, string(kind))
	return status
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}

// Flush keeps streamed upstream responses streaming through the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// NotifyHandler reloads the route table when gateway topology changes. The
// debouncer has already collapsed bursts, so a full reload per event is
// affordable.
func (g *Gateway) NotifyHandler() notify.Handler {
	return func(ev notify.Event) {
		metrics.Global().RecordNotification(ev.Channel)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.router.Reload(ctx); err != nil {
			logging.Op().Error("route reload failed", "error", err)
		}
	}
}

// OnReconnect refreshes the table after a listener gap, since invalidations
// issued meanwhile are lost.
func (g *Gateway) OnReconnect() func() {
	return func() {
		logging.Op().Info("notify listener reconnected, reloading routes")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.router.Reload(ctx); err != nil {
			logging.Op().Error("route reload failed", "error", err)
		}
	}
}

// Serve runs the gateway HTTP server until ctx is cancelled, then drains.
func (g *Gateway) Serve(ctx context.Context, grace time.Duration) error {
	srv := &http.Server{
		Addr:              g.cfg.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("gateway listening", "addr", g.cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
