package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/metrics"
	"github.com/heliosfn/helios/internal/observability"
)

// Handler builds the executor HTTP surface.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/invoke/{functionId}", e.handleInvoke)
	mux.HandleFunc("/invoke/{functionId}/{tail...}", e.handleInvoke)
	mux.HandleFunc("/healthz", e.handleHealth)
	mux.Handle("/metrics", metrics.Global().Handler())
	return observability.HTTPMiddleware(mux)
}

func (e *Engine) handleInvoke(w http.ResponseWriter, r *http.Request) {
	functionID := r.PathValue("functionId")
	tail := r.PathValue("tail")
	start := time.Now()

	res, err := e.Invoke(r.Context(), functionID, tail, r)
	duration := time.Since(start)

	reqSize := int(r.ContentLength)
	if reqSize < 0 {
		reqSize = 0
	}

	if err != nil {
		status := fault.HTTPStatus(fault.KindOf(err))
		writeFaultResponse(w, status, err)
		e.record(res, functionID, r, status, duration, reqSize, 0, err)
		return
	}

	// a handler that finished without a terminal operation produced
	// nothing to send
	if !res.Terminal {
		w.WriteHeader(http.StatusNoContent)
		e.record(res, functionID, r, http.StatusNoContent, duration, reqSize, 0, nil)
		return
	}

	for name, values := range res.Result.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	for _, c := range res.Result.Cookies {
		http.SetCookie(w, c)
	}
	w.WriteHeader(res.Result.Status)
	w.Write(res.Result.Body)

	e.record(res, functionID, r, res.Result.Status, duration, reqSize, len(res.Result.Body), nil)
}

// writeFaultResponse maps an error to the client-visible body. Handler and
// platform internals are redacted; the full error lands in the execution
// log only.
func writeFaultResponse(w http.ResponseWriter, status int, err error) {
	kind := fault.KindOf(err)

	w.Header().Set("Content-Type", "application/json")
	if kind == fault.KindOverloaded {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)

	body := map[string]string{"error": string(kind)}
	if status == http.StatusInternalServerError {
		body["error"] = "internal"
	}
	json.NewEncoder(w).Encode(body)
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := e.store.Ping(ctx); err != nil {
		http.Error(w, "metadata store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Serve runs the executor HTTP server until ctx is cancelled, then drains.
func (e *Engine) Serve(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("executor listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	e.Shutdown(grace)
	return nil
}
