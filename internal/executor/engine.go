// Package executor is the execution engine: it admits invocation requests,
// materializes the function package, runs the handler in a pooled isolate
// and records the outcome.
package executor

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/heliosfn/helios/internal/config"
	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/kvstore"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/metrics"
	"github.com/heliosfn/helios/internal/netpolicy"
	"github.com/heliosfn/helios/internal/observability"
	"github.com/heliosfn/helios/internal/pkgcache"
	"github.com/heliosfn/helios/internal/pool"
	"github.com/heliosfn/helios/internal/sandbox"
	"github.com/heliosfn/helios/internal/store"
)

// Engine runs the invocation pipeline.
type Engine struct {
	store   *store.CachedMetadataStore
	cache   *pkgcache.Cache
	pool    *pool.Pool
	kv      kvstore.Store
	cfg     config.ExecutorConfig
	batcher *logBatcher
	reqLog  *logging.Logger

	closing  atomic.Bool
	inFlight sync.WaitGroup
}

// New wires the engine.
func New(cached *store.CachedMetadataStore, cache *pkgcache.Cache, isoPool *pool.Pool, kv kvstore.Store, cfg config.ExecutorConfig) *Engine {
	return &Engine{
		store:   cached,
		cache:   cache,
		pool:    isoPool,
		kv:      kv,
		cfg:     cfg,
		batcher: newLogBatcher(cached),
		reqLog:  logging.Default(),
	}
}

// Store exposes the cached metadata store for the notify consumer.
func (e *Engine) Store() *store.CachedMetadataStore { return e.store }

// Cache exposes the package cache for the notify consumer.
func (e *Engine) Cache() *pkgcache.Cache { return e.cache }

// invocationResult is what Invoke hands to the HTTP edge.
type invocationResult struct {
	Result    sandbox.Result
	Terminal  bool
	ColdStart bool
	Function  *domain.Function
}

// Invoke runs the whole pipeline for one request. The returned error always
// carries a fault kind.
func (e *Engine) Invoke(ctx context.Context, functionID, tail string, r *http.Request) (*invocationResult, error) {
	if e.closing.Load() {
		return nil, fault.New(fault.KindOverloaded, "executor is shutting down")
	}
	e.inFlight.Add(1)
	defer e.inFlight.Done()

	ctx, span := observability.StartSpan(ctx, "executor.invoke",
		observability.AttrFunctionID.String(functionID))
	defer span.End()

	fn, err := e.store.GetFunction(ctx, functionID)
	if err != nil {
		return nil, err
	}
	if !fn.Active {
		return nil, fault.Newf(fault.KindNotFound, "function %s is inactive", functionID)
	}

	if fn.RequiresAPIKey {
		if err := admit(fn, r); err != nil {
			return nil, err
		}
	}

	version, err := e.store.GetActiveVersion(ctx, functionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, fault.Newf(fault.KindNotFound, "function %s has no active version", functionID)
	}

	req, err := sandbox.NewRequest(r, tail, clientIP(r), e.cfg.MaxBufferBytes)
	if err != nil {
		return nil, err
	}

	// metadata and package loads are independent of each other
	var (
		lease   *pkgcache.Lease
		env     map[string]string
		project []*domain.NetworkPolicyRule
		global  []*domain.NetworkPolicyRule
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lease, err = e.cache.Resolve(gctx, functionID, version.PackageHash)
		return err
	})
	g.Go(func() error {
		var err error
		env, err = e.store.GetEnvVars(gctx, functionID)
		return err
	})
	g.Go(func() error {
		var err error
		project, err = e.store.GetProjectPolicies(gctx, fn.ProjectID)
		return err
	})
	g.Go(func() error {
		var err error
		global, err = e.store.GetGlobalPolicies(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		if lease != nil {
			lease.Release()
		}
		return nil, err
	}
	defer lease.Release()

	entry, err := pkgcache.EntryPoint(lease.Dir)
	if err != nil {
		return nil, err
	}

	handle, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(handle)
	span.SetAttributes(observability.AttrColdStart.Bool(handle.ColdStart))

	// the rule source re-reads the cache so mid-flight invalidations take
	// effect on the next dial
	projectID := fn.ProjectID
	rules := func() []*domain.NetworkPolicyRule {
		p, errP := e.store.GetProjectPolicies(ctx, projectID)
		gl, errG := e.store.GetGlobalPolicies(ctx)
		if errP != nil || errG != nil {
			return netpolicy.Merge(project, global)
		}
		return netpolicy.Merge(p, gl)
	}
	dialer := netpolicy.NewGuardedDialer(rules)

	outcome, err := handle.Isolate.Invoke(ctx, sandbox.Invocation{
		Req:            req,
		PkgRoot:        lease.Dir,
		Entry:          entry,
		Env:            env,
		ProjectID:      projectID,
		KV:             e.kv,
		HTTPClient:     dialer.HTTPClient(e.cfg.ExecutionTimeout),
		Timeout:        e.cfg.ExecutionTimeout,
		MaxBufferBytes: e.cfg.MaxBufferBytes,
	})
	if err != nil {
		return &invocationResult{ColdStart: handle.ColdStart, Function: fn}, err
	}
	return &invocationResult{
		Result:    outcome.Result,
		Terminal:  outcome.Terminal,
		ColdStart: handle.ColdStart,
		Function:  fn,
	}, nil
}

// admit checks the presented API key against the stored hash in constant
// time. The key may arrive as a bearer token or in x-api-key.
func admit(fn *domain.Function, r *http.Request) error {
	presented := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	if presented == "" {
		presented = r.Header.Get("x-api-key")
	}
	if presented == "" {
		return fault.New(fault.KindUnauthorized, "missing api key")
	}

	sum := sha256.Sum256([]byte(presented))
	presentedHash := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(presentedHash), []byte(strings.ToLower(fn.APIKeyHash))) != 1 {
		return fault.New(fault.KindUnauthorized, "invalid api key")
	}
	return nil
}

// clientIP prefers forwarding headers set by the gateway.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

// record writes the invocation to the execution log, the request log and
// the metrics registry.
func (e *Engine) record(res *invocationResult, functionID string, req *http.Request, status int, duration time.Duration, reqSize, respSize int, invErr error) {
	name := functionID
	if res != nil && res.Function != nil {
		name = res.Function.Name
	}
	cold := res != nil && res.ColdStart

	entry := &domain.ExecutionLog{
		ID:           uuid.NewString(),
		FunctionID:   functionID,
		StatusCode:   status,
		DurationMs:   duration.Milliseconds(),
		RequestSize:  reqSize,
		ResponseSize: respSize,
		ClientIP:     clientIP(req),
		UserAgent:    req.UserAgent(),
		CreatedAt:    time.Now(),
	}
	logEntry := &logging.RequestLog{
		RequestID:   entry.ID,
		TraceID:     observability.GetTraceID(req.Context()),
		FunctionID:  functionID,
		Function:    name,
		Method:      req.Method,
		Path:        req.URL.Path,
		StatusCode:  status,
		DurationMs:  entry.DurationMs,
		ColdStart:   cold,
		RequestSize: reqSize,
	}
	if invErr != nil {
		entry.ErrorKind = string(fault.KindOf(invErr))
		entry.ErrorMessage = invErr.Error()
		logEntry.ErrorKind = entry.ErrorKind
		logEntry.Error = invErr.Error()
	}
	logEntry.ResponseSize = respSize

	e.batcher.Enqueue(entry)
	e.reqLog.Log(logEntry)
	metrics.Global().RecordInvocation(name, statusLabel(status), duration, cold)
}

func statusLabel(status int) string {
	switch {
	case status < 400:
		return "ok"
	case status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}

// Shutdown stops admission, waits for in-flight invocations up to the
// grace period, then flushes logs and tears down the pool.
func (e *Engine) Shutdown(grace time.Duration) {
	e.closing.Store(true)

	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logging.Op().Warn("shutdown grace elapsed with invocations in flight")
	}

	e.batcher.Shutdown(5 * time.Second)
	e.pool.Close()
}
