package executor

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/heliosfn/helios/internal/config"
	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/kvstore"
	"github.com/heliosfn/helios/internal/pkgcache"
	"github.com/heliosfn/helios/internal/pool"
	"github.com/heliosfn/helios/internal/sandbox"
	"github.com/heliosfn/helios/internal/store"
)

type stubStore struct {
	store.MetadataStore

	mu      sync.Mutex
	fn      *domain.Function
	version *domain.FunctionVersion
	env     map[string]string
	logs    []*domain.ExecutionLog
}

func (s *stubStore) GetFunction(_ context.Context, id string) (*domain.Function, error) {
	if s.fn == nil || s.fn.ID != id {
		return nil, fault.Newf(fault.KindNotFound, "function %s not found", id)
	}
	return s.fn, nil
}

func (s *stubStore) GetActiveVersion(_ context.Context, _ string) (*domain.FunctionVersion, error) {
	if s.version == nil {
		return nil, fault.New(fault.KindNotFound, "no active version")
	}
	return s.version, nil
}

func (s *stubStore) GetEnvVars(_ context.Context, _ string) (map[string]string, error) {
	return s.env, nil
}

func (s *stubStore) GetProjectPolicies(_ context.Context, _ string) ([]*domain.NetworkPolicyRule, error) {
	return nil, nil
}

func (s *stubStore) GetGlobalPolicies(_ context.Context) ([]*domain.NetworkPolicyRule, error) {
	return nil, nil
}

func (s *stubStore) InsertExecutionLogs(_ context.Context, logs []*domain.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, logs...)
	return nil
}

func (s *stubStore) Ping(_ context.Context) error { return nil }

type memFetcher struct {
	objects map[string][]byte
}

func (f *memFetcher) Get(_ context.Context, key string) (io.ReadCloser, int64, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, 0, fault.Newf(fault.KindPackageMissing, "no object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func packArchive(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(content))
	}
	tw.Close()
	gz.Close()
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// newTestEngine builds an engine around a single deployed function.
func newTestEngine(t *testing.T, fn *domain.Function, script string) (*Engine, *stubStore) {
	t.Helper()
	archive, hash := packArchive(t, map[string]string{"index.js": script})

	stub := &stubStore{
		fn:      fn,
		version: &domain.FunctionVersion{ID: "v1", FunctionID: fn.ID, Version: 1, PackageHash: hash},
		env:     map[string]string{"GREETING": "hello"},
	}
	fetcher := &memFetcher{objects: map[string][]byte{
		"functions/" + fn.ID + "/" + hash + ".tgz": archive,
	}}

	cache, err := pkgcache.New(fetcher, pkgcache.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("pkgcache.New: %v", err)
	}
	isoPool := pool.NewWithFactory(config.PoolConfig{MaxPoolSize: 2, MinPool: 1, AcquireTimeout: time.Second}, sandbox.NewIsolate)
	t.Cleanup(isoPool.Close)

	e := New(store.NewCachedMetadataStore(stub, time.Minute), cache, isoPool, kvstore.NewMemoryStore(nil), config.ExecutorConfig{
		ExecutionTimeout: 2 * time.Second,
		MaxBufferBytes:   1 << 20,
	})
	return e, stub
}

func TestInvokePipeline(t *testing.T) {
	fn := &domain.Function{ID: "f1", ProjectID: "p1", Name: "hello", Active: true}
	e, _ := newTestEngine(t, fn, `
module.exports = function(req, res) {
	res.status(200).json({greeting: env.GREETING, path: req.path});
};`)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/invoke/f1/orders", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("status %d, body %s", resp.StatusCode, body)
	}
	for _, want := range []string{`"greeting":"hello"`, `"path":"/orders"`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("body %s missing %s", body, want)
		}
	}
}

func TestInvokeUnknownFunction(t *testing.T) {
	fn := &domain.Function{ID: "f1", ProjectID: "p1", Name: "hello", Active: true}
	e, _ := newTestEngine(t, fn, `module.exports = (req, res) => res.send("ok");`)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/invoke/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestInvokeAdmission(t *testing.T) {
	key := "secret-key-123"
	fn := &domain.Function{
		ID: "f1", ProjectID: "p1", Name: "guarded", Active: true,
		RequiresAPIKey: true, APIKeyHash: hashKey(key),
	}
	e, _ := newTestEngine(t, fn, `module.exports = (req, res) => res.send("admitted");`)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	// no key
	resp, _ := http.Get(srv.URL + "/invoke/f1")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", resp.StatusCode)
	}

	// wrong key
	req, _ := http.NewRequest("GET", srv.URL+"/invoke/f1", nil)
	req.Header.Set("x-api-key", "wrong")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: expected 401, got %d", resp.StatusCode)
	}

	// bearer form
	req, _ = http.NewRequest("GET", srv.URL+"/invoke/f1", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, _ = http.DefaultClient.Do(req)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "admitted" {
		t.Fatalf("bearer: got %d %q", resp.StatusCode, body)
	}

	// x-api-key form
	req, _ = http.NewRequest("GET", srv.URL+"/invoke/f1", nil)
	req.Header.Set("x-api-key", key)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("x-api-key: expected 200, got %d", resp.StatusCode)
	}
}

func TestHandlerErrorRedacted(t *testing.T) {
	fn := &domain.Function{ID: "f1", ProjectID: "p1", Name: "broken", Active: true}
	e, stub := newTestEngine(t, fn, `
module.exports = function(req, res) { throw new Error("database password is hunter2"); };`)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/invoke/f1")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"error":"internal"`) {
		t.Fatalf("expected redacted body, got %s", body)
	}
	if strings.Contains(string(body), "hunter2") {
		t.Fatalf("error detail leaked to client: %s", body)
	}

	// the full error reaches the execution log
	e.batcher.Shutdown(2 * time.Second)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.logs) == 0 {
		t.Fatal("expected an execution log entry")
	}
	last := stub.logs[len(stub.logs)-1]
	if !strings.Contains(last.ErrorMessage, "hunter2") {
		t.Fatalf("execution log lost the error detail: %+v", last)
	}
	if last.ErrorKind != string(fault.KindHandlerError) {
		t.Fatalf("error kind %q", last.ErrorKind)
	}
}

func TestNoTerminalIs204(t *testing.T) {
	fn := &domain.Function{ID: "f1", ProjectID: "p1", Name: "quiet", Active: true}
	e, _ := newTestEngine(t, fn, `module.exports = function(req, res) {};`)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/invoke/f1")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestInactiveFunctionIs404(t *testing.T) {
	fn := &domain.Function{ID: "f1", ProjectID: "p1", Name: "off", Active: false}
	e, _ := newTestEngine(t, fn, `module.exports = (req, res) => res.send("x");`)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, _ := http.Get(srv.URL + "/invoke/f1")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:54321"
	if ip := clientIP(r); ip != "10.0.0.1" {
		t.Fatalf("remote addr: got %q", ip)
	}

	r.Header.Set("X-Real-IP", "198.51.100.7")
	if ip := clientIP(r); ip != "198.51.100.7" {
		t.Fatalf("x-real-ip: got %q", ip)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")
	if ip := clientIP(r); ip != "203.0.113.9" {
		t.Fatalf("x-forwarded-for: got %q", ip)
	}
}
