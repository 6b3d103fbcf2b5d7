package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heliosfn/helios/internal/domain"
)

// stubMetadataStore is a minimal stub implementing the methods under test.
// It delegates everything else to an embedded nil MetadataStore (those will
// panic if called unexpectedly, which is exactly what we want in tests).
type stubMetadataStore struct {
	MetadataStore

	fnCalls      atomic.Int64
	verCalls     atomic.Int64
	envCalls     atomic.Int64
	projPolCalls atomic.Int64
	globPolCalls atomic.Int64

	fn      *domain.Function
	ver     *domain.FunctionVersion
	env     map[string]string
	projPol []*domain.NetworkPolicyRule
	globPol []*domain.NetworkPolicyRule
}

func (s *stubMetadataStore) GetFunction(_ context.Context, _ string) (*domain.Function, error) {
	s.fnCalls.Add(1)
	if s.fn == nil {
		return nil, fmt.Errorf("function not found")
	}
	return s.fn, nil
}

func (s *stubMetadataStore) GetActiveVersion(_ context.Context, _ string) (*domain.FunctionVersion, error) {
	s.verCalls.Add(1)
	return s.ver, nil
}

func (s *stubMetadataStore) GetEnvVars(_ context.Context, _ string) (map[string]string, error) {
	s.envCalls.Add(1)
	return s.env, nil
}

func (s *stubMetadataStore) GetProjectPolicies(_ context.Context, _ string) ([]*domain.NetworkPolicyRule, error) {
	s.projPolCalls.Add(1)
	return s.projPol, nil
}

func (s *stubMetadataStore) GetGlobalPolicies(_ context.Context) ([]*domain.NetworkPolicyRule, error) {
	s.globPolCalls.Add(1)
	return s.globPol, nil
}

func TestCachedFunctionRead(t *testing.T) {
	stub := &stubMetadataStore{fn: &domain.Function{ID: "f1", Name: "hello"}}
	c := NewCachedMetadataStore(stub, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fn, err := c.GetFunction(ctx, "f1")
		if err != nil {
			t.Fatalf("GetFunction: %v", err)
		}
		if fn.Name != "hello" {
			t.Fatalf("unexpected function %+v", fn)
		}
	}
	if got := stub.fnCalls.Load(); got != 1 {
		t.Fatalf("expected 1 underlying read, got %d", got)
	}
}

func TestInvalidateEnvVarsForcesReload(t *testing.T) {
	stub := &stubMetadataStore{env: map[string]string{"API_URL": "v1"}}
	c := NewCachedMetadataStore(stub, time.Minute)
	ctx := context.Background()

	if _, err := c.GetEnvVars(ctx, "f1"); err != nil {
		t.Fatalf("GetEnvVars: %v", err)
	}
	stub.env = map[string]string{"API_URL": "v2"}

	// still cached
	env, _ := c.GetEnvVars(ctx, "f1")
	if env["API_URL"] != "v1" {
		t.Fatalf("expected cached value, got %q", env["API_URL"])
	}

	c.InvalidateEnvVars("f1")
	env, _ = c.GetEnvVars(ctx, "f1")
	if env["API_URL"] != "v2" {
		t.Fatalf("expected reloaded value, got %q", env["API_URL"])
	}
	if got := stub.envCalls.Load(); got != 2 {
		t.Fatalf("expected 2 underlying reads, got %d", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	stub := &stubMetadataStore{fn: &domain.Function{ID: "f1"}}
	c := NewCachedMetadataStore(stub, 10*time.Millisecond)
	ctx := context.Background()

	c.GetFunction(ctx, "f1")
	time.Sleep(20 * time.Millisecond)
	c.GetFunction(ctx, "f1")

	if got := stub.fnCalls.Load(); got != 2 {
		t.Fatalf("expected TTL to expire entry, got %d reads", got)
	}
}

func TestInvalidateAll(t *testing.T) {
	stub := &stubMetadataStore{
		fn:      &domain.Function{ID: "f1"},
		globPol: []*domain.NetworkPolicyRule{{ID: "g1"}},
	}
	c := NewCachedMetadataStore(stub, time.Minute)
	ctx := context.Background()

	c.GetFunction(ctx, "f1")
	c.GetGlobalPolicies(ctx)
	c.InvalidateAll()
	c.GetFunction(ctx, "f1")
	c.GetGlobalPolicies(ctx)

	if got := stub.fnCalls.Load(); got != 2 {
		t.Fatalf("expected function reload after InvalidateAll, got %d", got)
	}
	if got := stub.globPolCalls.Load(); got != 2 {
		t.Fatalf("expected global policy reload after InvalidateAll, got %d", got)
	}
}
