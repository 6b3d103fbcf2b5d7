package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/store"
)

type pruneCall struct {
	functionID string
	before     time.Time
	keep       int
}

type stubStore struct {
	store.MetadataStore

	fns    []*domain.Function
	calls  []pruneCall
	failOn string
}

func (s *stubStore) ListFunctionsWithRetention(context.Context) ([]*domain.Function, error) {
	return s.fns, nil
}

func (s *stubStore) PruneExecutionLogs(_ context.Context, functionID string, before time.Time, keep int) (int64, error) {
	if functionID == s.failOn {
		return 0, errors.New("deadlock detected")
	}
	s.calls = append(s.calls, pruneCall{functionID, before, keep})
	return 3, nil
}

func TestSweepUsesDefaults(t *testing.T) {
	stub := &stubStore{fns: []*domain.Function{{ID: "f1"}}}
	sw := NewSweeper(stub, Defaults{MaxAge: 24 * time.Hour, MaxCount: 1000}, time.Hour)

	if err := sw.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(stub.calls) != 1 {
		t.Fatalf("expected 1 prune, got %d", len(stub.calls))
	}
	call := stub.calls[0]
	if call.keep != 1000 {
		t.Fatalf("keep = %d", call.keep)
	}
	age := time.Since(call.before)
	if age < 23*time.Hour || age > 25*time.Hour {
		t.Fatalf("before cutoff off by %v", age)
	}
}

func TestSweepPerFunctionOverride(t *testing.T) {
	stub := &stubStore{fns: []*domain.Function{
		{ID: "f1", Retention: &domain.Retention{MaxCount: 50}},
		{ID: "f2", Retention: &domain.Retention{MaxAge: time.Hour}},
	}}
	sw := NewSweeper(stub, Defaults{MaxAge: 24 * time.Hour, MaxCount: 1000}, time.Hour)

	if err := sw.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(stub.calls) != 2 {
		t.Fatalf("expected 2 prunes, got %d", len(stub.calls))
	}

	// f1 overrides count only; age falls back to the default
	if stub.calls[0].keep != 50 {
		t.Fatalf("f1 keep = %d", stub.calls[0].keep)
	}
	// f2 overrides age only
	if age := time.Since(stub.calls[1].before); age > 2*time.Hour {
		t.Fatalf("f2 cutoff off by %v", age)
	}
	if stub.calls[1].keep != 1000 {
		t.Fatalf("f2 keep = %d", stub.calls[1].keep)
	}
}

func TestSweepSkipsUnlimited(t *testing.T) {
	stub := &stubStore{fns: []*domain.Function{{ID: "f1"}}}
	sw := NewSweeper(stub, Defaults{}, time.Hour)

	if err := sw.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(stub.calls) != 0 {
		t.Fatalf("expected no prunes, got %d", len(stub.calls))
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	stub := &stubStore{
		fns: []*domain.Function{
			{ID: "f1"},
			{ID: "f2"},
		},
		failOn: "f1",
	}
	sw := NewSweeper(stub, Defaults{MaxCount: 10}, time.Hour)

	if err := sw.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(stub.calls) != 1 || stub.calls[0].functionID != "f2" {
		t.Fatalf("expected f2 to still be pruned, got %+v", stub.calls)
	}
}
