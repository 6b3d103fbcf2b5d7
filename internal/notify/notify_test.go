package notify

import (
	"sync"
	"testing"
	"time"
)

func TestEventKeyDerivation(t *testing.T) {
	cases := []struct {
		ev   Event
		want string
	}{
		{Event{Channel: ChannelGateway}, "gateway"},
		{Event{Channel: ChannelExecution, Payload: Payload{Table: "function_environment_variables", FunctionID: "f1"}}, "envvars:f1"},
		{Event{Channel: ChannelExecution, Payload: Payload{Table: "project_network_policies", ProjectID: "p1"}}, "netpol:p1"},
		{Event{Channel: ChannelExecution, Payload: Payload{Table: "global_network_policies"}}, "netpol:global"},
		{Event{Channel: ChannelExecution, Payload: Payload{Table: "functions", FunctionID: "f2"}}, "fn:f2"},
	}
	for _, c := range cases {
		if got := c.ev.Key(); got != c.want {
			t.Errorf("Key(%+v) = %q, want %q", c.ev, got, c.want)
		}
	}
}

func TestDebounceCollapsesSameKey(t *testing.T) {
	var mu sync.Mutex
	var fired []Event
	d := newDebouncer(30*time.Millisecond, func(ev Event) {
		mu.Lock()
		fired = append(fired, ev)
		mu.Unlock()
	})
	defer d.stop()

	for i := 0; i < 5; i++ {
		d.offer(Event{Channel: ChannelExecution, Payload: Payload{
			Table:      "function_environment_variables",
			FunctionID: "f1",
			ProjectID:  "p" + string(rune('0'+i)),
		}})
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 {
		t.Fatalf("expected exactly 1 callback, got %d", len(fired))
	}
	// the single callback observes the latest payload
	if fired[0].Payload.ProjectID != "p4" {
		t.Fatalf("expected latest payload, got %+v", fired[0].Payload)
	}
}

func TestDebounceIndependentKeys(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	d := newDebouncer(20*time.Millisecond, func(ev Event) {
		mu.Lock()
		seen[ev.Key()]++
		mu.Unlock()
	})
	defer d.stop()

	d.offer(Event{Channel: ChannelExecution, Payload: Payload{Table: "function_environment_variables", FunctionID: "f1"}})
	d.offer(Event{Channel: ChannelExecution, Payload: Payload{Table: "function_environment_variables", FunctionID: "f2"}})
	d.offer(Event{Channel: ChannelGateway})

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, key := range []string{"envvars:f1", "envvars:f2", "gateway"} {
		if seen[key] != 1 {
			t.Errorf("key %s fired %d times, want 1", key, seen[key])
		}
	}
}

func TestDebounceRefiresAfterWindow(t *testing.T) {
	var mu sync.Mutex
	count := 0
	d := newDebouncer(10*time.Millisecond, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer d.stop()

	ev := Event{Channel: ChannelExecution, Payload: Payload{Table: "global_network_policies"}}
	d.offer(ev)
	time.Sleep(40 * time.Millisecond)
	d.offer(ev)
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("expected 2 callbacks across separate windows, got %d", count)
	}
}

func TestValidChannelName(t *testing.T) {
	if !validChannelName("execution_cache_invalidated") {
		t.Error("expected valid")
	}
	for _, bad := range []string{"", "foo;drop", "Foo", "a b"} {
		if validChannelName(bad) {
			t.Errorf("expected %q invalid", bad)
		}
	}
}
