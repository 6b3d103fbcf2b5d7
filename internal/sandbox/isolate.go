// Package sandbox runs untrusted handler code inside embedded JavaScript
// isolates. An isolate owns one runtime and its event loop; handlers see a
// curated surface (request, response, fetch, kv, timers, a read-only view
// of the package directory, console) and nothing of the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/google/uuid"

	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/kvstore"
	"github.com/heliosfn/helios/internal/logging"
)

// errInterrupted is the value passed to Runtime.Interrupt by the watchdog.
var errInterrupted = errors.New("execution deadline exceeded")

// Invocation carries everything one handler run needs.
type Invocation struct {
	Req        *Request
	PkgRoot    string
	Entry      string
	Env        map[string]string
	ProjectID  string
	KV         kvstore.Store
	HTTPClient *http.Client

	Timeout        time.Duration
	MaxBufferBytes int64
}

// Outcome is the result of one handler run.
type Outcome struct {
	Result Result
	// Terminal is false when the handler finished without producing a
	// response; the engine maps that to 204.
	Terminal bool
	Logs     []string
}

// Isolate is one sandboxed runtime. Not safe for concurrent use; the pool
// hands each isolate to exactly one invocation at a time.
type Isolate struct {
	ID string

	loop     *eventloop.EventLoop
	vm       *goja.Runtime
	baseline map[string]struct{}

	invocations int
	broken      bool
}

// NewIsolate boots a runtime and records its pristine global surface.
func NewIsolate() *Isolate {
	iso := &Isolate{
		ID:       uuid.NewString(),
		loop:     eventloop.NewEventLoop(),
		baseline: make(map[string]struct{}),
	}
	iso.loop.Run(func(vm *goja.Runtime) {
		iso.vm = vm
		for _, k := range vm.GlobalObject().Keys() {
			iso.baseline[k] = struct{}{}
		}
	})
	return iso
}

// Invocations returns how many handler runs this isolate has served.
func (iso *Isolate) Invocations() int { return iso.invocations }

// Broken marks isolates that must not return to the pool.
func (iso *Isolate) Broken() bool { return iso.broken }

// Invoke runs the handler for one request. On Timeout or MemoryExhausted
// the isolate is marked broken and the pool destroys it.
func (iso *Isolate) Invoke(ctx context.Context, inv Invocation) (*Outcome, error) {
	iso.invocations++

	resp := NewResponse(inv.PkgRoot, inv.MaxBufferBytes)
	capture := &logCapture{}

	var (
		runErr  error
		promise *goja.Promise
		fatal   error
	)
	run := func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				runErr = classifyPanic(r)
			}
		}()

		binder := &binder{
			vm:      vm,
			inv:     inv,
			resp:    resp,
			capture: capture,
			ctx:     ctx,
			onFatal: func(err error) { fatal = err },
		}
		if err := binder.install(); err != nil {
			runErr = err
			return
		}

		loader := newModuleLoader(vm, inv.PkgRoot, inv.MaxBufferBytes)
		exports, err := loader.load(inv.Entry)
		if err != nil {
			runErr = err
			return
		}

		handler, err := resolveHandler(vm, exports)
		if err != nil {
			runErr = err
			return
		}

		v, err := handler(goja.Undefined(), binder.requestValue, binder.responseValue)
		if err != nil {
			runErr = err
			return
		}
		if v != nil {
			if p, ok := v.Export().(*goja.Promise); ok {
				promise = p
			}
		}
	}

	// Run returns once the job queue drains: timers fired and promises
	// settled. A handler that never finishes is cut off below; the isolate
	// is abandoned and the pool replaces it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		iso.loop.Run(run)
	}()

	deadline := time.NewTimer(inv.Timeout)
	defer deadline.Stop()
	ctxDone := ctx.Done()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-deadline.C:
			iso.broken = true
			iso.vm.Interrupt(errInterrupted)
			return nil, fault.New(fault.KindTimeout, "handler exceeded execution timeout")
		case <-ctxDone:
			// Caller gone. Outbound calls carry ctx and fail on their own;
			// the handler keeps running under the execution timeout and the
			// isolate stays reusable. The response is dropped upstream.
			ctxDone = nil
		}
	}

	if fatal != nil {
		iso.broken = true
		return nil, fatal
	}
	if runErr != nil {
		mapped := classifyRunError(runErr)
		if errors.Is(mapped, fault.ErrTimeout) || errors.Is(mapped, fault.ErrMemoryExhausted) {
			iso.broken = true
		}
		return nil, mapped
	}
	if promise != nil && promise.State() == goja.PromiseStateRejected {
		reason := stringify(promise.Result())
		if !resp.Terminal() {
			return nil, fault.Newf(fault.KindHandlerError, "handler rejected: %s", reason)
		}
		// the response already went out; keep the rejection in the log
		capture.add("error", "unhandled rejection after response: "+reason)
	}

	return &Outcome{
		Result:   resp.Result(),
		Terminal: resp.Terminal(),
		Logs:     capture.lines,
	}, nil
}

// Reset strips invocation-local state so the isolate can be reused. Returns
// false when the isolate must be discarded instead.
func (iso *Isolate) Reset() bool {
	if iso.broken {
		return false
	}
	iso.vm.ClearInterrupt()

	ok := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				ok = false
			}
		}()
		iso.loop.Run(func(vm *goja.Runtime) {
			for _, k := range vm.GlobalObject().Keys() {
				if _, keep := iso.baseline[k]; !keep {
					vm.GlobalObject().Delete(k)
				}
			}
		})
	}()
	if !ok {
		iso.broken = true
		logging.Op().Warn("isolate reset failed", "isolate", iso.ID)
	}
	return ok
}

// Destroy interrupts anything still running. The runtime is garbage
// collected with the isolate.
func (iso *Isolate) Destroy() {
	iso.broken = true
	iso.vm.Interrupt(errInterrupted)
}

// resolveHandler accepts either a function export or an object with a
// callable handler property.
func resolveHandler(vm *goja.Runtime, exports goja.Value) (goja.Callable, error) {
	if fn, ok := goja.AssertFunction(exports); ok {
		return fn, nil
	}
	if obj, ok := exports.(*goja.Object); ok {
		if fn, ok := goja.AssertFunction(obj.Get("handler")); ok {
			return fn, nil
		}
		if fn, ok := goja.AssertFunction(obj.Get("default")); ok {
			return fn, nil
		}
	}
	return nil, fault.New(fault.KindHandlerError, "package entry does not export a handler function")
}

func classifyPanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("sandbox panic: %v", r)
}

// classifyRunError maps goja failures onto the error taxonomy.
func classifyRunError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fault.Wrap(fault.KindTimeout, "handler execution", err)
	}
	var stackOverflow *goja.StackOverflowError
	if errors.As(err, &stackOverflow) {
		return fault.Wrap(fault.KindMemoryExhausted, "handler execution", err)
	}
	var ferr *fault.Error
	if errors.As(err, &ferr) {
		return err
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		// a Go error thrown through the bindings keeps its kind
		if cause, ok := exc.Value().Export().(error); ok {
			if errors.As(cause, &ferr) {
				return cause
			}
		}
		return fault.Newf(fault.KindHandlerError, "handler threw: %s", stringify(exc.Value()))
	}
	return fault.Wrap(fault.KindHandlerError, "handler execution", err)
}

func stringify(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	return v.String()
}

// logCapture collects console output for the execution log.
type logCapture struct {
	lines []string
}

const maxLogLines = 256

func (c *logCapture) add(level, msg string) {
	if len(c.lines) >= maxLogLines {
		return
	}
	c.lines = append(c.lines, level+": "+msg)
}
