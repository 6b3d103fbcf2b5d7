package sandbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/kvstore"
)

// writePackage lays out a package directory and returns its root and entry.
func writePackage(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root, filepath.Join(root, "index.js")
}

func testInvocation(t *testing.T, files map[string]string) Invocation {
	t.Helper()
	root, entry := writePackage(t, files)

	httpReq := httptest.NewRequest("POST", "/invoke/f1/orders?limit=5", strings.NewReader(`{"item":"book"}`))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/html;q=0.8")
	httpReq.Header.Set("X-Custom", "abc")
	httpReq.AddCookie(&http.Cookie{Name: "session", Value: "s1"})

	req, err := NewRequest(httpReq, "orders", "203.0.113.7", 1<<20)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	return Invocation{
		Req:            req,
		PkgRoot:        root,
		Entry:          entry,
		Env:            map[string]string{"API_URL": "https://api.test"},
		ProjectID:      "p1",
		KV:             kvstore.NewMemoryStore(nil),
		Timeout:        2 * time.Second,
		MaxBufferBytes: 1 << 20,
	}
}

func invoke(t *testing.T, script string) (*Outcome, error) {
	t.Helper()
	iso := NewIsolate()
	inv := testInvocation(t, map[string]string{"index.js": script})
	return iso.Invoke(context.Background(), inv)
}

func TestSyncHandlerJSON(t *testing.T) {
	out, err := invoke(t, `
module.exports = function(req, res) {
	res.status(201).setHeader("X-Fn", "hello");
	res.json({greeting: "hi", item: req.body.item, limit: req.query.limit});
};`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Terminal {
		t.Fatal("expected terminal response")
	}
	if out.Result.Status != 201 {
		t.Fatalf("status = %d", out.Result.Status)
	}
	if out.Result.Header.Get("X-Fn") != "hello" {
		t.Fatalf("missing header, got %v", out.Result.Header)
	}
	body := string(out.Result.Body)
	for _, want := range []string{`"greeting":"hi"`, `"item":"book"`, `"limit":"5"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("body %q missing %q", body, want)
		}
	}
}

func TestSecondTerminalIsNoOp(t *testing.T) {
	out, err := invoke(t, `
module.exports = function(req, res) {
	res.status(200).send("first");
	res.status(500).send("second");
	res.json({also: "ignored"});
};`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Result.Status != 200 || string(out.Result.Body) != "first" {
		t.Fatalf("second terminal leaked through: %d %q", out.Result.Status, out.Result.Body)
	}
}

func TestHeadersSentAfterTerminal(t *testing.T) {
	out, err := invoke(t, `
module.exports = function(req, res) {
	if (res.headersSent) throw new Error("sent too early");
	res.send("ok");
	if (!res.headersSent) throw new Error("not sent after terminal");
};`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out.Result.Body) != "ok" {
		t.Fatalf("body %q", out.Result.Body)
	}
}

func TestNoTerminalReportsNonTerminal(t *testing.T) {
	out, err := invoke(t, `
module.exports = function(req, res) {
	res.status(418).setHeader("X-Almost", "true");
};`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Terminal {
		t.Fatal("nothing terminal ran; outcome must say so")
	}
}

func TestAsyncHandler(t *testing.T) {
	out, err := invoke(t, `
module.exports = async function(req, res) {
	const value = await new Promise(resolve => setTimeout(() => resolve(41), 10));
	res.json({answer: value + 1});
};`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(out.Result.Body), `"answer":42`) {
		t.Fatalf("body %q", out.Result.Body)
	}
}

func TestHandlerThrow(t *testing.T) {
	_, err := invoke(t, `
module.exports = function(req, res) {
	throw new Error("boom");
};`)
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindHandlerError {
		t.Fatalf("expected handler_error, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error detail lost: %v", err)
	}
}

func TestAsyncRejection(t *testing.T) {
	_, err := invoke(t, `
module.exports = async function(req, res) {
	throw new Error("async boom");
};`)
	if err == nil {
		t.Fatal("expected error")
	}
	if fault.KindOf(err) != fault.KindHandlerError {
		t.Fatalf("expected handler_error, got %v", err)
	}
}

func TestRejectionAfterResponseKeepsIt(t *testing.T) {
	out, err := invoke(t, `
module.exports = function(req, res) {
	res.json({ok: true});
	return Promise.reject("late failure");
};`)
	if err != nil {
		t.Fatalf("finished response discarded: %v", err)
	}
	if !out.Terminal || out.Result.Status != 200 {
		t.Fatalf("terminal=%v status=%d", out.Terminal, out.Result.Status)
	}
	if !strings.Contains(string(out.Result.Body), `"ok":true`) {
		t.Fatalf("body %q", out.Result.Body)
	}
	logged := false
	for _, line := range out.Logs {
		if strings.Contains(line, "late failure") {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("late rejection not logged: %v", out.Logs)
	}
}

func TestClientDisconnectKeepsIsolate(t *testing.T) {
	iso := NewIsolate()
	inv := testInvocation(t, map[string]string{"index.js": `
module.exports = async function(req, res) {
	await new Promise(resolve => setTimeout(resolve, 80));
	res.json({done: true});
};`})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out, err := iso.Invoke(ctx, inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.Terminal {
		t.Fatal("handler should have run to completion")
	}
	if iso.Broken() {
		t.Fatal("a disconnect must not break the isolate")
	}
	if !iso.Reset() {
		t.Fatal("isolate must reset after a disconnected run")
	}
}

func TestTimeoutDestroysIsolate(t *testing.T) {
	iso := NewIsolate()
	inv := testInvocation(t, map[string]string{"index.js": `
module.exports = function(req, res) { for (;;) {} };`})
	inv.Timeout = 100 * time.Millisecond

	_, err := iso.Invoke(context.Background(), inv)
	if !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !iso.Broken() {
		t.Fatal("isolate must not be reusable after timeout")
	}
	if iso.Reset() {
		t.Fatal("reset must refuse a broken isolate")
	}
}

func TestResetRemovesHandlerGlobals(t *testing.T) {
	iso := NewIsolate()

	inv := testInvocation(t, map[string]string{"index.js": `
globalThis.leaked = "secret";
module.exports = function(req, res) { res.send("one"); };`})
	if _, err := iso.Invoke(context.Background(), inv); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	if !iso.Reset() {
		t.Fatal("reset failed")
	}

	inv2 := testInvocation(t, map[string]string{"index.js": `
module.exports = function(req, res) {
	res.json({leak: typeof globalThis.leaked});
};`})
	out, err := iso.Invoke(context.Background(), inv2)
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if !strings.Contains(string(out.Result.Body), `"leak":"undefined"`) {
		t.Fatalf("state leaked across invocations: %s", out.Result.Body)
	}
}

func TestKVBinding(t *testing.T) {
	out, err := invoke(t, `
module.exports = function(req, res) {
	if (kv.get("counter") !== null) throw new Error("expected empty store");
	kv.set("counter", "41");
	const v = kv.get("counter");
	kv.delete("counter");
	res.json({value: v, after: kv.get("counter")});
};`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	body := string(out.Result.Body)
	if !strings.Contains(body, `"value":"41"`) || !strings.Contains(body, `"after":null`) {
		t.Fatalf("body %q", body)
	}
}

func TestBundledModuleRequire(t *testing.T) {
	iso := NewIsolate()
	inv := testInvocation(t, map[string]string{
		"index.js": `
const {double} = require("./lib/math.js");
module.exports = function(req, res) { res.json({n: double(21)}); };`,
		"lib/math.js": `
exports.double = function(n) { return n * 2; };`,
	})
	out, err := iso.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(out.Result.Body), `"n":42`) {
		t.Fatalf("body %q", out.Result.Body)
	}
}

func TestRequireEscapeRejected(t *testing.T) {
	_, err := invoke(t, `
require("../outside.js");
module.exports = function(req, res) { res.send("never"); };`)
	if err == nil {
		t.Fatal("expected escape to be rejected")
	}
}

func TestReadFileRestrictedToPackage(t *testing.T) {
	iso := NewIsolate()
	inv := testInvocation(t, map[string]string{
		"index.js": `
module.exports = function(req, res) {
	res.send(readFile("data/greeting.txt"));
};`,
		"data/greeting.txt": "hello from disk",
	})
	out, err := iso.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out.Result.Body) != "hello from disk" {
		t.Fatalf("body %q", out.Result.Body)
	}

	inv2 := testInvocation(t, map[string]string{"index.js": `
module.exports = function(req, res) { res.send(readFile("../../etc/hosts")); };`})
	if _, err := iso.Invoke(context.Background(), inv2); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestConsoleCapture(t *testing.T) {
	out, err := invoke(t, `
module.exports = function(req, res) {
	console.log("starting", 42);
	console.error("oops");
	res.send("done");
};`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.Logs) != 2 {
		t.Fatalf("expected 2 log lines, got %v", out.Logs)
	}
	if out.Logs[0] != "log: starting 42" || out.Logs[1] != "error: oops" {
		t.Fatalf("unexpected logs %v", out.Logs)
	}
}

func TestRequestHelpers(t *testing.T) {
	out, err := invoke(t, `
module.exports = function(req, res) {
	res.json({
		custom: req.get("x-custom"),
		isJSON: req.is("json"),
		isHTML: req.is("html"),
		accepted: req.accepts("html", "json"),
		ip: req.ip,
		env: env.API_URL,
	});
};`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	body := string(out.Result.Body)
	for _, want := range []string{
		`"custom":"abc"`,
		`"isJSON":true`,
		`"isHTML":false`,
		`"accepted":"json"`,
		`"ip":"203.0.113.7"`,
		`"env":"https://api.test"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body %q missing %q", body, want)
		}
	}
}

func TestFetchUncappedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello fetch"))
	}))
	defer srv.Close()

	iso := NewIsolate()
	inv := testInvocation(t, map[string]string{"index.js": `
module.exports = function(req, res) {
	res.send(fetch("` + srv.URL + `").text());
};`})
	inv.MaxBufferBytes = 0
	inv.HTTPClient = srv.Client()

	out, err := iso.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out.Result.Body) != "hello fetch" {
		t.Fatalf("body %q", out.Result.Body)
	}
}

func TestRedirect(t *testing.T) {
	out, err := invoke(t, `
module.exports = function(req, res) { res.redirect(301, "https://example.com/"); };`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Result.Status != 301 || out.Result.Header.Get("Location") != "https://example.com/" {
		t.Fatalf("redirect result %d %v", out.Result.Status, out.Result.Header)
	}
}

func TestSendFile(t *testing.T) {
	iso := NewIsolate()
	inv := testInvocation(t, map[string]string{
		"index.js": `
module.exports = function(req, res) { res.sendFile("static/page.html"); };`,
		"static/page.html": "<h1>hi</h1>",
	})
	out, err := iso.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out.Result.Body) != "<h1>hi</h1>" {
		t.Fatalf("body %q", out.Result.Body)
	}
	if !strings.HasPrefix(out.Result.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("content type %q", out.Result.Header.Get("Content-Type"))
	}
}
