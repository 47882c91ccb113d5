package builtin

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/otaupdater/pkg/control"
	"github.com/openfroyo/otaupdater/pkg/ops"
	"github.com/openfroyo/otaupdater/pkg/script"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

type run struct {
	state  *updater.State
	ok     bool
	result string
	sent   []control.Message
}

func runScript(t *testing.T, set *Set, text string, retry updater.RetryMode) run {
	t.Helper()
	table, err := ops.NewBuilder().Add(set).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	engine := script.NewStarlark(table)
	prog, count, err := engine.Parse(text)
	if err != nil || count != 0 {
		t.Fatalf("Parse failed: %v (%d errors)", err, count)
	}

	var buf bytes.Buffer
	st := updater.NewState(text, &updater.Info{Version: 3, Control: control.NewChannel(&buf)}, retry)
	ok, result := engine.Evaluate(prog, st)

	sent, err := control.NewDecoder(&buf).DecodeAll()
	if err != nil {
		t.Fatalf("failed to decode control output: %v", err)
	}
	return run{state: st, ok: ok, result: result, sent: sent}
}

func TestAbort(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		wantMsg   string
		wantCode  updater.ErrorCode
		wantCause updater.CauseCode
	}{
		{"no arguments", "abort()\n", "called abort()", updater.NoError, updater.NoCause},
		{"message only", "abort('E20: bad device')\n", "E20: bad device", updater.NoError, updater.NoCause},
		{"structured", "abort('failed', code = 22, cause = 202)\n", "failed", updater.ErrorCode(22), updater.EioFailure},
		{"explicit none", "abort('x', code = None, cause = None)\n", "x", updater.NoError, updater.NoCause},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := runScript(t, New(), tt.script, updater.RetryNone)
			if r.ok {
				t.Fatal("expected evaluation to fail")
			}
			if r.state.ErrMsg != tt.wantMsg {
				t.Errorf("errmsg = %q, want %q", r.state.ErrMsg, tt.wantMsg)
			}
			if r.state.ErrorCode != tt.wantCode {
				t.Errorf("error code = %d, want %d", r.state.ErrorCode, tt.wantCode)
			}
			if r.state.CauseCode != tt.wantCause {
				t.Errorf("cause code = %d, want %d", r.state.CauseCode, tt.wantCause)
			}
		})
	}
}

func TestAssert(t *testing.T) {
	r := runScript(t, New(), "assert(1 == 1)\nresult = 'ok'\n", updater.RetryNone)
	if !r.ok || r.result != "ok" {
		t.Fatalf("passing assert: got (%v, %q), errmsg %q", r.ok, r.result, r.state.ErrMsg)
	}

	r = runScript(t, New(), "assert(False, 'E21: wrong build')\n", updater.RetryNone)
	if r.ok {
		t.Fatal("expected failing assert to abort")
	}
	if r.state.ErrMsg != "E21: wrong build" {
		t.Errorf("errmsg = %q", r.state.ErrMsg)
	}

	r = runScript(t, New(), "assert([])\n", updater.RetryNone)
	if r.ok || r.state.ErrMsg != "assert failed" {
		t.Errorf("got (%v, %q)", r.ok, r.state.ErrMsg)
	}
}

func TestUIPrint(t *testing.T) {
	r := runScript(t, New(), "ui_print('Installing ', 3, ' files')\nui_print('a\\nb')\n", updater.RetryNone)
	if !r.ok {
		t.Fatalf("evaluation failed: %q", r.state.ErrMsg)
	}

	want := []string{"Installing 3 files", "a", "b"}
	if len(r.sent) != len(want) {
		t.Fatalf("sent %d messages, want %d: %v", len(r.sent), len(want), r.sent)
	}
	for i, msg := range r.sent {
		if msg.Verb != control.VerbUIPrint || msg.Payload != want[i] {
			t.Errorf("message %d = %v, want ui_print %q", i, msg, want[i])
		}
	}
}

func TestIsRetry(t *testing.T) {
	tests := []struct {
		retry updater.RetryMode
		want  string
	}{
		{updater.RetryNone, "False"},
		{updater.RetryRequested, "True"},
	}
	for _, tt := range tests {
		r := runScript(t, New(), "result = str(is_retry())\n", tt.retry)
		if r.result != tt.want {
			t.Errorf("retry %v: result = %q, want %q", tt.retry, r.result, tt.want)
		}
	}
}

func TestSleep(t *testing.T) {
	var slept time.Duration
	set := New(WithSleep(func(d time.Duration) { slept += d }))

	r := runScript(t, set, "sleep(2)\n", updater.RetryNone)
	if !r.ok {
		t.Fatalf("evaluation failed: %q", r.state.ErrMsg)
	}
	if slept != 2*time.Second {
		t.Errorf("slept %v, want 2s", slept)
	}

	r = runScript(t, set, "sleep(-1)\n", updater.RetryNone)
	if r.ok {
		t.Error("expected negative sleep to fail")
	}
}

func TestSHA1Check(t *testing.T) {
	const digest = "a9993e364706816aba3e25717850c26c9cd0d89d" // sha1("abc")

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"digest only", "result = sha1_check('abc')\n", digest},
		{"match", "result = sha1_check('abc', 'deadbeef', '" + digest + "')\n", digest},
		{"case insensitive", "result = sha1_check('abc', '" + strings.ToUpper(digest) + "')\n", strings.ToUpper(digest)},
		{"no match", "result = sha1_check('abc', 'deadbeef')\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := runScript(t, New(), tt.script, updater.RetryNone)
			if !r.ok {
				t.Fatalf("evaluation failed: %q", r.state.ErrMsg)
			}
			if r.result != tt.want {
				t.Errorf("result = %q, want %q", r.result, tt.want)
			}
		})
	}
}

func TestGetprop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.prop")
	props := "# build properties\nro.product.device=walleye\nro.build.id = OPM1\nro.product.device=taimen\n"
	if err := os.WriteFile(path, []byte(props), 0644); err != nil {
		t.Fatal(err)
	}
	set := New(WithPropertiesPath(path))

	tests := []struct {
		script string
		want   string
	}{
		{"result = getprop('ro.product.device')\n", "taimen"},
		{"result = getprop('ro.build.id')\n", "OPM1"},
		{"result = getprop('ro.missing')\n", ""},
		{"result = getprop('ro.missing', 'fallback')\n", "fallback"},
	}
	for _, tt := range tests {
		r := runScript(t, set, tt.script, updater.RetryNone)
		if !r.ok {
			t.Fatalf("%q failed: %q", tt.script, r.state.ErrMsg)
		}
		if r.result != tt.want {
			t.Errorf("%q: result = %q, want %q", tt.script, r.result, tt.want)
		}
	}
}

func TestLookupPropertyMissingFile(t *testing.T) {
	_, found, err := LookupProperty(filepath.Join(t.TempDir(), "absent.prop"), "ro.build.id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected key not found")
	}
}
