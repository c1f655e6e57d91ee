package server

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/ilvm/compiler"
	"github.com/chazu/ilvm/syntax"
	"github.com/chazu/ilvm/vm"
)

// ---------------------------------------------------------------------------
// Run: happy paths
// ---------------------------------------------------------------------------

func TestRun_Factorial(t *testing.T) {
	svc := newTestExecService(0)

	resp := runSource(t, svc, factorialSource)
	if !resp.OK {
		t.Fatalf("Run was not successful: %s: %s", resp.Kind, resp.Error)
	}
	if resp.Result != 120 {
		t.Errorf("Result = %d, want 120", resp.Result)
	}
	if resp.Kind != "" {
		t.Errorf("Kind = %q, want empty on success", resp.Kind)
	}
	if resp.RunID == "" {
		t.Error("Run should return a run ID")
	}
	if len(resp.Digest) != 64 {
		t.Errorf("Digest = %q, want a hex SHA-256", resp.Digest)
	}
	if again := runSource(t, svc, factorialSource); again.Digest != resp.Digest || again.RunID == resp.RunID {
		t.Errorf("second run: digest %q id %q, want same digest and a new id", again.Digest, again.RunID)
	}
	if resp.Stats.Steps == 0 || resp.Stats.Jumps == 0 || resp.Stats.Branches == 0 {
		t.Errorf("Stats = %+v, want non-zero steps, jumps and branches", resp.Stats)
	}
}

func TestRun_Output(t *testing.T) {
	svc := newTestExecService(0)

	resp := runSource(t, svc, `
block 0 {
    r0 = malloc(2);
    *r0 = 4;
    r1 = r0 + 1;
    *r1 = -4;
    print("pair");
    print(*r0, 2);
    print(r1);
    free(r0);
    exit(0);
}`)
	if !resp.OK {
		t.Fatalf("Run was not successful: %s", resp.Error)
	}
	if resp.Output != "pair\n[4 -4]\n2\n" {
		t.Errorf("Output = %q", resp.Output)
	}
	if resp.Stats.Mallocs != 1 || resp.Stats.Frees != 1 || resp.Stats.PeakLive != 2 {
		t.Errorf("Stats = %+v", resp.Stats)
	}
}

// ---------------------------------------------------------------------------
// Run: program failures are reported, not returned as RPC errors
// ---------------------------------------------------------------------------

func TestRun_ProgramFailures(t *testing.T) {
	svc := newTestExecService(0)

	tests := []struct {
		name string
		src  string
		kind string
		msg  string
	}{
		{"abort", "block 0 { abort; }", "runtime", "abort"},
		{"bad jump", "block 0 { goto(7); }", "runtime", "invalid code address 7"},
		{"parse", "block 0 { exit(0) }", "parse", "line 1:19"},
		{"no entry", "block 1 { exit(0); }", "usage", "Expected block 0"},
		{"duplicate", "block 0 { exit(0); }\nblock 0 { exit(1); }", "usage", "duplicate block IDs"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := runSource(t, svc, tc.src)
			if resp.OK {
				t.Fatalf("Run succeeded with result %d", resp.Result)
			}
			if resp.Kind != tc.kind {
				t.Errorf("Kind = %q, want %q", resp.Kind, tc.kind)
			}
			if !strings.Contains(resp.Error, tc.msg) {
				t.Errorf("Error = %q, want it to contain %q", resp.Error, tc.msg)
			}
			if resp.RunID == "" {
				t.Error("failed runs should still be recorded")
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	svc := newTestExecService(50 * time.Millisecond)

	start := time.Now()
	resp := runSource(t, svc, "block 0 { goto(0); }")
	if resp.OK {
		t.Fatal("infinite loop should not succeed")
	}
	if resp.Kind != "runtime" || !strings.Contains(resp.Error, "interrupted") {
		t.Errorf("got %s error %q, want runtime interruption", resp.Kind, resp.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestRun_RequestSizes(t *testing.T) {
	svc := newTestExecService(0)

	tests := []struct {
		name   string
		fields map[string]interface{}
		msg    string
	}{
		{
			"max steps",
			map[string]interface{}{"source": factorialSource, "max_steps": 5},
			"step limit of 5 exceeded",
		},
		{
			"registers",
			map[string]interface{}{"source": "block 0 { r5 = 1; exit(r5); }", "registers": 2},
			"r5 = 1",
		},
		{
			"heap size",
			map[string]interface{}{"source": "block 0 { r0 = 2; r1 = *r0; exit(r1); }", "heap_size": 2},
			"invalid address 2",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := svc.Run(bg(), connectReq(t, tc.fields))
			if err != nil {
				t.Fatalf("Run returned error: %v", err)
			}
			out := runResponseFrom(resp.Msg)
			if out.OK {
				t.Fatalf("Run succeeded with result %d", out.Result)
			}
			if out.Kind != "runtime" || !strings.Contains(out.Error, tc.msg) {
				t.Errorf("got %s error %q, want runtime %q", out.Kind, out.Error, tc.msg)
			}
		})
	}
}

func TestRun_StepLimitOnlyTightens(t *testing.T) {
	cfg := vm.DefaultConfig()
	cfg.MaxSteps = 5
	svc := NewExecutionService(testWorker, testRuns, cfg, 0)

	tests := []struct {
		name  string
		steps interface{}
		msg   string
	}{
		{"larger request", 1000000, "step limit of 5 exceeded"},
		{"no request", nil, "step limit of 5 exceeded"},
		{"smaller request", 3, "step limit of 3 exceeded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fields := map[string]interface{}{"source": factorialSource}
			if tc.steps != nil {
				fields["max_steps"] = tc.steps
			}
			resp, err := svc.Run(bg(), connectReq(t, fields))
			if err != nil {
				t.Fatalf("Run returned error: %v", err)
			}
			out := runResponseFrom(resp.Msg)
			if out.OK {
				t.Fatalf("Run succeeded with result %d in %d steps", out.Result, out.Stats.Steps)
			}
			if !strings.Contains(out.Error, tc.msg) {
				t.Errorf("error = %q, want %q", out.Error, tc.msg)
			}
		})
	}
}

func TestRun_SizesAboveServerLimit(t *testing.T) {
	svc := newTestExecService(0)

	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{"max heap", map[string]interface{}{"source": factorialSource, "heap_size": math.MaxInt32}},
		{"max registers", map[string]interface{}{"source": factorialSource, "registers": math.MaxInt32}},
		{"one word over", map[string]interface{}{"source": factorialSource, "heap_size": vm.DefaultHeapSize + 1}},
		{"one register over", map[string]interface{}{"source": factorialSource, "registers": vm.DefaultRegisters + 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Run(bg(), connectReq(t, tc.fields))
			assertCode(t, err, connect.CodeInvalidArgument)
		})
	}

	// The server's own sizes are accepted.
	resp, err := svc.Run(bg(), connectReq(t, map[string]interface{}{
		"source":    factorialSource,
		"heap_size": vm.DefaultHeapSize,
		"registers": vm.DefaultRegisters,
	}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out := runResponseFrom(resp.Msg); !out.OK || out.Result != 120 {
		t.Errorf("got ok=%v result=%d error=%q, want 120", out.OK, out.Result, out.Error)
	}
}

func TestRun_OutputLimit(t *testing.T) {
	svc := newTestExecService(0)
	svc.outputLimit = 8

	resp := runSource(t, svc, `block 0 { print("abcd"); print("efghij"); exit(0); }`)
	if resp.OK {
		t.Fatal("Run should fail once output exceeds the limit")
	}
	if !strings.Contains(resp.Error, errOutputLimit.Error()) {
		t.Errorf("Error = %q", resp.Error)
	}
	if resp.Output != "abcd\n" {
		t.Errorf("Output = %q, want the output written before the limit", resp.Output)
	}
}

// ---------------------------------------------------------------------------
// Run: invalid requests
// ---------------------------------------------------------------------------

func TestRun_InvalidArguments(t *testing.T) {
	svc := newTestExecService(0)

	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{"missing source", map[string]interface{}{}},
		{"negative heap", map[string]interface{}{"source": factorialSource, "heap_size": -1}},
		{"fractional registers", map[string]interface{}{"source": factorialSource, "registers": 2.5}},
		{"string steps", map[string]interface{}{"source": factorialSource, "max_steps": "lots"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Run(bg(), connectReq(t, tc.fields))
			assertCode(t, err, connect.CodeInvalidArgument)
		})
	}
}

func TestRun_CanceledContext(t *testing.T) {
	svc := newTestExecService(0)

	ctx, cancel := context.WithCancel(bg())
	cancel()
	_, err := svc.Run(ctx, connectReq(t, map[string]interface{}{"source": factorialSource}))
	assertCode(t, err, connect.CodeCanceled)
}

func TestRun_StoppedWorker(t *testing.T) {
	w := NewVMWorker(1)
	w.Stop()
	svc := NewExecutionService(w, NewRunStore(), vm.DefaultConfig(), 0)

	_, err := svc.Run(bg(), connectReq(t, map[string]interface{}{"source": factorialSource}))
	assertCode(t, err, connect.CodeUnavailable)
}

// ---------------------------------------------------------------------------
// GetRun
// ---------------------------------------------------------------------------

func TestGetRun_ReturnsRecordedRun(t *testing.T) {
	svc := newTestExecService(0)
	first := runSource(t, svc, `block 0 { print("hi"); exit(3); }`)

	resp, err := svc.GetRun(bg(), connectReq(t, map[string]interface{}{"run_id": first.RunID}))
	if err != nil {
		t.Fatalf("GetRun returned error: %v", err)
	}
	got := runResponseFrom(resp.Msg)
	if got.RunID != first.RunID || got.Result != 3 || got.Output != "hi\n" {
		t.Errorf("GetRun = %+v, want %+v", got, first)
	}
}

func TestGetRun_Errors(t *testing.T) {
	svc := newTestExecService(0)

	_, err := svc.GetRun(bg(), connectReq(t, map[string]interface{}{"run_id": "no-such-run"}))
	assertCode(t, err, connect.CodeNotFound)

	_, err = svc.GetRun(bg(), connectReq(t, map[string]interface{}{}))
	assertCode(t, err, connect.CodeInvalidArgument)
}

// ---------------------------------------------------------------------------
// Check and Format
// ---------------------------------------------------------------------------

func TestCheck(t *testing.T) {
	svc := newTestExecService(0)

	tests := []struct {
		name     string
		src      string
		ok       bool
		messages []string
	}{
		{"valid", factorialSource, true, nil},
		{"warning only", "block 0 { goto(4); }", true, []string{"undefined block 4"}},
		{"register warning", "block 0 { r10 = 1; exit(r10); }", true, []string{"r10", "r10"}},
		{"parse error", "block 0 { r0 = ; }", false, []string{"expected"}},
		{"missing entry", "block 2 { abort; }", false, []string{"Expected block 0"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := svc.Check(bg(), connectReq(t, map[string]interface{}{"source": tc.src}))
			if err != nil {
				t.Fatalf("Check returned error: %v", err)
			}
			got := checkResponseFrom(resp.Msg)
			if got.OK != tc.ok {
				t.Errorf("OK = %v, want %v (diagnostics %v)", got.OK, tc.ok, got.Diagnostics)
			}
			if len(got.Diagnostics) != len(tc.messages) {
				t.Fatalf("got %d diagnostics %v, want %d", len(got.Diagnostics), got.Diagnostics, len(tc.messages))
			}
			for i, want := range tc.messages {
				if !strings.Contains(got.Diagnostics[i].Message, want) {
					t.Errorf("diagnostic %d = %q, want it to contain %q", i, got.Diagnostics[i].Message, want)
				}
			}
		})
	}
}

func TestCheck_Positions(t *testing.T) {
	svc := newTestExecService(0)

	resp, err := svc.Check(bg(), connectReq(t, map[string]interface{}{
		"source": "block 0 {\n    goto(9);\n}",
	}))
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	got := checkResponseFrom(resp.Msg)
	if len(got.Diagnostics) != 1 {
		t.Fatalf("got %v, want one diagnostic", got.Diagnostics)
	}
	d := got.Diagnostics[0]
	if d.Severity != compiler.SeverityWarning {
		t.Errorf("Severity = %v, want warning", d.Severity)
	}
	if d.Pos.Line != 1 {
		t.Errorf("Pos = %v, want line 1 (the block)", d.Pos)
	}
}

func TestFormat(t *testing.T) {
	svc := newTestExecService(0)

	src := "block 0 { r0 = 5; r2 = 1; goto(1); } block 1 { ifz r0 { exit(r2); } else { r0 = r0 - 1; goto(1); } }"
	resp, err := svc.Format(bg(), connectReq(t, map[string]interface{}{"source": src}))
	if err != nil {
		t.Fatalf("Format returned error: %v", err)
	}
	blocks, errs := compiler.Parse(src)
	if len(errs) > 0 {
		t.Fatalf("Parse: %v", errs)
	}
	want := syntax.FormatString(blocks)
	if got := stringField(resp.Msg, "formatted"); got != want {
		t.Errorf("formatted =\n%s\nwant\n%s", got, want)
	}
}

func TestFormat_ParseError(t *testing.T) {
	svc := newTestExecService(0)

	_, err := svc.Format(bg(), connectReq(t, map[string]interface{}{"source": "block 0 { exit(0) }"}))
	assertCode(t, err, connect.CodeInvalidArgument)
}
