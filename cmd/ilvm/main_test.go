package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/ilvm/image"
	"github.com/chazu/ilvm/manifest"
	"github.com/chazu/ilvm/server"
	"github.com/chazu/ilvm/vm"
)

const factorialSource = `block 0 {
    r0 = 5;
    r2 = 1;
    goto(1);
}

block 1 {
    ifz r0 {
        exit(r2);
    }
    else {
        r2 = r2 * r0;
        r0 = r0 - 1;
        goto(1);
    }
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Running programs
// ---------------------------------------------------------------------------

func TestRunFile(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		source string
		code   int
		want   string
	}{
		{"factorial", factorialSource, 0, "Normal termination. Result = 120\n"},
		{"output", `block 0 { print("hi"); exit(-3); }`, 0, "hi\nNormal termination. Result = -3\n"},
		{"fault", "block 0 { abort; }", 1, "An error occurred.\nabort: called abort\n"},
		{"parse error", "block 0 { exit(0) }", 1, "An error occurred.\nline 1:19"},
		{"no entry", "block 4 { exit(0); }", 1, "An error occurred.\nExpected block 0\n"},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, "prog"+string(rune('a'+i))+".il", tc.source)
			var out bytes.Buffer
			code := runFile(context.Background(), &out, path, vm.DefaultConfig(), false)
			if code != tc.code {
				t.Errorf("exit code = %d, want %d", code, tc.code)
			}
			if !strings.HasPrefix(out.String(), tc.want) {
				t.Errorf("output = %q, want prefix %q", out.String(), tc.want)
			}
		})
	}
}

func TestRunFileMissing(t *testing.T) {
	var out bytes.Buffer
	code := runFile(context.Background(), &out, filepath.Join(t.TempDir(), "nope.il"), vm.DefaultConfig(), false)
	if code != 1 || !strings.HasPrefix(out.String(), "An error occurred.\n") {
		t.Errorf("code = %d, output = %q", code, out.String())
	}
}

func TestRunFileStats(t *testing.T) {
	path := writeFile(t, t.TempDir(), "fact.il", factorialSource)
	var out bytes.Buffer
	if code := runFile(context.Background(), &out, path, vm.DefaultConfig(), true); code != 0 {
		t.Fatalf("exit code = %d: %s", code, out.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "steps=") {
		t.Errorf("output = %q, want a stats line after the result", out.String())
	}
}

func TestBuildAndRunImage(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, dir, "fact.il", factorialSource)

	out := imagePath(src)
	if filepath.Ext(out) != ".ilc" {
		t.Fatalf("imagePath = %q", out)
	}
	n, digest, err := buildImage(src, out)
	if err != nil {
		t.Fatalf("buildImage: %v", err)
	}
	if n != 2 {
		t.Errorf("buildImage wrote %d blocks, want 2", n)
	}
	if digest == (image.Digest{}) {
		t.Error("buildImage returned a zero digest")
	}

	var buf bytes.Buffer
	if code := runFile(context.Background(), &buf, out, vm.DefaultConfig(), false); code != 0 {
		t.Fatalf("running image: %s", buf.String())
	}
	if buf.String() != "Normal termination. Result = 120\n" {
		t.Errorf("output = %q", buf.String())
	}

	if _, _, err := buildImage(out, out+".again"); err == nil {
		t.Error("building an image from an image should fail")
	}
	bad := writeFile(t, dir, "bad.il", "block 3 { exit(0); }")
	if _, _, err := buildImage(bad, imagePath(bad)); err == nil {
		t.Error("building a program without block 0 should fail")
	}
}

func TestRunRemote(t *testing.T) {
	srv := server.New(server.Config{Machine: vm.DefaultConfig(), Workers: 1})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l)
	defer srv.Shutdown(context.Background())

	dir := t.TempDir()
	ok := writeFile(t, dir, "ok.il", `block 0 { print("far"); exit(5); }`)
	var out bytes.Buffer
	if code := runRemote(context.Background(), &out, l.Addr().String(), ok, vm.DefaultConfig(), false); code != 0 {
		t.Fatalf("exit code = %d: %s", code, out.String())
	}
	if out.String() != "far\nNormal termination. Result = 5\n" {
		t.Errorf("output = %q", out.String())
	}

	bad := writeFile(t, dir, "bad.il", "block 0 { abort; }")
	out.Reset()
	if code := runRemote(context.Background(), &out, l.Addr().String(), bad, vm.DefaultConfig(), false); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out.String(), "called abort") {
		t.Errorf("output = %q", out.String())
	}
}

// ---------------------------------------------------------------------------
// Project commands
// ---------------------------------------------------------------------------

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, manifest.FileName, "[machine]\nheap-size = 64\n")
	sub := filepath.Join(dir, "src")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	prog := writeFile(t, sub, "main.il", factorialSource)

	t.Setenv(manifest.EnvRegisters, "4")
	m, err := loadManifest(prog)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	if m.Machine.HeapSize != 64 {
		t.Errorf("HeapSize = %d, want 64 from ilvm.toml", m.Machine.HeapSize)
	}
	if m.Machine.Registers != 4 {
		t.Errorf("Registers = %d, want 4 from the environment", m.Machine.Registers)
	}

	t.Setenv(manifest.EnvRegisters, "many")
	if _, err := loadManifest(prog); err == nil {
		t.Error("loadManifest should reject a malformed environment override")
	}
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()
	clean := writeFile(t, dir, "clean.il", factorialSource)
	warn := writeFile(t, dir, "warn.il", "block 0 {\n    goto(3);\n}\n")
	broken := writeFile(t, dir, "broken.il", "block 2 { exit(0); }")

	var out bytes.Buffer
	if ok, err := checkFile(&out, clean, 10); !ok || err != nil || out.Len() != 0 {
		t.Errorf("clean: ok=%v err=%v output=%q", ok, err, out.String())
	}

	out.Reset()
	ok, err := checkFile(&out, warn, 10)
	if !ok || err != nil {
		t.Errorf("warnings only: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(out.String(), warn+":1:1: warning: ") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	ok, _ = checkFile(&out, broken, 10)
	if ok {
		t.Error("missing block 0 should fail the check")
	}
	if out.String() != broken+": error: Expected block 0\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunSuite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "suite.yaml", `cases:
  - name: exits
    source: "block 0 { exit(4); }"
    result: 4
  - name: wrong
    source: "block 0 { exit(4); }"
    result: 5
`)
	var out bytes.Buffer
	failed, err := runSuite(context.Background(), &out, path, manifest.Default())
	if err != nil {
		t.Fatalf("runSuite: %v", err)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	for _, want := range []string{"PASS exits", "FAIL wrong: result = 4, want 5", "1/2 passed"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output = %q, want it to contain %q", out.String(), want)
		}
	}
}

func TestInitProject(t *testing.T) {
	dir := t.TempDir()
	if err := initProject(dir, "demo"); err != nil {
		t.Fatalf("initProject: %v", err)
	}
	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Project.Name != "demo" || m.EntryPath() != filepath.Join(dir, "main.il") {
		t.Errorf("manifest = %+v", m.Project)
	}
	if err := initProject(dir, "again"); err == nil {
		t.Error("initProject should not overwrite an existing manifest")
	}
}
