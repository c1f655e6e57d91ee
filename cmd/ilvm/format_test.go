package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFormat_Idempotent(t *testing.T) {
	input := "block 1 {ifz r0 {exit(1);} else {r0 = r0 - 1; goto(1);}}\nblock 0 { r0 = 3; goto(1); }"

	formatted, err := Format(input)
	if err != nil {
		t.Fatalf("first format failed: %v", err)
	}
	formatted2, err := Format(formatted)
	if err != nil {
		t.Fatalf("second format failed: %v", err)
	}
	if formatted != formatted2 {
		t.Errorf("not idempotent.\nFirst:\n%s\nSecond:\n%s", formatted, formatted2)
	}
}

func TestFormat_Layout(t *testing.T) {
	got, err := Format("block 0 { r0 = malloc(2); *r0 = -1; print(*r0, 1); ifz r0 { abort; } else { exit(r0); } }")
	if err != nil {
		t.Fatal(err)
	}
	want := `block 0 {
    r0 = malloc(2);
    *r0 = -1;
    print(*r0, 1);
    ifz r0 {
        abort;
    }
    else {
        exit(r0);
    }
}
`
	if got != want {
		t.Errorf("Format =\n%s\nwant\n%s", got, want)
	}
}

func TestFormat_ParseError(t *testing.T) {
	_, err := Format("block 0 { exit(0) }")
	if err == nil || !strings.Contains(err.Error(), "line 1:19") {
		t.Errorf("Format error = %v, want a positioned parse error", err)
	}
}

func TestFormatFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.il")
	if err := os.WriteFile(path, []byte("block 0 {exit(0);}"), 0o644); err != nil {
		t.Fatal(err)
	}

	changed, err := formatFile(path, true)
	if err != nil || !changed {
		t.Fatalf("check mode: changed=%v err=%v", changed, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "block 0 {exit(0);}" {
		t.Error("check mode modified the file")
	}

	if changed, err := formatFile(path, false); err != nil || !changed {
		t.Fatalf("format: changed=%v err=%v", changed, err)
	}
	if changed, err := formatFile(path, false); err != nil || changed {
		t.Errorf("second format: changed=%v err=%v", changed, err)
	}
}

func TestCollectILFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.il", "b.txt", "sub/c.il"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := collectILFiles([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("collectILFiles = %v, want 2 .il files", files)
	}

	if _, err := collectILFiles([]string{filepath.Join(dir, "b.txt")}); err == nil {
		t.Error("a non-.il file should be rejected")
	}
}
