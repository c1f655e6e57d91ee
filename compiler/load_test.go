package compiler

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/ilvm/image"
	"github.com/chazu/ilvm/vm"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "fact.il")
	if err := os.WriteFile(src, []byte(factorialSource), 0o644); err != nil {
		t.Fatal(err)
	}

	fromText, err := LoadFile(src, Options{})
	if err != nil {
		t.Fatalf("LoadFile(text): %v", err)
	}

	img := filepath.Join(dir, "fact.ilc")
	if err := image.WriteFile(img, fromText.Blocks); err != nil {
		t.Fatal(err)
	}
	fromImage, err := LoadFile(img, Options{})
	if err != nil {
		t.Fatalf("LoadFile(image): %v", err)
	}
	if len(fromImage.Blocks) != len(fromText.Blocks) {
		t.Fatalf("image has %d blocks, want %d", len(fromImage.Blocks), len(fromText.Blocks))
	}

	result, err := vm.Run(t.Context(), vm.Config{HeapSize: 10, Registers: 3, Output: io.Discard}, fromImage.Table)
	if err != nil || result != 120 {
		t.Errorf("run = %d, %v; want 120", result, err)
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.il"), Options{})
	if vm.KindOf(err) != vm.KindIO || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v (kind %v), want io error", err, vm.KindOf(err))
	}

	bad := filepath.Join(dir, "bad.ilc")
	if err := os.WriteFile(bad, append(image.Magic[:], 0, 9), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = LoadFile(bad, Options{})
	if vm.KindOf(err) != vm.KindIO || !errors.Is(err, image.ErrVersion) {
		t.Errorf("bad image: %v, want io error wrapping ErrVersion", err)
	}

	broken := filepath.Join(dir, "broken.il")
	if err := os.WriteFile(broken, []byte("block 0 {"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = LoadFile(broken, Options{})
	if vm.KindOf(err) != vm.KindParse {
		t.Errorf("broken source: %v, want parse error", err)
	}
}
