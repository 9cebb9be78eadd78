package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenPicksFreshFilenameOnCollision(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(wd)

	w1, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if filepath.Base(w1.Path()) != "SFU_UPLOAD.log" {
		t.Fatalf("first path = %q, want SFU_UPLOAD.log", w1.Path())
	}

	w2, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w2.Close()
	if filepath.Base(w2.Path()) != "SFU_UPLOAD_1.log" {
		t.Fatalf("second path = %q, want SFU_UPLOAD_1.log", w2.Path())
	}
}

func TestWriterInterleavesDeviceAndHostLines(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(wd)

	w, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := w.DeviceLine("booting"); err != nil {
		t.Fatalf("DeviceLine: %v", err)
	}
	if err := w.HostLine("phase=%s", "erase"); err != nil {
		t.Fatalf("HostLine: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	contents, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(contents)
	if !strings.Contains(text, "DEV  booting") {
		t.Fatalf("missing device line, got: %s", text)
	}
	if !strings.Contains(text, "HOST phase=erase") {
		t.Fatalf("missing host line, got: %s", text)
	}
}

func TestFlushWithoutCloseMakesLinesReadable(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(wd)

	w, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.DeviceLine("hello"); err != nil {
		t.Fatalf("DeviceLine: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	contents, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(contents), "hello") {
		t.Fatal("expected flushed content to be visible before Close")
	}
}
