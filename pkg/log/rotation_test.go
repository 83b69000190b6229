// Log rotation tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterAppends(t *testing.T) {
	name := filepath.Join(t.TempDir(), "logs", "ecu.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: name})
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("sync lost at tooth 31\n")
	if n, err := w.Write(msg); err != nil || n != len(msg) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if w.Size() != int64(len(msg)) {
		t.Errorf("size %d", w.Size())
	}
	w.Close()

	// Reopening continues the existing file.
	w, err = NewRotatingFileWriter(RotationConfig{Filename: name})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if w.Size() != int64(len(msg)) {
		t.Errorf("reopened size %d", w.Size())
	}
}

func TestRotatingWriterKeepsBackups(t *testing.T) {
	name := filepath.Join(t.TempDir(), "ecu.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: name, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	line := []byte(strings.Repeat("x", 600) + "\n")
	for i := 0; i < 6; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatal(err)
		}
	}
	// Each 601 byte line fills more than half of the 1 KiB limit.
	if w.Rotations() != 5 {
		t.Errorf("rotations = %d, want 5", w.Rotations())
	}
	for _, n := range []string{name, name + ".1", name + ".2"} {
		if _, err := os.Stat(n); err != nil {
			t.Errorf("%s missing: %v", filepath.Base(n), err)
		}
	}
	if _, err := os.Stat(name + ".3"); !os.IsNotExist(err) {
		t.Errorf("third backup kept: %v", err)
	}
}

func TestRotatingWriterCompresses(t *testing.T) {
	name := filepath.Join(t.TempDir(), "ecu.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: name, MaxSize: 1, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	first := bytes.Repeat([]byte("a"), 900)
	w.Write(first)
	w.Write(bytes.Repeat([]byte("b"), 900))

	f, err := os.Open(name + ".1.gz")
	if err != nil {
		t.Fatalf("compressed backup: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("backup holds %d bytes, want the first write", len(got))
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	w, err := NewRotatingFileWriter(RotationConfig{Filename: filepath.Join(t.TempDir(), "x.log")})
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	if _, err := w.Write([]byte("late")); err == nil {
		t.Error("write after Close succeeded")
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRotatingWriterRequiresName(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Error("empty file name accepted")
	}
}

func TestNewFileLoggerMirrors(t *testing.T) {
	name := filepath.Join(t.TempDir(), "ecu.log")
	var console bytes.Buffer
	l, w, err := NewFileLogger("ecu", RotationConfig{Filename: name}, &console)
	if err != nil {
		t.Fatal(err)
	}
	l.Warn("idle cut-off")
	w.Close()

	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ecu: idle cut-off") {
		t.Errorf("file content %q", data)
	}
	if !strings.Contains(console.String(), "idle cut-off") {
		t.Errorf("console content %q", console.String())
	}
}
