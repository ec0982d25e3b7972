package os

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src, dst := filepath.Join(dir, "a.bin"), filepath.Join(dir, "sub", "b.bin")
	if err := os.WriteFile(src, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := CheckCreateDir(filepath.Dir(dst)); err != nil {
		t.Fatal(err)
	}
	if err := MoveFile(src, dst); err != nil {
		t.Fatal(err)
	}
	if Exists(src) {
		t.Errorf("source %v still exists", src)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "abc" {
		t.Errorf("wrong content %q", data)
	}
}

func TestFileLock(t *testing.T) {
	lock, err := NewFileLock(filepath.Join(t.TempDir(), "x", "test.lock"))
	if err != nil {
		t.Fatal(err)
	}
	if err = lock.Lock(); err != nil {
		t.Fatal(err)
	}
	if err = lock.Unlock(); err != nil {
		t.Fatal(err)
	}
}
