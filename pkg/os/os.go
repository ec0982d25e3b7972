package os

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
)

var ErrNotExist = os.ErrNotExist

func Exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func Remove(path string) error { return os.Remove(path) }

func CheckCreateDir(path string) error {
	if !Exists(path) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

func ExpectTermination() chan struct{} {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{}, 1)
	go func() {
		<-signals
		done <- struct{}{}
	}()
	return done
}

// MoveFile moves src into dst.
// When a plain rename is not possible (different devices),
// the file is copied and the source removed afterwards.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		_ = in.Close()
		return err
	}
	_, err = io.Copy(out, in)
	_ = in.Close()
	if err1 := out.Close(); err == nil {
		err = err1
	}
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copy %v: %w", src, err)
	}
	return os.Remove(src)
}
