package publisher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/horizonfpv/stereocam/pkg/logger"
	"github.com/horizonfpv/stereocam/pkg/os"
)

// Local publishes into the photo and video dirs under a shared root.
// Other processes writing there are kept out with a file lock,
// the mutex does it for goroutines since the file lock is per process.
type Local struct {
	Root     string
	PhotoDir string
	VideoDir string
	Suffix   string

	mu   sync.Mutex
	lock *os.Flock
	log  *logger.Logger
}

func NewLocal(root, photoDir, videoDir, suffix string, log *logger.Logger) (*Local, error) {
	lock, err := os.NewFileLock(filepath.Join(root, ".stereocam.lock"))
	if err != nil {
		return nil, fmt.Errorf("publisher lock: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Local{
		Root:     root,
		PhotoDir: photoDir,
		VideoDir: videoDir,
		Suffix:   suffix,
		lock:     lock,
		log:      log.Component("publisher"),
	}, nil
}

func (l *Local) Publish(_ context.Context, it Item) (string, error) {
	dir := filepath.Join(l.Root, filepath.FromSlash(l.PhotoDir))
	if it.Kind == Video {
		dir = filepath.Join(l.Root, filepath.FromSlash(l.VideoDir))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.lock.Lock(); err != nil {
		return "", err
	}
	defer func() { _ = l.lock.Unlock() }()

	if err := os.CheckCreateDir(dir); err != nil {
		return "", err
	}
	name := Name(it.Taken, l.Suffix, it.Kind)
	dst := filepath.Join(dir, name)
	for i := 1; os.Exists(dst); i++ {
		dst = filepath.Join(dir, fmt.Sprintf("%s(%d)%s", strings.TrimSuffix(name, it.Kind.Ext()), i, it.Kind.Ext()))
	}
	if err := os.MoveFile(it.Path, dst); err != nil {
		return "", fmt.Errorf("publish %v: %w", it.Kind, err)
	}
	l.log.Info().Str("file", dst).Str("mime", it.Kind.MIME()).Msg("published")
	return dst, nil
}
