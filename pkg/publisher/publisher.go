// Package publisher moves finished photos and videos into shared storage.
package publisher

import (
	"context"
	"fmt"
	"time"
)

type Kind uint8

const (
	Photo Kind = iota
	Video
)

func (k Kind) String() string {
	if k == Video {
		return "video"
	}
	return "photo"
}

func (k Kind) Ext() string {
	if k == Video {
		return ".mp4"
	}
	return ".jpg"
}

func (k Kind) MIME() string {
	if k == Video {
		return "video/mp4"
	}
	return "image/jpeg"
}

// Item is a finished file waiting in the temp dir.
type Item struct {
	Path string
	Kind Kind
	// Taken is the capture time or the recording start.
	Taken time.Time
}

// Publisher takes the item file and returns where it ended up.
// The temp file is gone after a successful call.
type Publisher interface {
	Publish(ctx context.Context, it Item) (string, error)
}

const DefaultSuffix = "_3D_LR"

// Name returns the shared storage file name, e.g. 2024-03-01-12-30-05-042_3D_LR.jpg.
func Name(t time.Time, suffix string, k Kind) string {
	return fmt.Sprintf("%s-%03d%s%s", t.Format("2006-01-02-15-04-05"), t.Nanosecond()/int(time.Millisecond), suffix, k.Ext())
}
