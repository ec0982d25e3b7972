package publisher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"github.com/horizonfpv/stereocam/pkg/logger"
	"google.golang.org/api/option"
)

// GCS uploads files into a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
	suffix string
	log    *logger.Logger
}

// NewGCS makes a client with the given credentials file,
// or with the default application credentials when it's empty.
func NewGCS(ctx context.Context, bucket, prefix, credentials, suffix string, log *logger.Logger) (*GCS, error) {
	var opts []option.ClientOption
	if credentials != "" {
		opts = append(opts, option.WithCredentialsFile(credentials))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
		prefix: prefix,
		suffix: suffix,
		log:    log.Component("publisher"),
	}, nil
}

func (g *GCS) Publish(ctx context.Context, it Item) (string, error) {
	dir := "photos"
	if it.Kind == Video {
		dir = "videos"
	}
	name := path.Join(g.prefix, dir, Name(it.Taken, g.suffix, it.Kind))

	reader, err := os.Open(it.Path)
	if err != nil {
		return "", err
	}
	defer func() { _ = reader.Close() }()

	wc := g.bucket.Object(name).NewWriter(ctx)
	wc.ContentType = it.Kind.MIME()
	if _, err = io.Copy(wc, reader); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("upload %v: %w", name, err)
	}
	if err = wc.Close(); err != nil {
		return "", fmt.Errorf("upload %v: %w", name, err)
	}
	_ = reader.Close()
	if err = os.Remove(it.Path); err != nil {
		g.log.Warn().Err(err).Msg("temp file is left")
	}

	url := fmt.Sprintf("gs://%s/%s", g.name, name)
	g.log.Info().Str("file", url).Msg("published")
	return url, nil
}

func (g *GCS) Close() error { return g.client.Close() }
