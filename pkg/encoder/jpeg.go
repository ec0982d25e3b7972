package encoder

import (
	"bufio"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
)

// WriteJPEG writes img as a single JPEG file.
// The file is removed if anything goes wrong.
func WriteJPEG(path string, img image.Image, quality int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if err1 := f.Close(); err == nil {
			err = err1
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	w := bufio.NewWriter(f)
	if err = imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("jpeg: %w", err)
	}
	return w.Flush()
}
