package batch

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	upscaler "github.com/e7canasta/orion-upscaler"
	"github.com/e7canasta/orion-upscaler/resilience"
)

const jpegQuality = 95

// readImage opens and decodes path. Open failures are I/O errors; decode
// failures are image errors and not retryable.
func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &upscaler.Error{Kind: upscaler.KindIO, Msg: "open " + path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, resilience.Image(fmt.Sprintf("decode %s", path)).WithCause(err)
	}
	return img, nil
}

// writeImage encodes img by the extension of path through a temporary file,
// so a failed write never leaves a truncated output behind.
func writeImage(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &upscaler.Error{Kind: upscaler.KindIO, Msg: "create output dir", Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upscale-*")
	if err != nil {
		return &upscaler.Error{Kind: upscaler.KindIO, Msg: "create temp file", Err: err}
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	default:
		err = png.Encode(w, img)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &upscaler.Error{Kind: upscaler.KindIO, Msg: "write " + path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &upscaler.Error{Kind: upscaler.KindIO, Msg: "rename into " + path, Err: err}
	}
	return nil
}
