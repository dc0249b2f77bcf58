package upscaler

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/e7canasta/orion-upscaler/internal/graph"
)

// ImageToTensor converts img into a [1, H, W, 3] tensor with values in
// [0, 1]. Alpha is dropped: colour is read non-premultiplied whatever the
// image type, so the same picture stored as 8-bit or 16-bit converts alike.
func ImageToTensor(img image.Image) *Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := graph.NewTensor(1, h, w, graph.Channels)

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := 0; y < h; y++ {
			row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
			for x := 0; x < w; x++ {
				i := (y*w + x) * graph.Channels
				t.Data[i] = float32(row[x*4]) / 255
				t.Data[i+1] = float32(row[x*4+1]) / 255
				t.Data[i+2] = float32(row[x*4+2]) / 255
			}
		}
		return t
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			i := (y*w + x) * graph.Channels
			t.Data[i] = float32(c.R) / 0xffff
			t.Data[i+1] = float32(c.G) / 0xffff
			t.Data[i+2] = float32(c.B) / 0xffff
		}
	}
	return t
}

// TensorToImage converts a [1, H, W, 3] tensor into an opaque image. Values
// are clamped to [0, 1] and rounded to 8 bits.
func TensorToImage(t *Tensor) (*image.NRGBA, error) {
	if t == nil || t.Rank() != 4 || t.Shape[0] != 1 || t.Shape[3] != graph.Channels {
		var shape []int
		if t != nil {
			shape = t.Shape
		}
		return nil, invalidInput(fmt.Sprintf("expected [1, height, width, %d], got %v", graph.Channels, shape))
	}
	h, w := t.Shape[1], t.Shape[2]
	if len(t.Data) != graph.NumElements(t.Shape) {
		return nil, invalidInput(fmt.Sprintf("data length %d does not match shape %v", len(t.Data), t.Shape))
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := (y*w + x) * graph.Channels
			row[x*4] = to8(t.Data[i])
			row[x*4+1] = to8(t.Data[i+1])
			row[x*4+2] = to8(t.Data[i+2])
			row[x*4+3] = 0xff
		}
	}
	return img, nil
}

func to8(v float32) uint8 {
	switch {
	case !(v > 0): // also NaN
		return 0
	case v >= 1:
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}

// UpscaleImage upscales a single image.
func (n *Network) UpscaleImage(ctx context.Context, img image.Image) (*image.NRGBA, error) {
	if img == nil {
		return nil, invalidInput("image is nil")
	}
	if img.Bounds().Empty() {
		return nil, invalidInput("image is empty")
	}
	out, err := n.Process(ctx, ImageToTensor(img))
	if err != nil {
		return nil, err
	}
	return TensorToImage(out)
}
