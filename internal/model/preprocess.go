package model

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// Preprocess converts an image to the tensor layout the model expects:
// a square of meta.ImageSize pixels, RGB scaled to [0,1] and normalized by
// the per-channel mean and std.
func Preprocess(img image.Image, meta Metadata) ([]float32, error) {
	meta = meta.withDefaults()
	if meta.ImageSize <= 0 {
		return nil, fmt.Errorf("invalid image size %d", meta.ImageSize)
	}

	targetSize := uint(meta.ImageSize)
	resized := resize.Resize(targetSize, targetSize, img, resize.Lanczos3)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	const channels = 3
	inputData := make([]float32, channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rgb := [channels]float32{
				normalize(float32(r)/65535.0, meta, 0),
				normalize(float32(g)/65535.0, meta, 1),
				normalize(float32(b)/65535.0, meta, 2),
			}

			pixelIndex := y*width + x
			for c, v := range rgb {
				if meta.Layout == LayoutNHWC {
					inputData[pixelIndex*channels+c] = v
				} else {
					inputData[c*plane+pixelIndex] = v
				}
			}
		}
	}

	return inputData, nil
}

func normalize(v float32, meta Metadata, channel int) float32 {
	if channel < len(meta.Mean) {
		v -= meta.Mean[channel]
	}
	if channel < len(meta.Std) && meta.Std[channel] != 0 {
		v /= meta.Std[channel]
	}
	return v
}
