package imagegen

import (
	"bytes"
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
)

// Static renders a solid swatch derived from the prompt. It is used for local
// runs without a model token.
type Static struct {
	Size int
}

var _ Generator = Static{}

func (s Static) Generate(ctx context.Context, prompt string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := s.Size
	if size <= 0 {
		size = 64
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	sum := h.Sum32()
	c := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &Image{Data: buf.Bytes(), ContentType: "image/png", Model: "static"}, nil
}
