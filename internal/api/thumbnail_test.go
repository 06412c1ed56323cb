package api

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestMakeThumbnail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 50, B: 50, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	thumb, err := makeThumbnail(buf.Bytes(), 16)
	if err != nil {
		t.Fatalf("make thumbnail: %v", err)
	}

	out, _, err := image.Decode(bytes.NewReader(thumb))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if out.Bounds().Dx() != 16 {
		t.Fatalf("width = %d, want 16", out.Bounds().Dx())
	}
	// Aspect ratio preserved: 64x32 at width 16 gives height 8.
	if out.Bounds().Dy() != 8 {
		t.Fatalf("height = %d, want 8", out.Bounds().Dy())
	}
}

func TestMakeThumbnailRejectsGarbage(t *testing.T) {
	if _, err := makeThumbnail([]byte("not an image"), 16); err == nil {
		t.Fatal("expected decode error")
	}
}
