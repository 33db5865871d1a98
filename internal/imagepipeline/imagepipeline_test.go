package imagepipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"retssync/internal/photofetch"
)

func TestClassLongName(t *testing.T) {
	cases := map[string]string{
		"RE_1":    "Residential",
		"MF_4":    "MultiFamily",
		"CI_3":    "Commercial",
		"LD_2":    "Land",
		"UNKNOWN": "UNKNOWN",
	}
	for in, want := range cases {
		if got := ClassLongName(in); got != want {
			t.Errorf("ClassLongName(%q) = %q, want %q", in, got, want)
		}
	}
}

func solidImage(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestResizeNeverEnlarge(t *testing.T) {
	src := solidImage(100, 50, color.RGBA{255, 0, 0, 255})

	resized := resizeNeverEnlarge(src, 200)
	if resized.Bounds().Dx() != 100 {
		t.Errorf("expected no enlargement, got width %d", resized.Bounds().Dx())
	}

	resized = resizeNeverEnlarge(src, 50)
	if resized.Bounds().Dx() != 50 {
		t.Errorf("expected width capped at 50, got %d", resized.Bounds().Dx())
	}
	if resized.Bounds().Dy() != 25 {
		t.Errorf("expected aspect-preserved height 25, got %d", resized.Bounds().Dy())
	}
}

func TestDominantColorHex(t *testing.T) {
	src := solidImage(20, 20, color.RGBA{10, 20, 30, 255})
	if got := dominantColorHex(src); got != "#0A141E" {
		t.Errorf("dominantColorHex = %q, want #0A141E", got)
	}
}

func TestPassthroughHeadersIncludesExtra(t *testing.T) {
	photo := photofetch.Photo{
		LastModified: "2024-01-01",
		ExtraHeaders: map[string]string{"X-Source": "mls"},
	}
	headers := passthroughHeaders(photo)
	if headers["Last-Modified"] != "2024-01-01" {
		t.Errorf("Last-Modified = %q", headers["Last-Modified"])
	}
	if headers["X-Source"] != "mls" {
		t.Errorf("X-Source = %q, want mls", headers["X-Source"])
	}
}

func TestDecodeWithFallbackDecodesValidJPEG(t *testing.T) {
	var buf bytes.Buffer
	src := solidImage(10, 10, color.RGBA{1, 2, 3, 255})
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatalf("encode fixture jpeg: %v", err)
	}
	img, err := decodeWithFallback(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeWithFallback: %v", err)
	}
	if img.Bounds().Dx() != 10 {
		t.Errorf("decoded width = %d, want 10", img.Bounds().Dx())
	}
}

func TestDecodeWithFallbackReturnsErrorForGarbage(t *testing.T) {
	if _, err := decodeWithFallback([]byte("not an image")); err == nil {
		t.Fatal("expected decode error for non-image garbage")
	}
}

func TestDecodeWithFallbackRecoversLeadingGarbageBeforeJPEG(t *testing.T) {
	var buf bytes.Buffer
	src := solidImage(10, 10, color.RGBA{1, 2, 3, 255})
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatalf("encode fixture jpeg: %v", err)
	}
	framed := append([]byte("garbage-framing-bytes"), buf.Bytes()...)

	img, err := decodeWithFallback(framed)
	if err != nil {
		t.Fatalf("decodeWithFallback: %v", err)
	}
	if img.Bounds().Dx() != 10 {
		t.Errorf("decoded width = %d, want 10", img.Bounds().Dx())
	}
}
