package tilecache

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 128, A: 255})
		}
	}

	return img
}

func pngTile(t *testing.T) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage()))

	return buf.Bytes()
}

func jpegTile(t *testing.T) []byte {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(), nil))

	return buf.Bytes()
}

func TestReencode(t *testing.T) {
	tests := []struct {
		name       string
		in         []byte
		format     string
		wantFormat string
	}{
		{"jpeg to png", jpegTile(t), "image/png", "png"},
		{"png to jpeg", pngTile(t), "image/jpeg", "jpeg"},
		{"png to gif", pngTile(t), "image/gif", "gif"},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			out, err := Reencode(tt.in, tt.format)
			require.NoError(t, err)

			img, format, err := image.Decode(bytes.NewReader(out))
			require.NoError(t, err)
			require.Equal(t, tt.wantFormat, format)
			require.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())
		})
	}
}

func TestReencodeWebP(t *testing.T) {
	// 1x1 lossless webp
	in, err := base64.StdEncoding.DecodeString("UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA==")
	require.NoError(t, err)

	out, err := Reencode(in, "image/png")
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, image.Rect(0, 0, 1, 1), img.Bounds())
}

func TestReencodeErrors(t *testing.T) {
	_, err := Reencode([]byte("<html>rate limited</html>"), "image/png")
	require.Error(t, err)

	_, err = Reencode(pngTile(t), "image/bmp")
	require.Error(t, err)
}

func TestEmptyImage(t *testing.T) {
	require.True(t, EmptyImage.IsBlank())
	require.Equal(t, Blank, EmptyImage.Outcome)

	img, format, err := image.Decode(bytes.NewReader(EmptyImage.Data))
	require.NoError(t, err)
	require.Equal(t, "gif", format)
	require.Equal(t, image.Rect(0, 0, 1, 1), img.Bounds())

	other := *EmptyImage
	require.False(t, other.IsBlank())
}
