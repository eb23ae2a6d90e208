package tilecache

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	// origin tiles may be webp, only decoding is needed
	_ "golang.org/x/image/webp"
)

// Outcome tells how a tile was resolved.
type Outcome int

const (
	// Bypass tiles were fetched without any cache interaction.
	Bypass Outcome = iota
	// Hit tiles were served from the store.
	Hit
	// Miss tiles were fetched from the origin after a lookup miss.
	Miss
	// Blank is the offline placeholder served on a miss with UseOnlyCache.
	Blank
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Blank:
		return "blank"
	default:
		return "bypass"
	}
}

// ImageSource is a servable tile.
type ImageSource struct {
	// URL is the address the tile was resolved from, the origin URL or the
	// store key on hit.
	URL         string
	Data        []byte
	ContentType string
	Outcome     Outcome
}

// EmptyImage is the blank tile sentinel, a 1x1 transparent gif addressed by
// its data URI. It must not be modified.
var EmptyImage = newEmptyImage()

func newEmptyImage() *ImageSource {
	img := image.NewPaletted(image.Rect(0, 0, 1, 1), color.Palette{color.Transparent})

	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		panic(err)
	}

	return &ImageSource{
		URL:         "data:image/gif;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Data:        buf.Bytes(),
		ContentType: "image/gif",
		Outcome:     Blank,
	}
}

// IsBlank reports whether s is the blank placeholder.
func (s *ImageSource) IsBlank() bool {
	return s == EmptyImage
}

var encoders = map[string]func(w io.Writer, img image.Image) error{
	"image/png": png.Encode,
	"image/jpeg": func(w io.Writer, img image.Image) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	},
	"image/gif": func(w io.Writer, img image.Image) error {
		return gif.Encode(w, img, nil)
	},
}

// Reencode decodes a png, jpeg or gif tile and encodes its pixels as format.
func Reencode(data []byte, format string) ([]byte, error) {
	enc, ok := encoders[format]
	if !ok {
		return nil, fmt.Errorf("unsupported cache format %q", format)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("can't decode tile: %w", err)
	}

	var buf bytes.Buffer
	if err := enc(&buf, img); err != nil {
		return nil, fmt.Errorf("can't encode tile as %s: %w", format, err)
	}

	return buf.Bytes(), nil
}
