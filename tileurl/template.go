// Package tileurl expands origin tile URL templates such as
// https://{s}.tile.example.com/{z}/{x}/{y}{r}.png
package tileurl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
)

var placeholder = regexp.MustCompile(`\{ *([\w_ -]+) *\}`)

// Template builds origin URLs for tiles.
type Template struct {
	URL string

	// Subdomains are rotated for {s} by (x+y) modulo their count.
	Subdomains []string

	// TMS flips the y axis.
	TMS bool

	ZoomOffset  int
	ZoomReverse bool
	MaxZoom     int

	// MaxNativeZoom caps {z} when non zero.
	MaxNativeZoom int

	// Retina expands {r} to @2x.
	Retina bool

	// Vars are extra named variables, like an API key.
	Vars map[string]string
}

// Expand returns the URL of tile t.
// An unknown variable in the template is an error.
func (tpl *Template) Expand(t maptile.Tile) (string, error) {
	zoom := int(t.Z)
	if tpl.ZoomReverse {
		zoom = tpl.MaxZoom - zoom
	}
	zoom += tpl.ZoomOffset
	if tpl.MaxNativeZoom > 0 && zoom > tpl.MaxNativeZoom {
		zoom = tpl.MaxNativeZoom
	}

	y := uint64(t.Y)
	if tpl.TMS {
		y = uint64(1)<<t.Z - 1 - y
	}

	r := ""
	if tpl.Retina {
		r = "@2x"
	}

	vars := map[string]string{
		"s": tpl.subdomain(t),
		"x": strconv.FormatUint(uint64(t.X), 10),
		"y": strconv.FormatUint(y, 10),
		"z": strconv.Itoa(zoom),
		"r": r,
	}

	var missing string
	u := placeholder.ReplaceAllStringFunc(tpl.URL, func(m string) string {
		name := strings.TrimSpace(placeholder.FindStringSubmatch(m)[1])
		if v, ok := vars[name]; ok {
			return v
		}
		if v, ok := tpl.Vars[name]; ok {
			return v
		}
		if missing == "" {
			missing = name
		}

		return m
	})
	if missing != "" {
		return "", fmt.Errorf("no value provided for variable %s", missing)
	}

	return u, nil
}

func (tpl *Template) subdomain(t maptile.Tile) string {
	if len(tpl.Subdomains) == 0 {
		return ""
	}

	return tpl.Subdomains[(uint64(t.X)+uint64(t.Y))%uint64(len(tpl.Subdomains))]
}
