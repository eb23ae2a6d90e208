package fetch

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/protomaps/go-pmtiles/pmtiles"
	"gocloud.dev/blob"
)

const (
	pmtilesHeaderLen = 127
	// a directory lookup never goes deeper than root + 3 leaf levels
	pmtilesMaxDepth = 3
)

const (
	compressionNone uint8 = 1
	compressionGzip uint8 = 2
)

var errTileNotInArchive = errors.New("tile not in archive")

var pmtilesContentTypes = map[uint8]string{
	1: "application/x-protobuf",
	2: "image/png",
	3: "image/jpeg",
	4: "image/webp",
}

type pmtilesHeader struct {
	rootOffset          uint64
	rootLength          uint64
	leafDirectoryOffset uint64
	tileDataOffset      uint64
	internalCompression uint8
	tileCompression     uint8
	tileType            uint8
	minZoom             uint8
	maxZoom             uint8
}

type dirEntry struct {
	tileID    uint64
	offset    uint64
	length    uint32
	runLength uint32
}

// PMTilesFetcher serves origin tile URLs from a PMTiles v3 archive,
// the last three path segments of an URL are read as {z}/{x}/{y}.{ext}.
type PMTilesFetcher struct {
	bucket *blob.Bucket
	key    string
	header pmtilesHeader
	logger log.Logger
}

// NewPMTilesFetcher reads the archive header of key in bucket.
func NewPMTilesFetcher(ctx context.Context, bucket *blob.Bucket, key string, logger log.Logger) (*PMTilesFetcher, error) {
	b, err := readRange(ctx, bucket, key, 0, pmtilesHeaderLen)
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", key, err)
	}

	h, err := parsePMTilesHeader(b)
	if err != nil {
		return nil, fmt.Errorf("invalid archive %s: %w", key, err)
	}

	logger = log.With(logger, "component", "pmtiles_fetcher")
	level.Debug(logger).Log("msg", "archive opened", "key", key, "tile_type", h.tileType,
		"min_zoom", h.minZoom, "max_zoom", h.maxZoom)

	return &PMTilesFetcher{
		bucket: bucket,
		key:    key,
		header: h,
		logger: logger,
	}, nil
}

// Fetch returns the archived tile addressed by rawURL.
func (f *PMTilesFetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	z, x, y, err := parseTilePath(rawURL)
	if err != nil {
		return &Response{StatusCode: http.StatusBadRequest}, fmt.Errorf("can't address %s: %w", rawURL, err)
	}

	data, err := f.ReadTile(ctx, z, x, y)
	if errors.Is(err, errTileNotInArchive) {
		return &Response{StatusCode: http.StatusNotFound}, &StatusError{URL: rawURL, StatusCode: http.StatusNotFound}
	}
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode:  http.StatusOK,
		ContentType: pmtilesContentTypes[f.header.tileType],
		Body:        data,
	}, nil
}

// ReadTile returns the uncompressed tile at z/x/y.
func (f *PMTilesFetcher) ReadTile(ctx context.Context, z uint8, x, y uint32) ([]byte, error) {
	if z < f.header.minZoom || z > f.header.maxZoom {
		return nil, errTileNotInArchive
	}

	tileID := pmtiles.ZxyToId(z, x, y)

	offset, length := f.header.rootOffset, f.header.rootLength
	for depth := 0; depth <= pmtilesMaxDepth; depth++ {
		raw, err := readRange(ctx, f.bucket, f.key, int64(offset), int64(length))
		if err != nil {
			return nil, fmt.Errorf("can't read directory: %w", err)
		}

		entries, err := f.decodeDirectory(raw)
		if err != nil {
			return nil, err
		}

		entry, ok := findEntry(entries, tileID)
		if !ok {
			return nil, errTileNotInArchive
		}

		if entry.runLength == 0 {
			offset = f.header.leafDirectoryOffset + entry.offset
			length = uint64(entry.length)

			continue
		}

		data, err := readRange(ctx, f.bucket, f.key, int64(f.header.tileDataOffset+entry.offset), int64(entry.length))
		if err != nil {
			return nil, fmt.Errorf("can't read tile %d/%d/%d: %w", z, x, y, err)
		}

		return decompress(f.header.tileCompression, data)
	}

	return nil, errTileNotInArchive
}

func (f *PMTilesFetcher) decodeDirectory(raw []byte) ([]dirEntry, error) {
	b, err := decompress(f.header.internalCompression, raw)
	if err != nil {
		return nil, fmt.Errorf("can't decompress directory: %w", err)
	}

	r := bufio.NewReader(bytes.NewReader(b))
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("corrupted directory: %w", err)
	}

	entries := make([]dirEntry, n)
	var lastID uint64
	for i := range entries {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("corrupted directory ids: %w", err)
		}
		lastID += delta
		entries[i].tileID = lastID
	}

	for i := range entries {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("corrupted directory run lengths: %w", err)
		}
		entries[i].runLength = uint32(v)
	}

	for i := range entries {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("corrupted directory lengths: %w", err)
		}
		entries[i].length = uint32(v)
	}

	for i := range entries {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("corrupted directory offsets: %w", err)
		}
		// 0 means contiguous with the previous entry
		if i > 0 && v == 0 {
			entries[i].offset = entries[i-1].offset + uint64(entries[i-1].length)
		} else {
			entries[i].offset = v - 1
		}
	}

	return entries, nil
}

func parsePMTilesHeader(d []byte) (pmtilesHeader, error) {
	var h pmtilesHeader
	if len(d) < pmtilesHeaderLen {
		return h, fmt.Errorf("short header: %d bytes", len(d))
	}
	if string(d[0:7]) != "PMTiles" {
		return h, fmt.Errorf("magic number not detected")
	}
	if d[7] != 3 {
		return h, fmt.Errorf("archive version %d, only version 3 is supported", d[7])
	}

	h.rootOffset = binary.LittleEndian.Uint64(d[8:16])
	h.rootLength = binary.LittleEndian.Uint64(d[16:24])
	h.leafDirectoryOffset = binary.LittleEndian.Uint64(d[40:48])
	h.tileDataOffset = binary.LittleEndian.Uint64(d[56:64])
	h.internalCompression = d[97]
	h.tileCompression = d[98]
	h.tileType = d[99]
	h.minZoom = d[100]
	h.maxZoom = d[101]

	return h, nil
}

// findEntry binary searches entries, a run entry covers runLength ids
// and a leaf pointer (runLength 0) covers every id up to the next entry.
func findEntry(entries []dirEntry, tileID uint64) (dirEntry, bool) {
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) >> 1
		switch {
		case tileID > entries[mid].tileID:
			lo = mid + 1
		case tileID < entries[mid].tileID:
			hi = mid - 1
		default:
			return entries[mid], true
		}
	}

	if hi >= 0 {
		e := entries[hi]
		if e.runLength == 0 || tileID-e.tileID < uint64(e.runLength) {
			return e, true
		}
	}

	return dirEntry{}, false
}

func decompress(compression uint8, data []byte) ([]byte, error) {
	switch compression {
	case compressionNone, 0:
		return data, nil
	case compressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()

		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
}

func readRange(ctx context.Context, bucket *blob.Bucket, key string, offset, length int64) ([]byte, error) {
	r, err := bucket.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

func parseTilePath(rawURL string) (uint8, uint32, uint32, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, 0, 0, err
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 {
		return 0, 0, 0, fmt.Errorf("path %q does not end with z/x/y", u.Path)
	}
	parts = parts[len(parts)-3:]
	// drop the extension and any retina suffix like 12@2x.png
	if i := strings.IndexFunc(parts[2], func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		parts[2] = parts[2][:i]
	}

	z, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid zoom: %w", err)
	}
	x, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid x: %w", err)
	}
	y, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid y: %w", err)
	}

	return uint8(z), uint32(x), uint32(y), nil
}
