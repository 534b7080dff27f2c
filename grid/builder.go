// Package grid draws the frames of one monitor into a single square image.
package grid

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
)

// ErrNoTiles is returned when a grid is requested without any image
var ErrNoTiles = errors.New("grid has no tiles")

// Builder lays out fixed-size tiles on a square grid sized for a monitor
type Builder struct {
	tileWidth  int
	tileHeight int
	cols       int
	rows       int
	slots      int
	quality    int
	background color.Color
}

// NewBuilder creates a builder for monitors showing up to slots cameras
func NewBuilder(tileWidth, tileHeight, slots, quality int) *Builder {
	if slots < 1 {
		slots = 1
	}
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	cols := int(math.Ceil(math.Sqrt(float64(slots))))
	rows := (slots + cols - 1) / cols

	return &Builder{
		tileWidth:  tileWidth,
		tileHeight: tileHeight,
		cols:       cols,
		rows:       rows,
		slots:      slots,
		quality:    quality,
		background: color.Black,
	}
}

// Bounds returns the size of the composed image
func (b *Builder) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.cols*b.tileWidth, b.rows*b.tileHeight)
}

// TileRect returns the rectangle of the tile at position
func (b *Builder) TileRect(position int) image.Rectangle {
	col := position % b.cols
	row := position / b.cols
	x := col * b.tileWidth
	y := row * b.tileHeight
	return image.Rect(x, y, x+b.tileWidth, y+b.tileHeight)
}

// Compose decodes each encoded tile, scales it into its slot and returns the
// JPEG encoded grid. Positions outside the grid are an error.
func (b *Builder) Compose(tiles map[int][]byte) ([]byte, error) {
	if len(tiles) == 0 {
		return nil, ErrNoTiles
	}

	dst := image.NewRGBA(b.Bounds())
	draw.Draw(dst, dst.Bounds(), image.NewUniform(b.background), image.Point{}, draw.Src)

	for position, data := range tiles {
		if position < 0 || position >= b.slots {
			return nil, fmt.Errorf("tile position %d outside grid of %d", position, b.slots)
		}

		src, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode tile %d: %w", position, err)
		}

		draw.ApproxBiLinear.Scale(dst, b.TileRect(position), src, src.Bounds(), draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: b.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode grid: %w", err)
	}
	return buf.Bytes(), nil
}
