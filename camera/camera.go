package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"multi-video-grid/frame"
)

// palette gives neighbouring cameras clearly different backgrounds
var palette = []color.RGBA{
	{R: 200, G: 40, B: 40, A: 255},
	{R: 40, G: 160, B: 60, A: 255},
	{R: 40, G: 80, B: 200, A: 255},
	{R: 200, G: 160, B: 30, A: 255},
	{R: 140, G: 50, B: 170, A: 255},
	{R: 30, G: 160, B: 170, A: 255},
}

// Camera is a synthetic camera that renders numbered JPEG frames
type Camera struct {
	ID      int
	Width   int
	Height  int
	Quality int

	frameNumber int64
}

// NewCamera creates a synthetic camera
func NewCamera(id, width, height, quality int) *Camera {
	return &Camera{
		ID:      id,
		Width:   width,
		Height:  height,
		Quality: quality,
	}
}

// Next renders the camera's next frame stamped with ts
func (c *Camera) Next(ts time.Time) (frame.Frame, error) {
	n := c.frameNumber
	data, err := c.Render(n, ts)
	if err != nil {
		return frame.Frame{}, err
	}
	c.frameNumber++

	return frame.Frame{
		Camera:      c.ID,
		Ssrc:        c.ID,
		Timestamp:   ts.UTC(),
		FrameNumber: n,
		Data:        data,
		Hash:        frame.CalculateHash(data),
	}, nil
}

// Render draws the camera id, frame number and time onto a solid background
// and encodes it as JPEG.
func (c *Camera) Render(n int64, ts time.Time) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	bg := palette[c.ID%len(palette)]
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	lines := []string{
		fmt.Sprintf("cam %d", c.ID),
		fmt.Sprintf("#%d", n),
		ts.UTC().Format("15:04:05.000"),
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		d.Dot = fixed.P(8, 20+16*i)
		d.DrawString(line)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fmt.Errorf("encode camera %d frame %d: %w", c.ID, n, err)
	}
	return buf.Bytes(), nil
}
