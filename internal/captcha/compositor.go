package captcha

import (
	"bytes"
	"fmt"
	"image"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
	"github.com/fogleman/gg"
)

// Image geometry
const (
	ImageWidth    = 320
	ImageHeight   = 50
	DrawnIconSize = 30
	IconTop       = 10
)

// IconSizes maps an icon count to the nominal pixel size of each icon
var IconSizes = map[int]int{
	5: 50,
	6: 40,
	7: 30,
	8: 20,
}

// ImageOptions toggles the random transformations applied while rendering
type ImageOptions struct {
	Rotate         bool
	FlipHorizontal bool
	FlipVertical   bool
	Border         bool
}

// Compositor renders challenge images
type Compositor struct {
	loader IconLoader
	themes map[string]domain.Theme
	opts   ImageOptions
	rnd    RandomSource
}

// NewCompositor creates a new compositor
func NewCompositor(loader IconLoader, themes map[string]domain.Theme, opts ImageOptions, rnd RandomSource) *Compositor {
	return &Compositor{
		loader: loader,
		themes: themes,
		opts:   opts,
		rnd:    rnd,
	}
}

// Render draws the challenge icons onto the placeholder and returns the PNG bytes.
// Asset failures are wrapped with domain.ErrAssetLoad.
func (c *Compositor) Render(challenge *domain.Challenge) ([]byte, error) {
	iconCount := len(challenge.Icons)
	iconSize, ok := IconSizes[iconCount]
	if !ok {
		return nil, fmt.Errorf("unsupported icon count: %d", iconCount)
	}

	placeholder, err := c.loader.Placeholder()
	if err != nil {
		return nil, fmt.Errorf("%w: placeholder: %v", domain.ErrAssetLoad, err)
	}

	// Load each distinct icon once
	mode := domain.IconMode(c.themes, challenge.Mode)
	icons := make(map[int]image.Image, len(challenge.IconIDs))
	for _, id := range challenge.Icons {
		if _, loaded := icons[id]; loaded {
			continue
		}
		icon, err := c.loader.Icon(mode, id)
		if err != nil {
			return nil, fmt.Errorf("%w: icon %d: %v", domain.ErrAssetLoad, id, err)
		}
		icons[id] = icon
	}

	dc := gg.NewContextForImage(placeholder)

	slotWidth := ImageWidth / iconCount
	xOffset := (slotWidth - DrawnIconSize) / 2
	offsetAdd := slotWidth - iconSize

	var border [3]uint8
	if c.opts.Border {
		border = domain.BorderColor(c.themes, challenge.Mode)
	}

	for i, id := range challenge.Icons {
		c.drawIcon(dc, icons[id], iconSize*i+xOffset, IconTop)
		xOffset += offsetAdd

		// Vertical separator at the left edge of every slot but the first
		if c.opts.Border && i > 0 {
			dc.SetRGB255(int(border[0]), int(border[1]), int(border[2]))
			dc.DrawRectangle(float64(slotWidth*i), 0, 1, ImageHeight)
			dc.Fill()
		}
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	return buf.Bytes(), nil
}

// drawIcon scales the icon into a DrawnIconSize square at (x, y), applying
// the enabled random rotation and flips about the square's center
func (c *Compositor) drawIcon(dc *gg.Context, icon image.Image, x, y int) {
	bounds := icon.Bounds()
	half := float64(DrawnIconSize) / 2
	cx, cy := float64(x)+half, float64(y)+half

	dc.Push()
	defer dc.Pop()

	if c.opts.Rotate {
		// 1..3 quarter turns, 4 leaves the icon as is
		if degree := 1 + c.rnd.Intn(4); degree != 4 {
			dc.RotateAbout(gg.Radians(float64(degree*90)), cx, cy)
		}
	}

	if c.opts.FlipHorizontal && c.rnd.Intn(2) == 0 {
		dc.ScaleAbout(-1, 1, cx, cy)
	}

	if c.opts.FlipVertical && c.rnd.Intn(2) == 0 {
		dc.ScaleAbout(1, -1, cx, cy)
	}

	dc.Translate(float64(x), float64(y))
	dc.Scale(float64(DrawnIconSize)/float64(bounds.Dx()), float64(DrawnIconSize)/float64(bounds.Dy()))
	dc.DrawImage(icon, -bounds.Min.X, -bounds.Min.Y)
}
