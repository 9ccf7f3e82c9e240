package captcha

import (
	"fmt"
	"sync"
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
)

// Icon count bounds supported by the image geometry
const (
	MinIconCount = 5
	MaxIconCount = 8
)

// MaxLowestIconCount caps how often the correct icon may appear, per icon count.
// The correct amount is drawn from [1, cap).
var MaxLowestIconCount = map[int]int{
	5: 2,
	6: 2,
	7: 3,
	8: 3,
}

// GeneratorOptions configures challenge generation
type GeneratorOptions struct {
	MinIcons       int
	MaxIcons       int
	AvailableIcons int
}

// Layout is a generated icon arrangement
type Layout struct {
	Icons     []int
	IconIDs   []int
	CorrectID int
}

// Generator produces challenge layouts
type Generator struct {
	opts GeneratorOptions
	rnd  RandomSource

	// Stats
	generated int64
	lockouts  int64
	mu        sync.RWMutex
}

// NewGenerator creates a generator after checking the options against the fixed tables
func NewGenerator(opts GeneratorOptions, rnd RandomSource) (*Generator, error) {
	if err := ValidateIconRange(opts.MinIcons, opts.MaxIcons); err != nil {
		return nil, err
	}
	// Up to three distinct icons are drawn per challenge
	if opts.AvailableIcons < 3 {
		return nil, fmt.Errorf("available icons must be at least 3: %d", opts.AvailableIcons)
	}
	if rnd == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	return &Generator{opts: opts, rnd: rnd}, nil
}

// ValidateIconRange checks an icon count range against the geometry tables
func ValidateIconRange(minIcons, maxIcons int) error {
	if minIcons < MinIconCount || maxIcons > MaxIconCount {
		return fmt.Errorf("icon amount must be within %d..%d: min=%d, max=%d", MinIconCount, MaxIconCount, minIcons, maxIcons)
	}
	if minIcons > maxIcons {
		return fmt.Errorf("min icon amount must not exceed max: min=%d, max=%d", minIcons, maxIcons)
	}
	for count := minIcons; count <= maxIcons; count++ {
		if _, ok := MaxLowestIconCount[count]; !ok {
			return fmt.Errorf("no lowest icon count defined for %d icons", count)
		}
		if _, ok := IconSizes[count]; !ok {
			return fmt.Errorf("no icon size defined for %d icons", count)
		}
	}
	return nil
}

// Generate assigns a fresh layout to the challenge.
// An active lockout is returned as *domain.LockoutError without touching the challenge.
func (g *Generator) Generate(challenge *domain.Challenge, theme string, now time.Time) error {
	if challenge.AttemptsTimeout != nil {
		if until, locked := challenge.LockedUntil(now); locked {
			g.mu.Lock()
			g.lockouts++
			g.mu.Unlock()
			return &domain.LockoutError{Remaining: until.Sub(now)}
		}

		// Lockout elapsed
		challenge.AttemptsTimeout = nil
		challenge.Attempts = 0
	}

	layout := g.Layout()

	// Only the layout is replaced, the attempt counter survives
	attempts := challenge.Attempts
	challenge.Clear()
	challenge.Mode = theme
	challenge.Icons = layout.Icons
	challenge.IconIDs = layout.IconIDs
	challenge.CorrectID = layout.CorrectID
	challenge.Requested = false
	challenge.Completed = false
	challenge.Attempts = attempts

	g.mu.Lock()
	g.generated++
	g.mu.Unlock()

	return nil
}

// Layout draws a new icon arrangement
func (g *Generator) Layout() Layout {
	iconCount := between(g.rnd, g.opts.MinIcons, g.opts.MaxIcons)

	// Number of times the correct icon is placed
	correctAmount := 1 + g.rnd.Intn(MaxLowestIconCount[iconCount]-1)

	groups := g.CalculateIconAmounts(iconCount, correctAmount)
	groups = append(groups, correctAmount)

	positions := permutation(g.rnd, iconCount)
	icons := make([]int, iconCount)
	iconIDs := make([]int, 0, len(groups))
	used := make(map[int]bool, len(groups))

	for _, amount := range groups {
		id := g.drawIconID(used)
		iconIDs = append(iconIDs, id)

		for j := 0; j < amount; j++ {
			// Pop from the end of the shuffled positions
			last := len(positions) - 1
			icons[positions[last]] = id
			positions = positions[:last]
		}
	}

	return Layout{
		Icons:     icons,
		IconIDs:   iconIDs,
		CorrectID: iconIDs[len(iconIDs)-1],
	}
}

// CalculateIconAmounts splits the slots left after the correct icon into one or two groups.
// A two-way split is attempted half of the time and only kept when both halves
// stay strictly larger than smallest, so the correct icon remains the unique minimum.
func (g *Generator) CalculateIconAmounts(iconCount, smallest int) []int {
	remainder := iconCount - smallest
	pickDivided := g.rnd.Intn(2) == 0

	if pickDivided {
		left := remainder / 2
		right := remainder - left
		if left > smallest && right > smallest {
			return []int{left, right}
		}
	}

	return []int{remainder}
}

// drawIconID picks an unused identifier in [1, AvailableIcons]
func (g *Generator) drawIconID(used map[int]bool) int {
	for {
		id := between(g.rnd, 1, g.opts.AvailableIcons)
		if !used[id] {
			used[id] = true
			return id
		}
	}
}

// GetStats returns generator statistics
func (g *Generator) GetStats() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]interface{}{
		"generated": g.generated,
		"lockouts":  g.lockouts,
		"min_icons": g.opts.MinIcons,
		"max_icons": g.opts.MaxIcons,
	}
}
