package localengine

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/seantiz/canvas/internal/source/local"
)

// ErrOutOfMemory is reported when a request exceeds the pixel budget.
var ErrOutOfMemory = errors.New("OOM")

// DefaultMaxPixels is the pixel budget of a default renderer (1024x1024).
const DefaultMaxPixels = 1024 * 1024

// Renderer produces deterministic images for a request. The same prompt and
// seed always yield the same bytes.
type Renderer struct {
	MaxPixels int
	StepDelay time.Duration
}

// NewRenderer creates a renderer with the default pixel budget.
func NewRenderer(stepDelay time.Duration) *Renderer {
	return &Renderer{MaxPixels: DefaultMaxPixels, StepDelay: stepDelay}
}

// ProgressFunc is called after each completed step. A non-nil error aborts
// rendering.
type ProgressFunc func(step, steps int) error

// Render paints the image in req.Steps passes and returns PNG bytes plus the
// seed used.
func (r *Renderer) Render(req local.EngineRequest, progress ProgressFunc) ([]byte, string, error) {
	w, h := req.Width, req.Height
	if w <= 0 || h <= 0 {
		return nil, "", fmt.Errorf("invalid size %dx%d", w, h)
	}
	if w*h > r.maxPixels() {
		return nil, "", ErrOutOfMemory
	}

	steps := max(req.Steps, 1)
	seed := resolveSeed(req.Seed)
	rng := rand.New(rand.NewPCG(seed, promptHash(req.Prompt)))

	base := color.NRGBA{R: uint8(rng.UintN(256)), G: uint8(rng.UintN(256)), B: uint8(rng.UintN(256)), A: 255}
	accent := color.NRGBA{R: uint8(rng.UintN(256)), G: uint8(rng.UintN(256)), B: uint8(rng.UintN(256)), A: 255}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for step := 1; step <= steps; step++ {
		// Each pass paints the next band of rows.
		from := (step - 1) * h / steps
		to := step * h / steps
		for y := from; y < to; y++ {
			for x := range w {
				img.SetNRGBA(x, y, blend(base, accent, x, y, w, h))
			}
		}
		if r.StepDelay > 0 {
			time.Sleep(r.StepDelay)
		}
		if progress != nil {
			if err := progress(step, steps); err != nil {
				return nil, "", fmt.Errorf("report progress: %w", err)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), strconv.FormatUint(seed, 10), nil
}

func (r *Renderer) maxPixels() int {
	if r.MaxPixels > 0 {
		return r.MaxPixels
	}
	return DefaultMaxPixels
}

func blend(a, b color.NRGBA, x, y, w, h int) color.NRGBA {
	t := (x*255/max(w-1, 1) + y*255/max(h-1, 1)) / 2
	mix := func(p, q uint8) uint8 {
		return uint8((int(p)*(255-t) + int(q)*t) / 255)
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// resolveSeed parses s as an unsigned integer, hashes any other text, and
// draws a random seed when s is empty.
func resolveSeed(s string) uint64 {
	if s == "" {
		return rand.Uint64() >> 1
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n
	}
	return promptHash(s)
}

func promptHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
