package model

import "strings"

// Mode selects which backend serves a generation request.
type Mode string

// Backend mode constants.
const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// ParseMode maps user input onto a Mode. ok is false for unknown values.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRemote:
		return ModeRemote, true
	case ModeLocal:
		return ModeLocal, true
	}
	return "", false
}

// CreditsPerImage is the price of one generated image.
const CreditsPerImage = 1

// MaxBatchCount is the number of images a job produces. Both backends
// deliver a single artifact per job, so larger batch counts are clamped.
const MaxBatchCount = 1

// ClampBatch bounds a requested batch count to [1, MaxBatchCount].
func ClampBatch(n int) int {
	return min(max(n, 1), MaxBatchCount)
}

// Geometry is the requested output size in pixels.
type Geometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Form is the editable generation input as held by the UI.
type Form struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Mode           Mode     `json:"mode"`
	Geometry       Geometry `json:"geometry"`
	Steps          int      `json:"steps"`
	CFGScale       float64  `json:"cfg_scale"`
	Sampler        string   `json:"sampler"`
	Seed           string   `json:"seed"`
	BatchCount     int      `json:"batch_count"`
}

// DefaultForm returns the form a fresh session starts with.
func DefaultForm(mode Mode) Form {
	return Form{
		Mode:       mode,
		Geometry:   Geometry{Width: 512, Height: 512},
		Steps:      20,
		CFGScale:   7,
		Sampler:    "k_euler_a",
		BatchCount: 1,
	}
}

// GenerationRequest is the immutable value submitted to a backend.
// It is built once from a Form at submission time.
type GenerationRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Mode           Mode     `json:"mode"`
	Geometry       Geometry `json:"geometry"`
	Steps          int      `json:"steps"`
	CFGScale       float64  `json:"cfg_scale"`
	Sampler        string   `json:"sampler,omitempty"`
	Seed           string   `json:"seed,omitempty"`
	BatchCount     int      `json:"batch_count"`
	Cost           int      `json:"cost"`
}

// NewGenerationRequest derives a request, including its cost, from a form.
func NewGenerationRequest(f Form) GenerationRequest {
	return GenerationRequest{
		Prompt:         strings.TrimSpace(f.Prompt),
		NegativePrompt: strings.TrimSpace(f.NegativePrompt),
		Mode:           f.Mode,
		Geometry:       f.Geometry,
		Steps:          f.Steps,
		CFGScale:       f.CFGScale,
		Sampler:        f.Sampler,
		Seed:           strings.TrimSpace(f.Seed),
		BatchCount:     ClampBatch(f.BatchCount),
		Cost:           Cost(f),
	}
}

// Cost returns the credit price of the form if it were submitted now.
func Cost(f Form) int {
	return ClampBatch(f.BatchCount) * CreditsPerImage
}

// FormFromRequest rebuilds an editable form from a previously submitted request.
func FormFromRequest(r GenerationRequest) Form {
	return Form{
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Mode:           r.Mode,
		Geometry:       r.Geometry,
		Steps:          r.Steps,
		CFGScale:       r.CFGScale,
		Sampler:        r.Sampler,
		Seed:           r.Seed,
		BatchCount:     r.BatchCount,
	}
}
