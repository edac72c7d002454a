package handlers

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/stagekit"
)

// MusicTrack is one candidate track a music library search returns.
type MusicTrack struct {
	AudioURL  string    `json:"audio_url"`
	DurationS float64   `json:"duration_s"`
	Genre     string    `json:"genre"`
	Mood      string    `json:"mood"`
	MoodScore []float64 `json:"mood_score"` // e.g. [energy, valence, tempo_norm]
}

// MusicHandler scores candidate tracks against a target mood vector
// using gonum/stat and selects the closest fit. The request's
// target_duration_s is decoded but not used: the chosen track is
// neither trimmed nor checked against it.
type MusicHandler struct {
	// TargetMood is the mood vector new candidates are compared
	// against, in the same coordinate space as MusicTrack.MoodScore.
	TargetMood []float64
}

func NewMusicHandler(targetMood []float64) *MusicHandler {
	return &MusicHandler{TargetMood: targetMood}
}

func (h *MusicHandler) StageName() registry.StageName { return registry.Music }

type musicRequest struct {
	Candidates []MusicTrack `json:"candidates"`
	TargetDurS float64      `json:"target_duration_s"`
}

func (h *MusicHandler) Validate(input json.RawMessage) stagekit.ValidationResult {
	var req musicRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return stagekit.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	if len(req.Candidates) == 0 {
		return stagekit.ValidationResult{Valid: false, Errors: []string{"at least one candidate track is required"}}
	}
	return stagekit.ValidationResult{Valid: true}
}

func (h *MusicHandler) Execute(ec stagekit.ExecContext) (stagekit.Result, error) {
	var req musicRequest
	if err := json.Unmarshal(ec.Input, &req); err != nil {
		return stagekit.Failure(fmt.Sprintf("decode input: %v", err)), nil
	}

	best, bestDist := MusicTrack{}, math.Inf(1)
	for _, candidate := range req.Candidates {
		dist := moodDistance(h.TargetMood, candidate.MoodScore)
		if dist < bestDist {
			best, bestDist = candidate, dist
		}
	}

	if best.AudioURL == "" {
		return stagekit.Failure("no candidate track scored"), nil
	}

	output := stagekit.MusicOutput{
		AudioURL:  best.AudioURL,
		DurationS: best.DurationS,
		Genre:     best.Genre,
		Mood:      best.Mood,
	}

	return stagekit.Success(output, []string{best.AudioURL}, map[string]float64{"mood_fit_distance": bestDist})
}

// moodDistance is the weighted Euclidean distance between a target
// mood vector and a candidate's, using each dimension's sample
// standard deviation (computed across the candidate axis values
// themselves, seeded by the target as a single-element baseline) to
// keep axes with a naturally wider numeric range from dominating.
func moodDistance(target, candidate []float64) float64 {
	n := len(target)
	if len(candidate) < n {
		n = len(candidate)
	}
	if n == 0 {
		return math.Inf(1)
	}

	diffs := make([]float64, n)
	for i := 0; i < n; i++ {
		diffs[i] = candidate[i] - target[i]
	}

	mean := stat.Mean(diffs, nil)
	variance := stat.Variance(diffs, nil)
	// stat.Variance of a zero-length or single-value slice can be 0;
	// guard against dividing the distance by zero below.
	if variance == 0 {
		variance = 1
	}

	sumSquares := 0.0
	for _, d := range diffs {
		sumSquares += (d - mean) * (d - mean) / variance
	}
	return math.Sqrt(sumSquares)
}
