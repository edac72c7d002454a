package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	aai "github.com/AssemblyAI/assemblyai-go-sdk"

	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/stagekit"
)

// VoiceHandler validates SCRIPT's handoff, hands the already-rendered
// narration audio (produced upstream, outside this core) to
// AssemblyAI for transcription, and uses the returned audio duration
// as a QA check that narration length matches the script's
// estimated_duration before handing the transcript and word
// timestamps off to EDITOR.
type VoiceHandler struct {
	Client *aai.Client
}

func NewVoiceHandler(apiKey string) *VoiceHandler {
	return &VoiceHandler{Client: aai.NewClient(apiKey)}
}

func (h *VoiceHandler) StageName() registry.StageName { return registry.Voice }

type voiceRequest struct {
	AudioURL string `json:"audio_url"`
}

func (h *VoiceHandler) Validate(input json.RawMessage) stagekit.ValidationResult {
	var req voiceRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return stagekit.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	if req.AudioURL == "" {
		return stagekit.ValidationResult{Valid: false, Errors: []string{"audio_url is required"}}
	}
	return stagekit.ValidationResult{Valid: true}
}

func (h *VoiceHandler) Execute(ec stagekit.ExecContext) (stagekit.Result, error) {
	var req voiceRequest
	if err := json.Unmarshal(ec.Input, &req); err != nil {
		return stagekit.Failure(fmt.Sprintf("decode input: %v", err)), nil
	}

	script, vr := stagekit.DecodeAndValidate[stagekit.ScriptOutput](ec.PreviousOutput)
	if !vr.Valid {
		return stagekit.Failure(fmt.Sprintf("invalid SCRIPT handoff: %v", vr.Errors)), nil
	}

	ctx, cancel := context.WithTimeout(ec.Context, 5*time.Minute)
	defer cancel()

	transcript, err := h.Client.Transcripts.TranscribeFromURL(ctx, req.AudioURL, nil)
	if err != nil {
		return stagekit.Result{}, fmt.Errorf("transcribe narration: %w", err)
	}

	if transcript.Status != aai.TranscriptStatusCompleted {
		msg := "transcription did not complete"
		if transcript.Error != nil {
			msg = *transcript.Error
		}
		return stagekit.Failure(msg), nil
	}

	var timestamps []stagekit.Timestamp
	for _, w := range transcript.Words {
		timestamps = append(timestamps, stagekit.Timestamp{
			Word:  deref(w.Text),
			Start: float64(derefInt64(w.Start)) / 1000,
			End:   float64(derefInt64(w.End)) / 1000,
		})
	}

	durationS := 0.0
	if transcript.AudioDuration != nil {
		durationS = *transcript.AudioDuration
	}

	// QA: narration running more than 20% long or short against the
	// script's own estimate is surfaced as a failure rather than a
	// silently wrong EDITOR handoff.
	if script.EstimatedDuration > 0 {
		drift := durationS / float64(script.EstimatedDuration)
		if drift > 1.2 || drift < 0.8 {
			return stagekit.Failure(fmt.Sprintf(
				"narration duration %.1fs drifts too far from estimated %ds", durationS, script.EstimatedDuration)), nil
		}
	}

	output := stagekit.VoiceOutput{
		AudioURL:   req.AudioURL,
		DurationS:  durationS,
		Transcript: deref(transcript.Text),
		Timestamps: timestamps,
	}

	return stagekit.Success(output, []string{req.AudioURL}, nil)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
