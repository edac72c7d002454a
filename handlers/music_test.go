package handlers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexxia-ai/reelforge/stagekit"
)

func TestMusicHandlerPicksClosestMoodMatch(t *testing.T) {
	h := NewMusicHandler([]float64{0.8, 0.6, 0.5})

	req := musicRequest{
		Candidates: []MusicTrack{
			{AudioURL: "a", MoodScore: []float64{0.1, 0.1, 0.1}, Genre: "ambient", Mood: "somber"},
			{AudioURL: "b", MoodScore: []float64{0.8, 0.6, 0.5}, Genre: "pop", Mood: "upbeat"},
		},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	res, err := h.Execute(stagekit.ExecContext{Input: raw})
	require.NoError(t, err)
	require.True(t, res.Success)

	var out stagekit.MusicOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "b", out.AudioURL)
	assert.Equal(t, "upbeat", out.Mood)
}

func TestMusicHandlerValidateRejectsNoCandidates(t *testing.T) {
	h := NewMusicHandler(nil)
	vr := h.Validate(json.RawMessage(`{"candidates":[]}`))
	assert.False(t, vr.Valid)
}
