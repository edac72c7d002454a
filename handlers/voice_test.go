package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexxia-ai/reelforge/stagekit"
)

func TestVoiceHandlerValidateRequiresAudioURL(t *testing.T) {
	h := NewVoiceHandler("unused-key")

	assert.True(t, h.Validate([]byte(`{"audio_url": "https://example.invalid/a.mp3"}`)).Valid)
	assert.False(t, h.Validate([]byte(`{}`)).Valid)
}

func TestVoiceHandlerExecuteFailsOnBadScriptHandoff(t *testing.T) {
	h := NewVoiceHandler("unused-key")

	res, err := h.Execute(stagekit.ExecContext{
		Input:          []byte(`{"audio_url": "https://example.invalid/a.mp3"}`),
		PreviousOutput: []byte(`{"not": "a script output"}`),
	})
	assert.NoError(t, err)
	assert.False(t, res.Success)
}
