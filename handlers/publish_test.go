package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexxia-ai/reelforge/stagekit"
)

func TestPublishHandlerValidateAcceptsAnyCaption(t *testing.T) {
	h := NewPublishHandler(nil)

	assert.True(t, h.Validate([]byte(`{"caption": "hello"}`)).Valid)
	assert.True(t, h.Validate([]byte(`{}`)).Valid)
	assert.False(t, h.Validate([]byte(`not json`)).Valid)
}

func TestPublishHandlerExecuteFailsWithoutTargets(t *testing.T) {
	h := NewPublishHandler(nil)

	res, execErr := h.Execute(stagekit.ExecContext{
		Input:          []byte(`{"caption": "check this out"}`),
		PreviousOutput: []byte(`{"video_url": "https://example.invalid/v.mp4", "thumbnail_url": "", "format": {"width":1080,"height":1920,"fps":30,"codec":"h264"}}`),
	})
	assert.NoError(t, execErr)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no publish targets")
}
