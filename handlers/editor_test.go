package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexxia-ai/reelforge/stagekit"
)

func TestBuildShotListDocxIncludesClipsAndOverlays(t *testing.T) {
	req := editorRequest{
		Visual: stagekit.VisualOutput{
			Clips:    []stagekit.VisualClip{{URL: "clip1.mp4", StartTime: 0, Duration: 5}},
			Overlays: []stagekit.VisualOverlay{{Content: "Subscribe!", StartTime: 1, Duration: 2, Style: "lower_third"}},
		},
	}

	docxBytes, err := buildShotListDocx(req)
	require.NoError(t, err)
	assert.NotEmpty(t, docxBytes)
}

func TestPackageArtifactProducesNonEmptyZip(t *testing.T) {
	archive, err := packageArtifact([]byte("fake docx bytes"))
	require.NoError(t, err)
	assert.Greater(t, archive.Len(), 0)
}

func TestEditorHandlerValidateRequiresVoiceAndClips(t *testing.T) {
	h := NewEditorHandler(stagekit.VideoFormat{Width: 1080, Height: 1920, FPS: 30, Codec: "h264"})

	vr := h.Validate([]byte(`{}`))
	assert.False(t, vr.Valid)
}
