package handlers

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fumiama/go-docx"
	"github.com/klauspost/compress/zstd"

	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/stagekit"
)

// EditorHandler writes a shot-list document of VISUAL's clips and
// overlays with fumiama/go-docx and packages it into a zip archive
// together with a fixed status manifest compressed with
// klauspost/compress/zstd. The archive is not returned as an artifact;
// only its size is reported in the result metadata, and video_url is a
// "pending://render" placeholder.
type EditorHandler struct {
	Format stagekit.VideoFormat
}

func NewEditorHandler(format stagekit.VideoFormat) *EditorHandler {
	return &EditorHandler{Format: format}
}

func (h *EditorHandler) StageName() registry.StageName { return registry.Editor }

type editorRequest struct {
	Voice  stagekit.VoiceOutput  `json:"voice"`
	Music  stagekit.MusicOutput  `json:"music"`
	Visual stagekit.VisualOutput `json:"visual"`
}

func (h *EditorHandler) Validate(input json.RawMessage) stagekit.ValidationResult {
	var req editorRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return stagekit.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	if req.Voice.AudioURL == "" {
		return stagekit.ValidationResult{Valid: false, Errors: []string{"voice.audio_url is required"}}
	}
	if len(req.Visual.Clips) == 0 {
		return stagekit.ValidationResult{Valid: false, Errors: []string{"visual.clips must not be empty"}}
	}
	return stagekit.ValidationResult{Valid: true}
}

func (h *EditorHandler) Execute(ec stagekit.ExecContext) (stagekit.Result, error) {
	var req editorRequest
	if err := json.Unmarshal(ec.Input, &req); err != nil {
		return stagekit.Failure(fmt.Sprintf("decode input: %v", err)), nil
	}

	start := time.Now()

	shotList, err := buildShotListDocx(req)
	if err != nil {
		return stagekit.Result{}, fmt.Errorf("build shot list: %w", err)
	}

	archive, err := packageArtifact(shotList)
	if err != nil {
		return stagekit.Result{}, fmt.Errorf("package render artifact: %w", err)
	}

	output := stagekit.EditorOutput{
		VideoURL:     "pending://render",
		ThumbnailURL: "",
		DurationS:    req.Voice.DurationS,
		Format:       h.Format,
		RenderTimeS:  time.Since(start).Seconds(),
	}

	return stagekit.Success(output, nil, map[string]int{"package_bytes": archive.Len()})
}

func buildShotListDocx(req editorRequest) ([]byte, error) {
	doc := docx.New()
	doc.AddParagraph().AddText("Shot List")

	for i, clip := range req.Visual.Clips {
		p := doc.AddParagraph()
		p.AddText(fmt.Sprintf("Clip %d: %s (start=%.2fs, dur=%.2fs)", i+1, clip.URL, clip.StartTime, clip.Duration))
	}

	for _, overlay := range req.Visual.Overlays {
		p := doc.AddParagraph()
		p.AddText(fmt.Sprintf("Overlay: %q (start=%.2fs, dur=%.2fs, style=%s)", overlay.Content, overlay.StartTime, overlay.Duration, overlay.Style))
	}

	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func packageArtifact(shotListDocx []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	docWriter, err := zw.Create("shot_list.docx")
	if err != nil {
		return nil, err
	}
	if _, err := docWriter.Write(shotListDocx); err != nil {
		return nil, err
	}

	manifestWriter, err := zw.CreateHeader(&zip.FileHeader{Name: "manifest.json.zst"})
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(manifestWriter)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write([]byte(`{"status":"assembled"}`)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
