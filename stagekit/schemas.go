package stagekit

// Typed handoffs between stages. The scheduler never parses these; it
// passes the previous stage's raw output through unexamined. They
// exist so handlers and tests can decode/encode without re-deriving
// the wire shape each time.

// ResearchOutput is RESEARCH's handoff to SCRIPT.
type ResearchOutput struct {
	Topic             string   `json:"topic" validate:"required"`
	Facts             []string `json:"facts" validate:"min=3,max=10"`
	Sources           []string `json:"sources"`
	Hooks             []string `json:"hooks" validate:"min=2,max=5"`
	TargetAudience    string   `json:"target_audience"`
	EstimatedDuration int      `json:"estimated_duration" validate:"min=15,max=180"`
}

// ScriptBeat is one body segment of a ScriptOutput.
type ScriptBeat struct {
	Heading    string  `json:"heading"`
	Content    string  `json:"content"`
	VisualCue  string  `json:"visual_cue"`
	DurationS  float64 `json:"duration_s"`
}

// ScriptOutput is SCRIPT's handoff to VOICE.
type ScriptOutput struct {
	Hook              string       `json:"hook" validate:"required"`
	Body              []ScriptBeat `json:"body" validate:"min=1"`
	CTA               string       `json:"cta"`
	FullScript        string       `json:"full_script" validate:"required"`
	EstimatedDuration int          `json:"estimated_duration" validate:"min=15,max=180"`
	SpeakerNotes      []string     `json:"speaker_notes"`
}

// Timestamp marks a transcript word or phrase boundary.
type Timestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// VoiceOutput is VOICE's handoff to EDITOR.
type VoiceOutput struct {
	AudioURL   string      `json:"audio_url" validate:"required"`
	DurationS  float64     `json:"duration_s" validate:"min=0"`
	Transcript string      `json:"transcript"`
	Timestamps []Timestamp `json:"timestamps"`
}

// MusicOutput is MUSIC's handoff to EDITOR.
type MusicOutput struct {
	AudioURL  string  `json:"audio_url" validate:"required"`
	DurationS float64 `json:"duration_s" validate:"min=0"`
	Genre     string  `json:"genre"`
	Mood      string  `json:"mood"`
}

// VisualClip is one clip of a VisualOutput.
type VisualClip struct {
	URL       string  `json:"url" validate:"required"`
	StartTime float64 `json:"start_time"`
	Duration  float64 `json:"duration"`
}

// VisualOverlay is one overlay of a VisualOutput.
type VisualOverlay struct {
	Content   string  `json:"content"`
	StartTime float64 `json:"start_time"`
	Duration  float64 `json:"duration"`
	Style     string  `json:"style"`
}

// VisualOutput is VISUAL's handoff to EDITOR.
type VisualOutput struct {
	Clips    []VisualClip    `json:"clips" validate:"min=1"`
	Overlays []VisualOverlay `json:"overlays"`
}

// VideoFormat describes EDITOR's render parameters.
type VideoFormat struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
	Codec  string `json:"codec"`
}

// EditorOutput is EDITOR's handoff to PUBLISH.
type EditorOutput struct {
	VideoURL     string      `json:"video_url" validate:"required"`
	ThumbnailURL string      `json:"thumbnail_url"`
	DurationS    float64     `json:"duration_s" validate:"min=0"`
	Format       VideoFormat `json:"format"`
	RenderTimeS  float64     `json:"render_time_s"`
}

// PlatformResult is one platform's outcome within a PublishOutput.
type PlatformResult struct {
	Platform string `json:"platform" validate:"required"`
	URL      string `json:"url"`
	PostID   string `json:"post_id"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// PublishOutput is PUBLISH's terminal output.
type PublishOutput struct {
	Platforms   []PlatformResult `json:"platforms" validate:"min=1"`
	PublishedAt string           `json:"published_at"`
}
