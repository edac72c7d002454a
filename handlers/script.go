package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"gitlab.com/golang-commonmark/markdown"

	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/stagekit"
)

// ScriptHandler drafts a script from RESEARCH's output using
// langchaingo's model-agnostic LLM interface, estimates spoken
// duration from the draft's word count (reporting its tiktoken-go
// token count in the result metadata), and renders speaker notes from
// markdown source through golang-commonmark.
type ScriptHandler struct {
	Model llms.Model

	// WordsPerMinute converts the drafted script's word count into
	// EstimatedDuration.
	WordsPerMinute float64
}

func NewScriptHandler(model llms.Model) *ScriptHandler {
	return &ScriptHandler{Model: model, WordsPerMinute: 150}
}

// NewDefaultOpenAIModel is a convenience constructor wiring
// langchaingo's OpenAI-compatible client, for callers that don't
// already have an llms.Model to inject.
func NewDefaultOpenAIModel(apiKey, baseURL, model string) (llms.Model, error) {
	return openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
}

func (h *ScriptHandler) StageName() registry.StageName { return registry.Script }

func (h *ScriptHandler) Validate(input json.RawMessage) stagekit.ValidationResult {
	_, vr := stagekit.DecodeAndValidate[stagekit.ResearchOutput](input)
	return vr
}

func (h *ScriptHandler) Execute(ec stagekit.ExecContext) (stagekit.Result, error) {
	research, vr := stagekit.DecodeAndValidate[stagekit.ResearchOutput](ec.PreviousOutput)
	if !vr.Valid {
		return stagekit.Failure(fmt.Sprintf("invalid RESEARCH handoff: %v", vr.Errors)), nil
	}

	prompt := draftPrompt(research)

	ctx, cancel := context.WithTimeout(ec.Context, 60*time.Second)
	defer cancel()

	completion, err := llms.GenerateFromSinglePrompt(ctx, h.Model, prompt)
	if err != nil {
		return stagekit.Result{}, fmt.Errorf("draft script: %w", err)
	}

	hook, body, cta := splitScript(completion)
	notes := renderSpeakerNotes(body)

	tokens := countTokens(completion)
	duration := estimateDurationSeconds(completion, h.WordsPerMinute, tokens)

	output := stagekit.ScriptOutput{
		Hook:              hook,
		Body:              body,
		CTA:               cta,
		FullScript:        completion,
		EstimatedDuration: duration,
		SpeakerNotes:      notes,
	}

	return stagekit.Success(output, nil, map[string]int{"token_count": tokens})
}

func draftPrompt(research stagekit.ResearchOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a short-form video script about %q for %s.\n", research.Topic, research.TargetAudience)
	b.WriteString("Facts to use:\n")
	for _, f := range research.Facts {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("Open with one of these hooks:\n")
	for _, h := range research.Hooks {
		fmt.Fprintf(&b, "- %s\n", h)
	}
	return b.String()
}

// splitScript is a conservative heuristic splitter: first line is the
// hook, the last line is the CTA if it contains "follow" or
// "subscribe" (case-insensitive), everything else becomes a single
// body beat.
func splitScript(script string) (hook string, body []stagekit.ScriptBeat, cta string) {
	lines := strings.Split(strings.TrimSpace(script), "\n")
	if len(lines) == 0 {
		return "", nil, ""
	}
	hook = strings.TrimSpace(lines[0])

	rest := lines[1:]
	cta = ""
	if len(rest) > 0 {
		last := strings.TrimSpace(rest[len(rest)-1])
		if strings.Contains(strings.ToLower(last), "follow") || strings.Contains(strings.ToLower(last), "subscribe") {
			cta = last
			rest = rest[:len(rest)-1]
		}
	}

	content := strings.TrimSpace(strings.Join(rest, "\n"))
	if content != "" {
		body = []stagekit.ScriptBeat{{
			Heading:   "body",
			Content:   content,
			VisualCue: "",
			DurationS: 0,
		}}
	}
	return hook, body, cta
}

func renderSpeakerNotes(body []stagekit.ScriptBeat) []string {
	md := markdown.New(markdown.XHTMLOutput(true))
	var notes []string
	for _, beat := range body {
		rendered := md.RenderToString([]byte("**" + beat.Heading + "**: " + beat.Content))
		notes = append(notes, rendered)
	}
	return notes
}

func countTokens(text string) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(enc.Encode(text, nil, nil))
}

func estimateDurationSeconds(text string, wpm float64, tokenCount int) int {
	words := len(strings.Fields(text))
	if words == 0 {
		words = tokenCount * 3 / 4 // rough token-to-word fallback
	}
	seconds := int(float64(words) / wpm * 60)
	if seconds < 15 {
		seconds = 15
	}
	if seconds > 180 {
		seconds = 180
	}
	return seconds
}
