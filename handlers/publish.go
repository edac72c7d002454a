package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yosida95/uritemplate/v3"

	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/stagekit"
)

// PublishTarget is one platform PUBLISH attempts to post to.
type PublishTarget struct {
	Platform    string `json:"platform"`
	EndpointTpl string `json:"endpoint_tpl"` // RFC 6570 template, e.g. "https://api.example.com/v1/{channel}/posts"
	Channel     string `json:"channel"`
}

type publishQuery struct {
	VideoURL     string `url:"video_url"`
	ThumbnailURL string `url:"thumbnail_url,omitempty"`
	Caption      string `url:"caption"`
}

// PublishHandler expands each target's endpoint template with
// uritemplate, builds the query string with go-querystring, sanitizes
// the caption with bluemonday before it leaves the process, and posts
// EDITOR's render to every configured platform.
type PublishHandler struct {
	HTTPClient *http.Client
	Targets    []PublishTarget
	Sanitizer  *bluemonday.Policy
}

func NewPublishHandler(targets []PublishTarget) *PublishHandler {
	return &PublishHandler{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Targets:    targets,
		Sanitizer:  bluemonday.StrictPolicy(),
	}
}

func (h *PublishHandler) StageName() registry.StageName { return registry.Publish }

type publishRequest struct {
	Caption string `json:"caption"`
}

func (h *PublishHandler) Validate(input json.RawMessage) stagekit.ValidationResult {
	var req publishRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return stagekit.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	return stagekit.ValidationResult{Valid: true}
}

func (h *PublishHandler) Execute(ec stagekit.ExecContext) (stagekit.Result, error) {
	var req publishRequest
	if err := json.Unmarshal(ec.Input, &req); err != nil {
		return stagekit.Failure(fmt.Sprintf("decode input: %v", err)), nil
	}

	editorOutput, vr := stagekit.DecodeAndValidate[stagekit.EditorOutput](ec.PreviousOutput)
	if !vr.Valid {
		return stagekit.Failure(fmt.Sprintf("invalid EDITOR handoff: %v", vr.Errors)), nil
	}

	caption := h.Sanitizer.Sanitize(req.Caption)

	var results []stagekit.PlatformResult
	for _, target := range h.Targets {
		result := h.publishTo(ec.Context, target, editorOutput, caption)
		results = append(results, result)
	}

	if len(results) == 0 {
		return stagekit.Failure("no publish targets configured"), nil
	}

	output := stagekit.PublishOutput{
		Platforms:   results,
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	}

	return stagekit.Success(output, nil, nil)
}

func (h *PublishHandler) publishTo(ctx context.Context, target PublishTarget, editorOutput stagekit.EditorOutput, caption string) stagekit.PlatformResult {
	tpl, err := uritemplate.New(target.EndpointTpl)
	if err != nil {
		return stagekit.PlatformResult{Platform: target.Platform, Success: false, Error: err.Error()}
	}

	vars := uritemplate.Values{}
	vars.Set("channel", uritemplate.String(target.Channel))
	endpoint, err := tpl.Expand(vars)
	if err != nil {
		return stagekit.PlatformResult{Platform: target.Platform, Success: false, Error: err.Error()}
	}

	q := publishQuery{VideoURL: editorOutput.VideoURL, ThumbnailURL: editorOutput.ThumbnailURL, Caption: caption}
	values, err := query.Values(q)
	if err != nil {
		return stagekit.PlatformResult{Platform: target.Platform, Success: false, Error: err.Error()}
	}

	url := endpoint + "?" + values.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, nil)
	if err != nil {
		return stagekit.PlatformResult{Platform: target.Platform, Success: false, Error: err.Error()}
	}

	resp, err := h.HTTPClient.Do(httpReq)
	if err != nil {
		return stagekit.PlatformResult{Platform: target.Platform, Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return stagekit.PlatformResult{Platform: target.Platform, Success: false, Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	return stagekit.PlatformResult{Platform: target.Platform, URL: url, Success: true}
}
