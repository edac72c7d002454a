package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/ledongthuc/pdf"

	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/stagekit"
)

// ResearchHandler gathers facts and sources for a topic: HTML pages
// via goquery/cascadia selectors, and local PDF sources via
// ledongthuc/pdf, then hands RESEARCH's typed output to SCRIPT.
type ResearchHandler struct {
	HTTPClient *http.Client
	// FactSelector picks the elements considered candidate facts within
	// a fetched page, e.g. "article p".
	FactSelector string
}

func NewResearchHandler() *ResearchHandler {
	return &ResearchHandler{
		HTTPClient:   &http.Client{Timeout: 20 * time.Second},
		FactSelector: "article p, main p",
	}
}

func (h *ResearchHandler) StageName() registry.StageName { return registry.Research }

// decodeResearchInput loosely decodes input before coercing it through
// opaqueInput: a caller wiring RESEARCH's input by hand (as opposed to
// through another stage's typed output) may hand over numbers or
// nulls where a string is expected, which cast absorbs.
func decodeResearchInput(raw json.RawMessage) (opaqueInput, error) {
	var o opaqueInput
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	return o, nil
}

func (h *ResearchHandler) Validate(input json.RawMessage) stagekit.ValidationResult {
	o, err := decodeResearchInput(input)
	if err != nil {
		return stagekit.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	if _, err := o.requireString("topic"); err != nil {
		return stagekit.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	return stagekit.ValidationResult{Valid: true}
}

func (h *ResearchHandler) Execute(ec stagekit.ExecContext) (stagekit.Result, error) {
	o, err := decodeResearchInput(ec.Input)
	if err != nil {
		return stagekit.Failure(fmt.Sprintf("decode input: %v", err)), nil
	}
	topic := o.string("topic")
	targetAudience := o.string("target_audience")
	htmlSources := o.stringSlice("html_sources")
	pdfSources := o.stringSlice("pdf_sources")

	var facts, sources []string

	for _, url := range htmlSources {
		pageFacts, err := h.factsFromHTML(url)
		if err != nil {
			continue // best-effort: one bad source does not fail the stage
		}
		facts = append(facts, pageFacts...)
		sources = append(sources, url)
	}

	for _, path := range pdfSources {
		pdfFacts, err := h.factsFromPDF(path)
		if err != nil {
			continue
		}
		facts = append(facts, pdfFacts...)
		sources = append(sources, path)
	}

	if len(facts) > 10 {
		facts = facts[:10]
	}
	if len(facts) < 3 {
		return stagekit.Failure("fewer than 3 facts could be extracted from the supplied sources"), nil
	}

	hooks := deriveHooks(topic, facts)

	output := stagekit.ResearchOutput{
		Topic:             topic,
		Facts:             facts,
		Sources:           sources,
		Hooks:             hooks,
		TargetAudience:    targetAudience,
		EstimatedDuration: 60,
	}

	return stagekit.Success(output, nil, nil)
}

func (h *ResearchHandler) factsFromHTML(url string) ([]string, error) {
	resp, err := h.HTTPClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}

	sel, err := cascadia.Compile(h.FactSelector)
	if err != nil {
		return nil, err
	}

	var facts []string
	for _, node := range sel.MatchAll(doc.Get(0)) {
		text := strings.TrimSpace(goquery.NewDocumentFromNode(node).Text())
		if len(text) > 40 {
			facts = append(facts, text)
		}
		if len(facts) >= 5 {
			break
		}
	}
	return facts, nil
}

func (h *ResearchHandler) factsFromPDF(path string) ([]string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var text strings.Builder
	reader, err := r.GetPlainText()
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(&text, reader); err != nil {
		return nil, err
	}

	var facts []string
	for _, para := range strings.Split(text.String(), "\n\n") {
		para = strings.TrimSpace(para)
		if len(para) > 40 {
			facts = append(facts, para)
		}
		if len(facts) >= 5 {
			break
		}
	}
	return facts, nil
}

func deriveHooks(topic string, facts []string) []string {
	hooks := []string{fmt.Sprintf("Did you know: %s?", topic)}
	for i, f := range facts {
		if i >= 4 {
			break
		}
		if len(f) > 60 {
			f = f[:60]
		}
		hooks = append(hooks, f+"...")
	}
	return hooks
}
