package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexxia-ai/reelforge/stagekit"
)

func TestResearchHandlerValidateRequiresTopic(t *testing.T) {
	h := NewResearchHandler()

	assert.True(t, h.Validate([]byte(`{"topic": "cats"}`)).Valid)
	assert.False(t, h.Validate([]byte(`{"target_audience": "teens"}`)).Valid)
}

func TestResearchHandlerExecuteFailsWithoutEnoughFacts(t *testing.T) {
	h := NewResearchHandler()

	res, err := h.Execute(stagekit.ExecContext{Input: []byte(`{"topic": "why cats purr"}`)})
	assert.NoError(t, err)
	assert.False(t, res.Success)
}

func TestDeriveHooksCapsAtFiveEntries(t *testing.T) {
	hooks := deriveHooks("cats", []string{"a", "b", "c", "d", "e", "f"})
	assert.Len(t, hooks, 5)
}
