package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpaqueInputCoercion(t *testing.T) {
	o := opaqueInput{
		"topic":    "cats",
		"duration": "60",
		"score":    "3.5",
		"tags":     []any{"a", "b"},
	}

	assert.Equal(t, "cats", o.string("topic"))
	assert.Equal(t, 60, o.int("duration"))
	assert.Equal(t, 3.5, o.float("score"))
	assert.Equal(t, []string{"a", "b"}, o.stringSlice("tags"))

	_, err := o.requireString("missing")
	assert.Error(t, err)
}
