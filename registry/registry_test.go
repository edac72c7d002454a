package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWeightsSumTo100(t *testing.T) {
	assert.Equal(t, 100, TotalWeight())
}

func TestOrderAndAdjacency(t *testing.T) {
	stages := Stages()
	assert.Len(t, stages, 7)
	assert.Equal(t, Research, First())
	assert.Equal(t, Publish, Last())

	for i, name := range stages {
		assert.Equal(t, i, OrderOf(name))
	}
}

func TestNextAndPredecessor(t *testing.T) {
	assert.Equal(t, Script, Next(Research))
	assert.Equal(t, None, Next(Publish))
	assert.Equal(t, None, Next("NOT_A_STAGE"))

	assert.Equal(t, Research, Predecessor(Script))
	assert.Equal(t, None, Predecessor(Research))
	assert.Equal(t, None, Predecessor("NOT_A_STAGE"))
}

func TestWeightTable(t *testing.T) {
	cases := map[StageName]int{
		Research: 10,
		Script:   25,
		Voice:    20,
		Music:    10,
		Visual:   15,
		Editor:   15,
		Publish:  5,
	}
	for name, want := range cases {
		assert.Equal(t, want, Weight(name), "weight of %s", name)
	}
	assert.Equal(t, 0, Weight("NOT_A_STAGE"))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Research))
	assert.False(t, Valid("NOT_A_STAGE"))
}
