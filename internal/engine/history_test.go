package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryEvictsOldestFirst(t *testing.T) {
	h := newHistory(3)
	for i := 0; i < 4; i++ {
		h.Add(askRecord{ID: fmt.Sprintf("q%d", i), Question: fmt.Sprintf("question %d", i)})
	}

	assert.Equal(t, 3, h.Len())
	_, _, found := h.Claim("q0")
	assert.False(t, found)
	rec, first, found := h.Claim("q3")
	require.True(t, found)
	assert.True(t, first)
	assert.Equal(t, "question 3", rec.Question)
}

func TestHistoryClaimIsOneShot(t *testing.T) {
	h := newHistory(10)
	h.Add(askRecord{ID: "q1", Arm: "hybrid", AutoReward: 0.8})

	rec, first, found := h.Claim("q1")
	require.True(t, found)
	assert.True(t, first)
	assert.Equal(t, "hybrid", rec.Arm)
	assert.Equal(t, 0.8, rec.AutoReward)

	_, second, found := h.Claim("q1")
	require.True(t, found)
	assert.False(t, second)
}

func TestHistoryIgnoresDuplicateIDs(t *testing.T) {
	h := newHistory(10)
	h.Add(askRecord{ID: "q1", Question: "first"})
	h.Add(askRecord{ID: "q1", Question: "second"})

	assert.Equal(t, 1, h.Len())
	rec, _, found := h.Claim("q1")
	require.True(t, found)
	assert.Equal(t, "first", rec.Question)
}
