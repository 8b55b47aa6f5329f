package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults(t *testing.T) {
	doc := &Gridpack{}
	doc.ApplyDefaults()
	assert.Equal(t, DefaultJobCores, doc.JobCores)
	assert.Equal(t, DefaultJobMemory, doc.JobMemory)
	assert.NotNil(t, doc.History)

	doc = &Gridpack{JobCores: 4, JobMemory: 8000}
	doc.ApplyDefaults()
	assert.Equal(t, 4, doc.JobCores)
	assert.Equal(t, 8000, doc.JobMemory)
}

func TestUsers(t *testing.T) {
	doc := &Gridpack{
		History: []HistoryEntry{
			{User: "jdoe", Action: "created"},
			{User: "automatic", Action: "approve"},
			{User: "asmith", Action: "reset"},
			{User: "jdoe", Action: "create request"},
			{User: "", Action: "done"},
		},
	}
	assert.Equal(t, []string{"asmith", "jdoe"}, doc.Users())

	empty := &Gridpack{}
	assert.Empty(t, empty.Users())
}

func TestInFlight(t *testing.T) {
	inFlight := []Status{StatusSubmitted, StatusRunning, StatusFinishing}
	for _, status := range inFlight {
		assert.True(t, (&Gridpack{Status: status}).InFlight(), string(status))
	}

	settled := []Status{StatusNew, StatusApproved, StatusDone, StatusFailed, StatusReused}
	for _, status := range settled {
		assert.False(t, (&Gridpack{Status: status}).InFlight(), string(status))
	}
}
