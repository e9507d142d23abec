package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentFulfills(t *testing.T) {
	a := &Agent{Tags: []string{"linux", "docker"}}

	assert.True(t, a.Fulfills(nil))
	assert.True(t, a.Fulfills([]string{"linux"}))
	assert.True(t, a.Fulfills([]string{"docker", "linux"}))
	assert.False(t, a.Fulfills([]string{"linux", "gpu"}))
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, NormalizeTags([]string{"b", "", "a", "b"}))
	assert.Empty(t, NormalizeTags(nil))
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusBusy.Valid())
	assert.False(t, Status("RUNNING").Valid())
}
