package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSessionID(t *testing.T) {
	a := GenerateSessionID()
	b := GenerateSessionID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
	assert.NotContains(t, a, "-")
}

func TestGenerateCorrelationID(t *testing.T) {
	assert.NotEqual(t, GenerateCorrelationID(), GenerateCorrelationID())
}
