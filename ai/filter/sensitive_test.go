package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPublic(t *testing.T) {
	assert.Equal(t, LevelPublic, Classify("the capital of France is Paris"))
	assert.Equal(t, LevelPublic, Classify(""))
}

func TestClassifyPersonal(t *testing.T) {
	tests := []string{
		"reach me at jane.doe@example.com",
		"my number is +31 6 1234 5678",
		"card 4111 1111 1111 1111 expires next year",
		"ssn is 123-45-6789",
	}
	for _, content := range tests {
		assert.Equal(t, LevelPersonal, Classify(content), "content %q", content)
	}
}

func TestClassifyConfidential(t *testing.T) {
	tests := []string{
		"my api_key = abcd1234",
		"the password: hunter2",
		"token sk-abcdefghijklmnop1234",
		"[confidential] merger closes friday",
		"this is off the record but the launch slipped",
	}
	for _, content := range tests {
		assert.Equal(t, LevelConfidential, Classify(content), "content %q", content)
	}
}

func TestIsSensitive(t *testing.T) {
	assert.False(t, IsSensitive("plain note about groceries"))
	assert.True(t, IsSensitive("mail me at x@y.io"))
	assert.True(t, IsSensitive("password: hunter2"))
}
