package rand

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSecret(t *testing.T) {
	s := NewSecret(32)
	assert.Len(t, s, 32)
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9]+$`), s)

	assert.NotEqual(t, s, NewSecret(32))
	assert.Len(t, NewSecret(0), 32, "non-positive length falls back to 32")
	assert.Len(t, NewSecret(7), 7)
}
