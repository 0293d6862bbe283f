package node

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPeerIDIsNonEmptyAndVariesPerCall(t *testing.T) {
	a := NewPeerID()
	b := NewPeerID()
	assert.NotEmpty(t, a)
	assert.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
}

func TestNewPeerIDIncludesHostnameWhenAvailable(t *testing.T) {
	id := NewPeerID()
	if hostname, err := os.Hostname(); err == nil {
		assert.True(t, strings.HasPrefix(id, hostname+"-"))
	}
	if strings.Contains(id, "-") {
		parts := strings.SplitN(id, "-", 2)
		assert.NotEmpty(t, parts[0])
	}
}
