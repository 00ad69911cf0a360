package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo_String(t *testing.T) {
	dev := Info{CommitHash: "0123456789abcdef", BuildTime: "now", Version: "dev"}
	assert.False(t, dev.IsRelease())
	assert.Equal(t, "loom dev (commit 0123456, built now)", dev.String())

	rel := Info{CommitHash: "abc", BuildTime: "now", Version: "v1.2.3"}
	assert.True(t, rel.IsRelease())
	assert.Equal(t, "loom v1.2.3 (commit abc, built now)", rel.String())
}

func TestGet(t *testing.T) {
	info := Get()
	assert.True(t, strings.HasPrefix(info.GoVersion, "go"))
	assert.Contains(t, info.Platform, "/")
}
