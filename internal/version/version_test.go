package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestString(t *testing.T) {
	assert.Equal(t, "1.2.3", Info{Version: "1.2.3", GitCommit: "unknown"}.String())
	assert.Equal(t, "1.2.3 (commit: abc123)", Info{Version: "1.2.3", GitCommit: "abc123"}.String())
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "shepherd-fetch/"+Version, UserAgent())
}
