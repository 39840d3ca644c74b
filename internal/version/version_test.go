package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo_String(t *testing.T) {
	oldV, oldSHA, oldT := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldT })

	Version, GitSHA, BuildTime = "v0.3.0", "0123456789abcdef0123", "2026-03-01T10:00:00Z"
	info := Get()
	assert.Equal(t, Info{Version: "v0.3.0", GitSHA: "0123456789abcdef0123", BuildTime: "2026-03-01T10:00:00Z"}, info)
	assert.Equal(t, "splatseq v0.3.0 (0123456789ab, built 2026-03-01T10:00:00Z)", info.String())

	assert.Equal(t, "splatseq dev (unknown, built unknown)", Info{Version: "dev", GitSHA: "unknown", BuildTime: "unknown"}.String())
}
