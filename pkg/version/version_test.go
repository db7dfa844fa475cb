package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_SemverOrDev(t *testing.T) {
	if Version == "dev" {
		return
	}
	semver := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	assert.Regexp(t, semver, Version)
}

func TestString(t *testing.T) {
	str := String()
	assert.Contains(t, str, "hybridrag "+Version)
	assert.Contains(t, str, "commit: ")
	assert.Contains(t, str, runtime.Version())
	assert.Contains(t, str, runtime.GOOS+"/"+runtime.GOARCH)
	assert.Equal(t, Version, Short())
}

func TestGetInfo_LinkTimeValuesWin(t *testing.T) {
	oldCommit, oldDate := Commit, Date
	t.Cleanup(func() { Commit, Date = oldCommit, oldDate })
	Commit, Date = "0123456789abcdef", "2026-01-02"

	info := GetInfo()

	assert.Equal(t, "0123456789ab", info.Commit, "shortened")
	assert.Equal(t, "2026-01-02", info.Date)
}

func TestGetInfo_NeverEmpty(t *testing.T) {
	info := GetInfo()
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.Date)
}

func TestGetInfo_JSON(t *testing.T) {
	// Given: the build info
	info := GetInfo()

	// When: it is encoded for `hybridrag version --json`
	data, err := json.Marshal(info)
	require.NoError(t, err)

	// Then: it carries the platform and snake_case keys
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, runtime.GOOS, decoded["os"])
	assert.Equal(t, runtime.GOARCH, decoded["arch"])
	assert.Equal(t, runtime.Version(), decoded["go_version"])
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "hybridrag/"+Version, UserAgent())
}
