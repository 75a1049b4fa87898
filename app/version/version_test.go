package version_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vault713/grinbox/app/version"
)

func TestGitCommit(t *testing.T) {
	hash, timestamp := version.GitCommit()
	require.NotEmpty(t, hash)
	require.NotEmpty(t, timestamp)
}

func TestVersionSet(t *testing.T) {
	require.NotEmpty(t, version.Version)
}
