package cmd

import (
	"bytes"
	"testing"

	"github.com/kkatwk9/versize/versize"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := versize.Version
	originalCommitSHA := versize.CommitSHA
	originalBuildTime := versize.BuildTime
	t.Cleanup(
		func() {
			versize.Version = originalVersion
			versize.CommitSHA = originalCommitSHA
			versize.BuildTime = originalBuildTime
		},
	)

	versize.Version = "1.0.0"
	versize.CommitSHA = "abc123"
	versize.BuildTime = "2024-08-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(
		func() {
			versionCmd.SetOut(nil)
		},
	)
	versionCmd.Run(versionCmd, nil)

	assert.Equal(t, "version=1.0.0 commit=abc123 built: 2024-08-01T12:00:00Z", out.String())
}
