package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunServeRequiresConfigFlag(t *testing.T) {
	cfgFile = ""
	err := runServe(serveCmd, nil)
	assert.ErrorContains(t, err, "--config/-f is required")
}

func TestRunServeRejectsUnloadableConfig(t *testing.T) {
	cfgFile = "/does/not/exist.yaml"
	defer func() { cfgFile = "" }()

	err := runServe(serveCmd, nil)
	assert.Error(t, err)
}

func TestExitCodesAreDistinct(t *testing.T) {
	assert.NotEqual(t, exitOK, exitShutdownJoinFailed)
}
