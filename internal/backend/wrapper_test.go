package backend

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapCommandEncodesUserCommand(t *testing.T) {
	// Commands full of quoting hazards must survive as an exact base64 payload
	cmd := `echo "it's a 'test'" && awk '{print $1}' < file`
	wrapped := WrapCommand("/var/reana/w1", cmd)

	encoded := base64.StdEncoding.EncodeToString([]byte(cmd))
	assert.Contains(t, wrapped, encoded)
	assert.Contains(t, wrapped, `cd "/var/reana/w1"`)
	assert.Contains(t, wrapped, "base64 -d")
	assert.Contains(t, wrapped, "job-exit-code:$status")
	// The raw command never appears unencoded
	assert.NotContains(t, wrapped, "awk")
}

func TestWrapperScriptStagesThroughScratch(t *testing.T) {
	script := WrapperScript("/var/reana/w1", "echo hi")

	require.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))
	assert.Contains(t, script, `workspace="/var/reana/w1"`)
	assert.Contains(t, script, "mkdir -p \"$scratch\"")
	// Stage-out copies the scratch tree back into the workspace root
	assert.Contains(t, script, "cp -R \"$scratch\"/. \"$workspace\"/")
	assert.Contains(t, script, "job-exit-code:$status")
	assert.Contains(t, script, "exit $status")
}

func TestExitCodeFromLogs(t *testing.T) {
	tests := []struct {
		name     string
		logs     string
		wantCode int
		wantOK   bool
	}{
		{"zero exit", "hi\njob-exit-code:0\n", 0, true},
		{"non-zero exit", "boom\njob-exit-code:2\n", 2, true},
		{"last marker wins", "job-exit-code:1\nretry\njob-exit-code:0\n", 0, true},
		{"marker embedded in output", "prefix job-exit-code:137 suffix", 137, true},
		{"no marker", "logs were truncated", 0, false},
		{"empty logs", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := ExitCodeFromLogs(tt.logs)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}
