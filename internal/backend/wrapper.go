package backend

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// exitCodeChannel is the stdout marker every wrapper emits so monitors can
// recover the user command's exit code from captured logs regardless of
// the transport.
const exitCodeChannel = "job-exit-code:"

// WrapCommand renders the user command as a single shell line. The command
// is base64-encoded so it survives shell quoting across every transport
// (k8s container args, condor submit descriptions, sbatch scripts), then
// decoded and eval'd inside the workspace.
func WrapCommand(workspace, cmd string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(cmd))
	return fmt.Sprintf(
		`cd %q && cmd=$(echo %q | base64 -d) && eval "$cmd"; status=$?; echo "%s$status"; exit $status`,
		workspace, encoded, exitCodeChannel)
}

// WrapperScript renders the full wrapper used by the batch backends: it
// restores the workspace into the scratch directory, runs the command,
// and stages outputs back into the workspace root.
func WrapperScript(workspace, cmd string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(cmd))
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -u\n")
	fmt.Fprintf(&b, "workspace=%q\n", workspace)
	b.WriteString("scratch=\"${_CONDOR_SCRATCH_DIR:-${TMPDIR:-/tmp}}/reana-$$\"\n")
	b.WriteString("mkdir -p \"$scratch\" && cp -R \"$workspace\"/. \"$scratch\"/\n")
	b.WriteString("cd \"$scratch\"\n")
	fmt.Fprintf(&b, "cmd=$(echo %q | base64 -d)\n", encoded)
	b.WriteString("eval \"$cmd\"\n")
	b.WriteString("status=$?\n")
	// Stage-out copies the scratch tree back into the workspace root verbatim
	b.WriteString("cp -R \"$scratch\"/. \"$workspace\"/\n")
	fmt.Fprintf(&b, "echo \"%s$status\"\n", exitCodeChannel)
	b.WriteString("exit $status\n")
	return b.String()
}

var exitCodeRe = regexp.MustCompile(`job-exit-code:(\d+)`)

// ExitCodeFromLogs extracts the last exit code the wrapper emitted. The
// second return is false when no marker is present (logs truncated, job
// killed before the wrapper could report).
func ExitCodeFromLogs(logs string) (int, bool) {
	matches := exitCodeRe.FindAllStringSubmatch(logs, -1)
	if len(matches) == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return 0, false
	}
	return code, true
}
