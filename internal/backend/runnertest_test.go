package backend

import (
	"context"
	"os"
	"strings"
	"sync"
)

// fakeRunner scripts remote command results by prefix and records every
// command and upload.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	uploads  map[string][]byte

	// results maps a command prefix to a scripted result; the first match
	// wins, unmatched commands succeed with empty output
	results []fakeResult
}

type fakeResult struct {
	prefix   string
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{uploads: map[string][]byte{}}
}

func (f *fakeRunner) on(prefix, stdout string, exitCode int) {
	f.results = append(f.results, fakeResult{prefix: prefix, stdout: stdout, exitCode: exitCode})
}

func (f *fakeRunner) onError(prefix, stderr string, exitCode int) {
	f.results = append(f.results, fakeResult{prefix: prefix, stderr: stderr, exitCode: exitCode})
}

func (f *fakeRunner) Run(ctx context.Context, command string) (string, string, int, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()

	for _, r := range f.results {
		if strings.HasPrefix(command, r.prefix) {
			return r.stdout, r.stderr, r.exitCode, r.err
		}
	}
	return "", "", 0, nil
}

func (f *fakeRunner) Upload(ctx context.Context, path string, content []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[path] = content
	return nil
}

func (f *fakeRunner) commandCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			count++
		}
	}
	return count
}
