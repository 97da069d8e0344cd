package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// FingerprintInput is the cache key material. Two jobs share a cache entry
// exactly when the canonical forms of these are byte-equal.
type FingerprintInput struct {
	Cmd                  string
	DockerImage          string
	Env                  map[string]string
	ComputeBackendParams models.JSONB
	WorkflowJSON         json.RawMessage
	Workspace            string
}

// Fingerprint computes the SHA-256 hex of the canonical JSON of the cache
// key: keys sorted, whitespace stripped, workflow JSON re-canonicalized,
// input file digests path-sorted.
func Fingerprint(in FingerprintInput) (string, error) {
	workflow, err := canonicalizeRawJSON(in.WorkflowJSON)
	if err != nil {
		return "", fmt.Errorf("invalid workflow json: %w", err)
	}

	inputDigests, err := workspaceFileDigests(in.Workspace)
	if err != nil {
		return "", fmt.Errorf("could not digest workspace inputs: %w", err)
	}

	// encoding/json serializes map keys in sorted order with no extra
	// whitespace, which is exactly the canonical form the key needs
	key := map[string]interface{}{
		"cmd":                    in.Cmd,
		"docker_img":             in.DockerImage,
		"env":                    in.Env,
		"compute_backend_params": in.ComputeBackendParams,
		"workflow_json":          workflow,
		"input_files":            inputDigests,
	}

	canonical, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("could not canonicalize cache key: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalizeRawJSON strips formatting differences from caller-provided
// JSON by round-tripping it through interface{}.
func canonicalizeRawJSON(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// workspaceFileDigests returns path -> sha256 for every regular input file
// in the workspace at submit time. The archive and controller spool trees
// are job outputs, not inputs, and are excluded.
func workspaceFileDigests(workspace string) (map[string]string, error) {
	digests := map[string]string{}
	if workspace == "" {
		return digests, nil
	}

	err := filepath.Walk(workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			if rel == archiveDirName || rel == spoolDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		digest, err := fileDigest(path)
		if err != nil {
			return err
		}
		digests[rel] = digest
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return digests, nil
		}
		return nil, err
	}
	return digests, nil
}

func fileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// IsHexFingerprint reports whether s looks like a SHA-256 hex digest
func IsHexFingerprint(s string) bool {
	if len(s) != 64 {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) == -1
}
