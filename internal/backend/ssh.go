package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// CommandRunner executes commands on a remote head node. The HTCondor and
// Slurm adapters are written against this interface; tests substitute a
// recording fake.
type CommandRunner interface {
	// Run executes the command and returns stdout, stderr and the exit code.
	// err is non-nil only for transport failures, not command failures.
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)

	// Upload writes content to the remote path
	Upload(ctx context.Context, path string, content []byte, mode os.FileMode) error
}

// SSHRunnerConfig locates and authenticates against a head node
type SSHRunnerConfig struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

// sshRunner opens one session per command, the way interactive batch
// submission does. There is no persistent channel to go stale between
// monitor polls.
type sshRunner struct {
	cfg SSHRunnerConfig
}

// NewSSHRunner builds a CommandRunner over SSH
func NewSSHRunner(cfg SSHRunnerConfig) (CommandRunner, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("ssh runner requires host and user")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &sshRunner{cfg: cfg}, nil
}

func (r *sshRunner) dial(ctx context.Context) (*ssh.Client, error) {
	keyBytes, err := os.ReadFile(r.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", r.cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	// Tear the connection down if the caller's context expires mid-command
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	return client, nil
}

func (r *sshRunner) Run(ctx context.Context, command string) (string, string, int, error) {
	client, err := r.dial(ctx)
	if err != nil {
		return "", "", -1, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(command)
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}

	if exitErr, ok := err.(*ssh.ExitError); ok {
		return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
	}
	return stdout.String(), stderr.String(), -1, fmt.Errorf("command transport failed: %w", err)
}

func (r *sshRunner) Upload(ctx context.Context, path string, content []byte, mode os.FileMode) error {
	client, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(content)
	command := fmt.Sprintf("cat > %q && chmod %o %q", path, mode.Perm(), path)
	if err := session.Run(command); err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return nil
}
