package backend

import (
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/reanahub/reana-job-controller/internal/secrets"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// HTCondorAdapter submits jobs to an HTC grid through condor_submit on a
// schedd node. The submit description references a wrapper script that
// restores the workspace inside the scratch directory, runs the command
// under the configured container runtime and stages results back.
type HTCondorAdapter struct {
	runner           CommandRunner
	containerRuntime string
	cvmfsImageRoot   string
}

// HTCondorAdapterConfig holds configuration for the HTCondor adapter
type HTCondorAdapterConfig struct {
	ContainerRuntime string // e.g. "apptainer"
	CVMFSImageRoot   string // root of the unpacked image tree
}

// NewHTCondorAdapter creates the adapter over a command runner
func NewHTCondorAdapter(runner CommandRunner, cfg HTCondorAdapterConfig) *HTCondorAdapter {
	runtime := cfg.ContainerRuntime
	if runtime == "" {
		runtime = "apptainer"
	}
	return &HTCondorAdapter{
		runner:           runner,
		containerRuntime: runtime,
		cvmfsImageRoot:   cfg.CVMFSImageRoot,
	}
}

// Name implements Adapter
func (ha *HTCondorAdapter) Name() string {
	return BackendHTCondorCERN
}

// batchName is the JobBatchName every submission carries; idempotency
// lookups key on it.
func (ha *HTCondorAdapter) batchName(jobID string) string {
	return "reana-" + jobID
}

func (ha *HTCondorAdapter) spoolDir(job *models.Job) string {
	return path.Join(job.WorkflowWorkspace, ".reana", job.ID)
}

var condorClusterRe = regexp.MustCompile(`submitted to cluster (\d+)`)

// Submit implements Adapter
func (ha *HTCondorAdapter) Submit(ctx context.Context, job *models.Job) (string, error) {
	logger := logging.Log.WithField("job_id", job.ID)

	if err := ValidateImageReference(job.DockerImage); err != nil {
		return "", PermanentSubmissionError("invalid image reference", err)
	}

	// Idempotency: a cluster already queued under this batch name is the
	// result of a previous attempt
	stdout, _, exitCode, err := ha.runner.Run(ctx,
		fmt.Sprintf("condor_q -constraint 'JobBatchName == %q' -af ClusterId", ha.batchName(job.ID)))
	if err != nil {
		return "", TransientSubmissionError("could not reach the schedd", err)
	}
	if exitCode == 0 {
		if existing := strings.TrimSpace(stdout); existing != "" {
			logger.WithField("cluster_id", existing).Info("HTCondor cluster already queued, reusing")
			return strings.Fields(existing)[0], nil
		}
	}

	spool := ha.spoolDir(job)
	wrapperPath := path.Join(spool, "wrapper.sh")
	submitPath := path.Join(spool, "job.sub")

	if _, _, _, err := ha.runner.Run(ctx, fmt.Sprintf("mkdir -p %q", spool)); err != nil {
		return "", TransientSubmissionError("could not create spool directory", err)
	}
	if err := ha.runner.Upload(ctx, wrapperPath, []byte(ha.wrapperScript(job)), os.FileMode(0o755)); err != nil {
		return "", TransientSubmissionError("could not upload wrapper script", err)
	}

	description, err := ha.submitDescription(job, wrapperPath, spool)
	if err != nil {
		return "", err
	}
	if err := ha.runner.Upload(ctx, submitPath, []byte(description), os.FileMode(0o644)); err != nil {
		return "", TransientSubmissionError("could not upload submit description", err)
	}

	stdout, stderr, exitCode, err := ha.runner.Run(ctx, fmt.Sprintf("condor_submit %q", submitPath))
	if err != nil {
		return "", TransientSubmissionError("condor_submit transport failed", err)
	}
	if exitCode != 0 {
		if strings.Contains(stderr, "Invalid") || strings.Contains(stderr, "ERROR: ") {
			return "", PermanentSubmissionError("condor_submit rejected the description", fmt.Errorf("%s", strings.TrimSpace(stderr)))
		}
		return "", TransientSubmissionError("condor_submit failed", fmt.Errorf("exit %d: %s", exitCode, strings.TrimSpace(stderr)))
	}

	match := condorClusterRe.FindStringSubmatch(stdout)
	if match == nil {
		return "", TransientSubmissionError("could not parse cluster id", fmt.Errorf("unexpected condor_submit output: %s", strings.TrimSpace(stdout)))
	}

	logger.WithField("cluster_id", match[1]).Info("HTCondor cluster submitted")
	return match[1], nil
}

// submitDescription renders the condor submit file
func (ha *HTCondorAdapter) submitDescription(job *models.Job, wrapperPath, spool string) (string, error) {
	params, err := ParamsFromJob(job)
	if err != nil {
		return "", PermanentSubmissionError("invalid backend parameters", err)
	}
	hp := params.HTCondor

	var b strings.Builder
	fmt.Fprintf(&b, "executable = %s\n", wrapperPath)
	fmt.Fprintf(&b, "batch_name = %s\n", ha.batchName(job.ID))
	fmt.Fprintf(&b, "output = %s\n", path.Join(spool, "job.out"))
	fmt.Fprintf(&b, "error = %s\n", path.Join(spool, "job.err"))
	fmt.Fprintf(&b, "log = %s\n", path.Join(spool, "job.log"))
	b.WriteString("universe = vanilla\n")
	b.WriteString("transfer_executable = false\n")
	b.WriteString("should_transfer_files = NO\n")
	if hp != nil && hp.AccountingGroup != "" {
		fmt.Fprintf(&b, "accounting_group = %s\n", hp.AccountingGroup)
	}
	if hp != nil && hp.MaxRuntime != "" {
		fmt.Fprintf(&b, "+MaxRuntime = %s\n", hp.MaxRuntime)
	}
	b.WriteString("queue 1\n")
	return b.String(), nil
}

// wrapperScript wraps the user command with container invocation, secret
// exports and the stage-in/stage-out dance.
func (ha *HTCondorAdapter) wrapperScript(job *models.Job) string {
	image := job.DockerImage
	if job.UnpackedImage && ha.cvmfsImageRoot != "" {
		// Extracted image from the CVMFS-style mount instead of pulling
		image = path.Join(ha.cvmfsImageRoot, job.DockerImage)
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, line := range secrets.ExportLines(job) {
		b.WriteString(line + "\n")
	}
	for key, value := range job.EnvStrings() {
		fmt.Fprintf(&b, "export %s=%q\n", key, value)
	}

	if job.SharedFileSystem {
		// The workspace mount is visible on the worker node: run in place
		fmt.Fprintf(&b, "%s exec --bind %q %q bash -c %q\n",
			ha.containerRuntime, job.WorkflowWorkspace, image,
			WrapCommand(job.WorkflowWorkspace, job.Cmd))
		b.WriteString("exit $?\n")
		return b.String()
	}

	// No shared filesystem: restore the workspace into the scratch
	// directory, run there, stage results back into the workspace root
	fmt.Fprintf(&b, "workspace=%q\n", job.WorkflowWorkspace)
	b.WriteString("scratch=\"${_CONDOR_SCRATCH_DIR:-${TMPDIR:-/tmp}}/reana-$$\"\n")
	b.WriteString("mkdir -p \"$scratch\" && cp -R \"$workspace\"/. \"$scratch\"/\n")
	fmt.Fprintf(&b, "%s exec --bind \"$scratch\":%q %q bash -c %q\n",
		ha.containerRuntime, job.WorkflowWorkspace, image,
		WrapCommand(job.WorkflowWorkspace, job.Cmd))
	b.WriteString("status=$?\n")
	b.WriteString("cp -R \"$scratch\"/. \"$workspace\"/\n")
	b.WriteString("exit $status\n")
	return b.String()
}

// Stop implements Adapter. condor_rm on a cluster that already left the
// queue is a success.
func (ha *HTCondorAdapter) Stop(ctx context.Context, job *models.Job) error {
	if job.BackendJobID == nil {
		return nil
	}

	_, stderr, exitCode, err := ha.runner.Run(ctx, fmt.Sprintf("condor_rm %s", *job.BackendJobID))
	if err != nil {
		return &StopError{Backend: BackendHTCondorCERN, Err: err}
	}
	if exitCode != 0 {
		if strings.Contains(stderr, "not found") || strings.Contains(stderr, "marked for removal") {
			return nil
		}
		return &StopError{Backend: BackendHTCondorCERN, Err: fmt.Errorf("condor_rm exit %d: %s", exitCode, strings.TrimSpace(stderr))}
	}
	return nil
}

// FetchLogs implements Adapter: concatenated stdout and stderr of the run
func (ha *HTCondorAdapter) FetchLogs(ctx context.Context, job *models.Job) (string, error) {
	spool := ha.spoolDir(job)
	stdout, _, exitCode, err := ha.runner.Run(ctx,
		fmt.Sprintf("cat %q %q 2>/dev/null", path.Join(spool, "job.out"), path.Join(spool, "job.err")))
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", nil
	}
	return stdout, nil
}

// PollStatus implements Adapter: condor_q for live clusters, falling back
// to condor_history for ones that left the queue.
func (ha *HTCondorAdapter) PollStatus(ctx context.Context, backendJobID string) (Phase, error) {
	stdout, _, exitCode, err := ha.runner.Run(ctx, fmt.Sprintf("condor_q %s -af JobStatus", backendJobID))
	if err != nil {
		return PhaseUnknown, err
	}
	if exitCode == 0 {
		if status := strings.TrimSpace(stdout); status != "" {
			return condorStatusToPhase(status), nil
		}
	}

	stdout, _, exitCode, err = ha.runner.Run(ctx,
		fmt.Sprintf("condor_history %s -limit 1 -af JobStatus ExitCode", backendJobID))
	if err != nil {
		return PhaseUnknown, err
	}
	if exitCode != 0 || strings.TrimSpace(stdout) == "" {
		return PhaseUnknown, nil
	}

	fields := strings.Fields(stdout)
	if fields[0] == "4" { // completed
		if len(fields) > 1 && fields[1] != "0" && fields[1] != "undefined" {
			return PhaseFailed, nil
		}
		return PhaseFinished, nil
	}
	return PhaseFailed, nil
}

// condorStatusToPhase maps live JobStatus integers
func condorStatusToPhase(status string) Phase {
	switch status {
	case "1": // idle
		return PhaseUnknown
	case "2", "6", "7": // running, transferring output, suspended
		return PhaseRunning
	case "3", "5": // removed, held
		return PhaseFailed
	case "4": // completed
		return PhaseFinished
	default:
		return PhaseUnknown
	}
}
