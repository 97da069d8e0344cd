package backend

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/reanahub/reana-job-controller/internal/secrets"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// SlurmAdapter submits jobs to an HPC batch cluster by SSHing to the head
// node, generating an sbatch script and polling the queue by job id.
type SlurmAdapter struct {
	runner           CommandRunner
	defaultPartition string
	defaultTime      string
}

// SlurmAdapterConfig holds configuration for the Slurm adapter
type SlurmAdapterConfig struct {
	DefaultPartition string
	DefaultTime      string // walltime in minutes, sbatch --time syntax also accepted
}

// NewSlurmAdapter creates the adapter over a command runner
func NewSlurmAdapter(runner CommandRunner, cfg SlurmAdapterConfig) *SlurmAdapter {
	return &SlurmAdapter{
		runner:           runner,
		defaultPartition: cfg.DefaultPartition,
		defaultTime:      cfg.DefaultTime,
	}
}

// Name implements Adapter
func (sa *SlurmAdapter) Name() string {
	return BackendSlurmCERN
}

func (sa *SlurmAdapter) jobName(jobID string) string {
	return "reana-" + jobID
}

func (sa *SlurmAdapter) spoolDir(job *models.Job) string {
	return path.Join(job.WorkflowWorkspace, ".reana", job.ID)
}

// Submit implements Adapter
func (sa *SlurmAdapter) Submit(ctx context.Context, job *models.Job) (string, error) {
	logger := logging.Log.WithField("job_id", job.ID)

	if err := ValidateImageReference(job.DockerImage); err != nil {
		return "", PermanentSubmissionError("invalid image reference", err)
	}

	// Idempotency: a queued job under this name is a previous attempt
	stdout, _, exitCode, err := sa.runner.Run(ctx,
		fmt.Sprintf("squeue --noheader --name=%q --format=%%i", sa.jobName(job.ID)))
	if err != nil {
		return "", TransientSubmissionError("could not reach the head node", err)
	}
	if exitCode == 0 {
		if existing := strings.TrimSpace(stdout); existing != "" {
			logger.WithField("slurm_job_id", existing).Info("Slurm job already queued, reusing")
			return strings.Fields(existing)[0], nil
		}
	}

	spool := sa.spoolDir(job)
	scriptPath := path.Join(spool, "job.sbatch")

	if _, _, _, err := sa.runner.Run(ctx, fmt.Sprintf("mkdir -p %q", spool)); err != nil {
		return "", TransientSubmissionError("could not create spool directory", err)
	}

	script, err := sa.batchScript(job, spool)
	if err != nil {
		return "", err
	}
	if err := sa.runner.Upload(ctx, scriptPath, []byte(script), os.FileMode(0o755)); err != nil {
		return "", TransientSubmissionError("could not upload batch script", err)
	}

	stdout, stderr, exitCode, err := sa.runner.Run(ctx, fmt.Sprintf("sbatch --parsable %q", scriptPath))
	if err != nil {
		return "", TransientSubmissionError("sbatch transport failed", err)
	}
	if exitCode != 0 {
		if strings.Contains(stderr, "invalid partition") || strings.Contains(stderr, "Invalid") {
			return "", PermanentSubmissionError("sbatch rejected the script", fmt.Errorf("%s", strings.TrimSpace(stderr)))
		}
		return "", TransientSubmissionError("sbatch failed", fmt.Errorf("exit %d: %s", exitCode, strings.TrimSpace(stderr)))
	}

	slurmJobID := strings.TrimSpace(stdout)
	if slurmJobID == "" {
		return "", TransientSubmissionError("could not parse sbatch output", fmt.Errorf("empty sbatch output"))
	}
	// --parsable may emit "jobid;cluster"
	if idx := strings.IndexByte(slurmJobID, ';'); idx > 0 {
		slurmJobID = slurmJobID[:idx]
	}

	logger.WithField("slurm_job_id", slurmJobID).Info("Slurm job submitted")
	return slurmJobID, nil
}

// batchScript renders the sbatch script with partition and walltime
func (sa *SlurmAdapter) batchScript(job *models.Job, spool string) (string, error) {
	params, err := ParamsFromJob(job)
	if err != nil {
		return "", PermanentSubmissionError("invalid backend parameters", err)
	}
	sp := params.Slurm

	partition := sa.defaultPartition
	if sp != nil && sp.Partition != "" {
		partition = sp.Partition
	}
	walltime := sa.defaultTime
	if sp != nil && sp.Time != "" {
		walltime = sp.Time
	}

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", sa.jobName(job.ID))
	fmt.Fprintf(&b, "#SBATCH --partition=%s\n", partition)
	fmt.Fprintf(&b, "#SBATCH --time=%s\n", walltime)
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", path.Join(spool, "job.out"))
	fmt.Fprintf(&b, "#SBATCH --error=%s\n", path.Join(spool, "job.err"))
	for _, line := range secrets.ExportLines(job) {
		b.WriteString(line + "\n")
	}
	for key, value := range job.EnvStrings() {
		fmt.Fprintf(&b, "export %s=%q\n", key, value)
	}
	if job.SharedFileSystem {
		b.WriteString(WrapCommand(job.WorkflowWorkspace, job.Cmd) + "\n")
	} else {
		// Compute nodes without the shared mount stage through scratch
		b.WriteString(strings.TrimPrefix(WrapperScript(job.WorkflowWorkspace, job.Cmd), "#!/bin/bash\n"))
	}
	return b.String(), nil
}

// Stop implements Adapter. scancel of an unknown or already-finished job
// is a success.
func (sa *SlurmAdapter) Stop(ctx context.Context, job *models.Job) error {
	if job.BackendJobID == nil {
		return nil
	}

	_, stderr, exitCode, err := sa.runner.Run(ctx, fmt.Sprintf("scancel %s", *job.BackendJobID))
	if err != nil {
		return &StopError{Backend: BackendSlurmCERN, Err: err}
	}
	if exitCode != 0 && !strings.Contains(stderr, "Invalid job id") {
		return &StopError{Backend: BackendSlurmCERN, Err: fmt.Errorf("scancel exit %d: %s", exitCode, strings.TrimSpace(stderr))}
	}
	return nil
}

// FetchLogs implements Adapter
func (sa *SlurmAdapter) FetchLogs(ctx context.Context, job *models.Job) (string, error) {
	spool := sa.spoolDir(job)
	stdout, _, exitCode, err := sa.runner.Run(ctx,
		fmt.Sprintf("cat %q %q 2>/dev/null", path.Join(spool, "job.out"), path.Join(spool, "job.err")))
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", nil
	}
	return stdout, nil
}

// PollStatus implements Adapter: squeue for queued/running jobs, sacct for
// ones that left the queue.
func (sa *SlurmAdapter) PollStatus(ctx context.Context, backendJobID string) (Phase, error) {
	stdout, _, exitCode, err := sa.runner.Run(ctx,
		fmt.Sprintf("squeue --noheader -j %s --format=%%T", backendJobID))
	if err != nil {
		return PhaseUnknown, err
	}
	if exitCode == 0 {
		if state := strings.TrimSpace(stdout); state != "" {
			return slurmStateToPhase(state), nil
		}
	}

	stdout, _, exitCode, err = sa.runner.Run(ctx,
		fmt.Sprintf("sacct -j %s --format=State --noheader --parsable2", backendJobID))
	if err != nil {
		return PhaseUnknown, err
	}
	if exitCode != 0 || strings.TrimSpace(stdout) == "" {
		return PhaseUnknown, nil
	}

	state := strings.Fields(stdout)[0]
	return slurmStateToPhase(state), nil
}

func slurmStateToPhase(state string) Phase {
	switch {
	case state == "PENDING" || state == "CONFIGURING":
		return PhaseUnknown
	case state == "RUNNING" || state == "COMPLETING":
		return PhaseRunning
	case state == "COMPLETED":
		return PhaseFinished
	case strings.HasPrefix(state, "CANCELLED"), state == "FAILED",
		state == "TIMEOUT", state == "OUT_OF_MEMORY", state == "NODE_FAIL",
		state == "PREEMPTED":
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}
