package backend

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/reanahub/reana-job-controller/internal/config"
	"github.com/reanahub/reana-job-controller/internal/secrets"
	"github.com/reanahub/reana-job-controller/internal/store/models"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Labels that identify job objects belonging to this workflow. The
// monitor's watch filters on them.
const (
	LabelJobID    = "reana.io/job-id"
	LabelWorkflow = "reana.io/workflow"
)

// KubernetesAdapter submits jobs as batchv1 Job objects with one primary
// container plus optional credential sidecars.
type KubernetesAdapter struct {
	clientset          kubernetes.Interface
	namespace          string
	serviceAccount     string
	defaultMemoryLimit string
	imagePullSecrets   []string
	privateRegistries  []string
}

// KubernetesAdapterConfig holds configuration for the Kubernetes adapter
type KubernetesAdapterConfig struct {
	Namespace          string
	ServiceAccount     string
	DefaultMemoryLimit string
	ImagePullSecrets   []string
	PrivateRegistries  []string
}

// NewKubernetesAdapter creates the adapter from the in-cluster config
func NewKubernetesAdapter() (*KubernetesAdapter, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config (is this running in Kubernetes?): %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return NewKubernetesAdapterWithClient(clientset, KubernetesAdapterConfig{
		Namespace:          config.KubernetesNamespace,
		ServiceAccount:     config.KubernetesServiceAccount,
		DefaultMemoryLimit: config.KubernetesJobsMemoryLimit,
		ImagePullSecrets:   splitNonEmpty(config.KubernetesImagePullSecrets),
		PrivateRegistries:  splitNonEmpty(config.PrivateRegistries),
	}), nil
}

// NewKubernetesAdapterWithClient creates the adapter with an explicit
// client; tests pass the fake clientset.
func NewKubernetesAdapterWithClient(clientset kubernetes.Interface, cfg KubernetesAdapterConfig) *KubernetesAdapter {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}
	serviceAccount := cfg.ServiceAccount
	if serviceAccount == "" {
		serviceAccount = "default"
	}
	return &KubernetesAdapter{
		clientset:          clientset,
		namespace:          namespace,
		serviceAccount:     serviceAccount,
		defaultMemoryLimit: cfg.DefaultMemoryLimit,
		imagePullSecrets:   cfg.ImagePullSecrets,
		privateRegistries:  cfg.PrivateRegistries,
	}
}

// Name implements Adapter
func (ka *KubernetesAdapter) Name() string {
	return BackendKubernetes
}

// JobObjectName derives the deterministic Job object name for a job id.
// Determinism is what makes Submit idempotent: a second submit finds the
// first object instead of creating a duplicate.
func JobObjectName(jobID string) string {
	return "reana-run-job-" + jobID
}

// Submit implements Adapter
func (ka *KubernetesAdapter) Submit(ctx context.Context, job *models.Job) (string, error) {
	logger := logging.Log.WithField("job_id", job.ID)

	jobName := JobObjectName(job.ID)

	// Idempotency: a retried submit returns the object created by the
	// previous attempt
	if existing, err := ka.clientset.BatchV1().Jobs(ka.namespace).Get(ctx, jobName, metav1.GetOptions{}); err == nil {
		logger.WithField("job_name", existing.Name).Info("Job object already exists, reusing")
		return existing.Name, nil
	} else if !k8serrors.IsNotFound(err) {
		return "", TransientSubmissionError("could not check for existing job object", err)
	}

	jobObject, err := ka.buildJobObject(job, jobName)
	if err != nil {
		return "", err
	}

	logger.WithField("job_name", jobName).
		WithField("namespace", ka.namespace).
		WithField("image", job.DockerImage).
		Info("Creating Kubernetes Job")

	created, err := ka.clientset.BatchV1().Jobs(ka.namespace).Create(ctx, jobObject, metav1.CreateOptions{})
	if err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return jobName, nil
		}
		if k8serrors.IsInvalid(err) || k8serrors.IsBadRequest(err) || k8serrors.IsForbidden(err) {
			return "", PermanentSubmissionError("Kubernetes rejected the job spec", err)
		}
		return "", TransientSubmissionError("could not create Kubernetes Job", err)
	}

	return created.Name, nil
}

func (ka *KubernetesAdapter) buildJobObject(job *models.Job, jobName string) (*batchv1.Job, error) {
	if err := ValidateImageReference(job.DockerImage); err != nil {
		return nil, PermanentSubmissionError("invalid image reference", err)
	}

	params, err := ParamsFromJob(job)
	if err != nil {
		return nil, PermanentSubmissionError("invalid backend parameters", err)
	}
	kp := params.Kubernetes

	memoryLimit := ka.defaultMemoryLimit
	if kp != nil && kp.MemoryLimit != "" {
		memoryLimit = kp.MemoryLimit
	}
	memQuantity, err := resource.ParseQuantity(memoryLimit)
	if err != nil {
		return nil, PermanentSubmissionError(fmt.Sprintf("invalid memory limit %q", memoryLimit), err)
	}

	envVars := []corev1.EnvVar{}
	for key, value := range job.EnvStrings() {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}

	credentialMounts := secrets.KubernetesMounts(job)
	envVars = append(envVars, credentialMounts.Env...)

	volumes := []corev1.Volume{
		{
			Name: "workspace",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: job.WorkflowWorkspace},
			},
		},
	}
	volumeMounts := []corev1.VolumeMount{
		{Name: "workspace", MountPath: job.WorkflowWorkspace},
	}

	// CVMFS repositories are mounted read-only from the node
	for i, repo := range job.CVMFSMounts {
		name := fmt.Sprintf("cvmfs-%d", i)
		volumes = append(volumes, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: "/cvmfs/" + repo},
			},
		})
		volumeMounts = append(volumeMounts, corev1.VolumeMount{
			Name:      name,
			MountPath: "/cvmfs/" + repo,
			ReadOnly:  true,
		})
	}

	volumes = append(volumes, credentialMounts.Volumes...)
	volumeMounts = append(volumeMounts, credentialMounts.VolumeMounts...)

	runAsNonRoot := true
	uid := int64(1000)
	if kp != nil && kp.UID != nil {
		uid = *kp.UID
	}

	container := corev1.Container{
		Name:            "job",
		Image:           job.DockerImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         []string{"bash", "-c", WrapCommand(job.WorkflowWorkspace, job.Cmd)},
		Env:             envVars,
		VolumeMounts:    volumeMounts,
		Resources: corev1.ResourceRequirements{
			Limits:   corev1.ResourceList{corev1.ResourceMemory: memQuantity},
			Requests: corev1.ResourceList{corev1.ResourceMemory: memQuantity},
		},
		SecurityContext: &corev1.SecurityContext{RunAsUser: &uid},
	}

	podSpec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: ka.serviceAccount,
		SecurityContext:    &corev1.PodSecurityContext{RunAsNonRoot: &runAsNonRoot},
		Containers:         append([]corev1.Container{container}, credentialMounts.Sidecars...),
		Volumes:            volumes,
	}

	if ka.imageMatchesPrivateRegistry(job.DockerImage) {
		for _, secret := range ka.imagePullSecrets {
			podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets, corev1.LocalObjectReference{Name: secret})
		}
	}

	labels := map[string]string{
		LabelJobID:    job.ID,
		LabelWorkflow: job.WorkflowUUID,
	}

	jobSpec := batchv1.JobSpec{
		BackoffLimit: int32Ptr(0), // restart handling lives in this controller, not kubelet
		Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: labels},
			Spec:       podSpec,
		},
	}
	if kp != nil && kp.JobTimeout != nil {
		jobSpec.ActiveDeadlineSeconds = kp.JobTimeout
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: ka.namespace,
			Labels:    labels,
		},
		Spec: jobSpec,
	}, nil
}

// Stop implements Adapter. A job object that is already gone counts as a
// successful stop.
func (ka *KubernetesAdapter) Stop(ctx context.Context, job *models.Job) error {
	if job.BackendJobID == nil {
		return nil
	}

	propagationPolicy := metav1.DeletePropagationBackground
	err := ka.clientset.BatchV1().Jobs(ka.namespace).Delete(ctx, *job.BackendJobID, metav1.DeleteOptions{
		PropagationPolicy: &propagationPolicy,
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return &StopError{Backend: BackendKubernetes, Err: err}
	}
	return nil
}

// FetchLogs implements Adapter: pulls the final pod logs, or whatever
// partial output is available.
func (ka *KubernetesAdapter) FetchLogs(ctx context.Context, job *models.Job) (string, error) {
	pods, err := ka.clientset.CoreV1().Pods(ka.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelJobID, job.ID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list pods for job %s: %w", job.ID, err)
	}
	if len(pods.Items) == 0 {
		return "", nil
	}

	podName := pods.Items[0].Name
	req := ka.clientset.CoreV1().Pods(ka.namespace).GetLogs(podName, &corev1.PodLogOptions{Container: "job"})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to stream logs of pod %s: %w", podName, err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return "", fmt.Errorf("failed to read logs of pod %s: %w", podName, err)
	}
	return string(data), nil
}

// PollStatus implements Adapter
func (ka *KubernetesAdapter) PollStatus(ctx context.Context, backendJobID string) (Phase, error) {
	jobObject, err := ka.clientset.BatchV1().Jobs(ka.namespace).Get(ctx, backendJobID, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return PhaseUnknown, nil
		}
		return PhaseUnknown, err
	}

	switch {
	case jobObject.Status.Succeeded > 0:
		return PhaseFinished, nil
	case jobObject.Status.Failed > 0:
		return PhaseFailed, nil
	case jobObject.Status.Active > 0:
		return PhaseRunning, nil
	default:
		return PhaseUnknown, nil
	}
}

// WatchPods opens a watch over job pods matching the label selector. The
// monitor consumes it so that pod events, not polls, drive kubernetes
// state transitions.
func (ka *KubernetesAdapter) WatchPods(ctx context.Context, labelSelector string) (watch.Interface, error) {
	return ka.clientset.CoreV1().Pods(ka.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
}

// ClassifyPodFailure inspects a terminated pod and returns a diagnostic
// for backend-induced kills, or "" for a plain non-zero exit.
func ClassifyPodFailure(pod *corev1.Pod) string {
	if pod.Status.Reason == "DeadlineExceeded" {
		return "job exceeded its active deadline"
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != "job" || cs.State.Terminated == nil {
			continue
		}
		switch cs.State.Terminated.Reason {
		case "OOMKilled":
			return "job container was killed: out of memory"
		case "DeadlineExceeded":
			return "job exceeded its active deadline"
		}
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Reason == "PodFailed" && strings.Contains(cond.Message, "node") {
			return "job node became unavailable"
		}
	}
	return ""
}

// PodWaitingReason returns the waiting reason of the job container, if
// any. The monitor's stall detection counts consecutive failure reasons
// such as ImagePullBackOff and CrashLoopBackOff.
func PodWaitingReason(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == "job" && cs.State.Waiting != nil {
			return cs.State.Waiting.Reason
		}
	}
	return ""
}

// ValidateImageReference performs the pre-submission sanity check shared
// by every backend.
func ValidateImageReference(image string) error {
	if image == "" {
		return fmt.Errorf("container image is required")
	}
	if strings.ContainsAny(image, " \t\n") {
		return fmt.Errorf("container image %q contains whitespace", image)
	}
	return nil
}

func (ka *KubernetesAdapter) imageMatchesPrivateRegistry(image string) bool {
	for _, registry := range ka.privateRegistries {
		if strings.HasPrefix(image, registry) {
			return true
		}
	}
	return false
}

func int32Ptr(i int32) *int32 {
	return &i
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
