package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/reanahub/reana-job-controller/internal/secrets"
	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// C4PAdapter submits jobs to a remote HTC pool through a token
// authenticated gateway. The credential is a machine token obtained from
// the configured issuer and cached until shortly before expiry.
type C4PAdapter struct {
	gatewayURL string
	httpClient *http.Client
	tokens     *machineTokenSource
}

// C4PAdapterConfig holds configuration for the Compute4PUNCH adapter
type C4PAdapterConfig struct {
	GatewayURL   string
	TokenIssuer  string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client // optional; tests inject a recording transport
}

// NewC4PAdapter creates the gateway adapter
func NewC4PAdapter(cfg C4PAdapterConfig) (*C4PAdapter, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("compute4punch gateway URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &C4PAdapter{
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		httpClient: httpClient,
		tokens: &machineTokenSource{
			issuer:       cfg.TokenIssuer,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			httpClient:   httpClient,
		},
	}, nil
}

// Name implements Adapter
func (ca *C4PAdapter) Name() string {
	return BackendCompute4PUNCH
}

func (ca *C4PAdapter) externalName(jobID string) string {
	return "reana-" + jobID
}

type c4pJobSpec struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Command     string            `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
	Exports     []string          `json:"exports,omitempty"`

	CPUCores     string `json:"cpu_cores,omitempty"`
	MemoryLimit  string `json:"memory_limit,omitempty"`
	Requirements string `json:"requirements,omitempty"`
}

type c4pJob struct {
	ID    string `json:"job_id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Submit implements Adapter
func (ca *C4PAdapter) Submit(ctx context.Context, job *models.Job) (string, error) {
	logger := logging.Log.WithField("job_id", job.ID)

	if err := ValidateImageReference(job.DockerImage); err != nil {
		return "", PermanentSubmissionError("invalid image reference", err)
	}

	// Idempotency: ask the gateway for a job of this name first
	if existing, err := ca.findByName(ctx, ca.externalName(job.ID)); err == nil && existing != nil {
		logger.WithField("c4p_job_id", existing.ID).Info("Gateway job already exists, reusing")
		return existing.ID, nil
	} else if err != nil {
		return "", TransientSubmissionError("could not query the gateway", err)
	}

	params, err := ParamsFromJob(job)
	if err != nil {
		return "", PermanentSubmissionError("invalid backend parameters", err)
	}
	cp := params.C4P

	spec := c4pJobSpec{
		Name:        ca.externalName(job.ID),
		Image:       job.DockerImage,
		Command:     WrapCommand(job.WorkflowWorkspace, job.Cmd),
		Environment: job.EnvStrings(),
		Exports:     secrets.ExportLines(job),
	}
	if cp != nil {
		spec.CPUCores = cp.CPUCores
		spec.MemoryLimit = cp.MemoryLimit
		spec.Requirements = cp.AdditionalRequirements
	}

	body, err := json.Marshal(spec)
	if err != nil {
		return "", PermanentSubmissionError("could not encode job spec", err)
	}

	var created c4pJob
	status, err := ca.do(ctx, http.MethodPost, "/jobs", bytes.NewReader(body), &created)
	if err != nil {
		return "", TransientSubmissionError("gateway submission failed", err)
	}
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		logger.WithField("c4p_job_id", created.ID).Info("Gateway job submitted")
		return created.ID, nil
	case status >= 400 && status < 500:
		return "", PermanentSubmissionError("gateway rejected the job spec", fmt.Errorf("gateway returned %d", status))
	default:
		return "", TransientSubmissionError("gateway error", fmt.Errorf("gateway returned %d", status))
	}
}

// Stop implements Adapter. A job the gateway no longer knows is stopped.
func (ca *C4PAdapter) Stop(ctx context.Context, job *models.Job) error {
	if job.BackendJobID == nil {
		return nil
	}

	status, err := ca.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(*job.BackendJobID), nil, nil)
	if err != nil {
		return &StopError{Backend: BackendCompute4PUNCH, Err: err}
	}
	if status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound {
		return nil
	}
	return &StopError{Backend: BackendCompute4PUNCH, Err: fmt.Errorf("gateway returned %d", status)}
}

// FetchLogs implements Adapter
func (ca *C4PAdapter) FetchLogs(ctx context.Context, job *models.Job) (string, error) {
	if job.BackendJobID == nil {
		return "", nil
	}

	var payload struct {
		Logs string `json:"logs"`
	}
	status, err := ca.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(*job.BackendJobID)+"/logs", nil, &payload)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", nil
	}
	return payload.Logs, nil
}

// PollStatus implements Adapter
func (ca *C4PAdapter) PollStatus(ctx context.Context, backendJobID string) (Phase, error) {
	var payload c4pJob
	status, err := ca.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(backendJobID), nil, &payload)
	if err != nil {
		return PhaseUnknown, err
	}
	if status == http.StatusNotFound {
		return PhaseUnknown, nil
	}
	if status != http.StatusOK {
		return PhaseUnknown, fmt.Errorf("gateway returned %d", status)
	}

	switch strings.ToLower(payload.State) {
	case "running", "completing":
		return PhaseRunning, nil
	case "completed", "finished", "done":
		return PhaseFinished, nil
	case "failed", "held", "removed", "error":
		return PhaseFailed, nil
	default:
		return PhaseUnknown, nil
	}
}

func (ca *C4PAdapter) findByName(ctx context.Context, name string) (*c4pJob, error) {
	var payload struct {
		Jobs []c4pJob `json:"jobs"`
	}
	status, err := ca.do(ctx, http.MethodGet, "/jobs?name="+url.QueryEscape(name), nil, &payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, nil
	}
	for i := range payload.Jobs {
		if payload.Jobs[i].Name == name {
			return &payload.Jobs[i], nil
		}
	}
	return nil, nil
}

// do performs one authenticated gateway request and decodes the response
// body into out when provided.
func (ca *C4PAdapter) do(ctx context.Context, method, path string, body io.Reader, out interface{}) (int, error) {
	token, err := ca.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not obtain machine token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, ca.gatewayURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ca.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("could not decode gateway response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// machineTokenSource fetches and caches the gateway machine token
type machineTokenSource struct {
	issuer       string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Token returns a valid machine token, fetching a fresh one when the
// cached token is within a minute of expiry.
func (ts *machineTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expires.Add(-time.Minute)) {
		return ts.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.issuer, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token issuer returned %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("could not decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token issuer returned an empty token")
	}

	ts.token = payload.AccessToken
	ts.expires = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return ts.token, nil
}
