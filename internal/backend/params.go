package backend

import (
	"fmt"

	"github.com/reanahub/reana-job-controller/internal/store/models"
)

// Params is the tagged variant over the per-backend parameter bags. The
// HTTP boundary parses the flat request fields into exactly one variant;
// adapters read only their own.
type Params struct {
	Kubernetes *KubernetesParams
	HTCondor   *HTCondorParams
	Slurm      *SlurmParams
	C4P        *C4PParams
}

// KubernetesParams are the kubernetes_* request fields
type KubernetesParams struct {
	UID         *int64 `json:"kubernetes_uid,omitempty"`
	MemoryLimit string `json:"kubernetes_memory_limit,omitempty"`
	JobTimeout  *int64 `json:"kubernetes_job_timeout,omitempty"`
}

// HTCondorParams are the htcondor_* request fields
type HTCondorParams struct {
	AccountingGroup string `json:"htcondor_accounting_group,omitempty"`
	MaxRuntime      string `json:"htcondor_max_runtime,omitempty"`
}

// SlurmParams are the slurm_* request fields
type SlurmParams struct {
	Partition string `json:"slurm_partition,omitempty"`
	Time      string `json:"slurm_time,omitempty"`
}

// C4PParams are the c4p_* request fields
type C4PParams struct {
	CPUCores               string `json:"c4p_cpu_cores,omitempty"`
	MemoryLimit            string `json:"c4p_memory_limit,omitempty"`
	AdditionalRequirements string `json:"c4p_additional_requirements,omitempty"`
}

// ToMap flattens the populated variant into the opaque bag stored on the
// job row. The map round-trips through JSONB, so values stay primitive.
func (p Params) ToMap() models.JSONB {
	out := models.JSONB{}
	switch {
	case p.Kubernetes != nil:
		if p.Kubernetes.UID != nil {
			out["kubernetes_uid"] = float64(*p.Kubernetes.UID)
		}
		if p.Kubernetes.MemoryLimit != "" {
			out["kubernetes_memory_limit"] = p.Kubernetes.MemoryLimit
		}
		if p.Kubernetes.JobTimeout != nil {
			out["kubernetes_job_timeout"] = float64(*p.Kubernetes.JobTimeout)
		}
	case p.HTCondor != nil:
		if p.HTCondor.AccountingGroup != "" {
			out["htcondor_accounting_group"] = p.HTCondor.AccountingGroup
		}
		if p.HTCondor.MaxRuntime != "" {
			out["htcondor_max_runtime"] = p.HTCondor.MaxRuntime
		}
	case p.Slurm != nil:
		if p.Slurm.Partition != "" {
			out["slurm_partition"] = p.Slurm.Partition
		}
		if p.Slurm.Time != "" {
			out["slurm_time"] = p.Slurm.Time
		}
	case p.C4P != nil:
		if p.C4P.CPUCores != "" {
			out["c4p_cpu_cores"] = p.C4P.CPUCores
		}
		if p.C4P.MemoryLimit != "" {
			out["c4p_memory_limit"] = p.C4P.MemoryLimit
		}
		if p.C4P.AdditionalRequirements != "" {
			out["c4p_additional_requirements"] = p.C4P.AdditionalRequirements
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParamsFromJob decodes the stored bag back into the variant matching the
// job's backend.
func ParamsFromJob(job *models.Job) (Params, error) {
	bag := job.ComputeBackendParams
	str := func(key string) string {
		if v, ok := bag[key].(string); ok {
			return v
		}
		return ""
	}
	num := func(key string) *int64 {
		if v, ok := bag[key].(float64); ok {
			n := int64(v)
			return &n
		}
		return nil
	}

	switch job.Backend {
	case BackendKubernetes:
		return Params{Kubernetes: &KubernetesParams{
			UID:         num("kubernetes_uid"),
			MemoryLimit: str("kubernetes_memory_limit"),
			JobTimeout:  num("kubernetes_job_timeout"),
		}}, nil
	case BackendHTCondorCERN:
		return Params{HTCondor: &HTCondorParams{
			AccountingGroup: str("htcondor_accounting_group"),
			MaxRuntime:      str("htcondor_max_runtime"),
		}}, nil
	case BackendSlurmCERN:
		return Params{Slurm: &SlurmParams{
			Partition: str("slurm_partition"),
			Time:      str("slurm_time"),
		}}, nil
	case BackendCompute4PUNCH:
		return Params{C4P: &C4PParams{
			CPUCores:               str("c4p_cpu_cores"),
			MemoryLimit:            str("c4p_memory_limit"),
			AdditionalRequirements: str("c4p_additional_requirements"),
		}}, nil
	default:
		return Params{}, fmt.Errorf("unknown backend: %s", job.Backend)
	}
}

// KnownBackends lists every backend name this controller can dispatch to
func KnownBackends() []string {
	return []string{BackendKubernetes, BackendHTCondorCERN, BackendSlurmCERN, BackendCompute4PUNCH}
}

// IsKnownBackend reports whether name is a dispatchable backend
func IsKnownBackend(name string) bool {
	for _, b := range KnownBackends() {
		if b == name {
			return true
		}
	}
	return false
}
