// Package secrets renders workflow credentials into job environments.
// Three credential kinds are supported: Kerberos tickets, VOMS proxies
// and Rucio configuration. For Kubernetes jobs they become secret volumes
// plus refresh sidecars; for the batch backends they become export lines
// the wrapper script sources before the user command.
package secrets

import (
	"fmt"

	"github.com/reanahub/reana-job-controller/internal/store/models"
	corev1 "k8s.io/api/core/v1"
)

const (
	krb5SecretName  = "reana-krb5"
	vomsSecretName  = "reana-voms"
	rucioSecretName = "reana-rucio"

	krb5TicketDir = "/krb5"
	vomsProxyDir  = "/vomsproxy"
	rucioCfgDir   = "/opt/rucio/etc"
)

// Mounts is everything the Kubernetes adapter attaches to a job pod for
// the credentials the job requested.
type Mounts struct {
	Volumes      []corev1.Volume
	VolumeMounts []corev1.VolumeMount
	Env          []corev1.EnvVar
	Sidecars     []corev1.Container
}

// KubernetesMounts assembles the secret volumes, env and refresh sidecars
// for the credentials enabled on the job.
func KubernetesMounts(job *models.Job) Mounts {
	var m Mounts

	if job.Kerberos {
		m.Volumes = append(m.Volumes, secretVolume("krb5-secrets", krb5SecretName))
		m.VolumeMounts = append(m.VolumeMounts, corev1.VolumeMount{
			Name:      "krb5-secrets",
			MountPath: krb5TicketDir,
		})
		m.Env = append(m.Env, corev1.EnvVar{
			Name:  "KRB5CCNAME",
			Value: fmt.Sprintf("FILE:%s/krb5cc", krb5TicketDir),
		})
		// The renew sidecar keeps the ticket cache fresh for long jobs
		m.Sidecars = append(m.Sidecars, corev1.Container{
			Name:    "krb5-renew",
			Image:   "registry.cern.ch/reana/krb5-renew:latest",
			Command: []string{"kinit-renewer"},
			VolumeMounts: []corev1.VolumeMount{
				{Name: "krb5-secrets", MountPath: krb5TicketDir},
			},
		})
	}

	if job.VomsProxy {
		m.Volumes = append(m.Volumes, secretVolume("voms-secrets", vomsSecretName))
		m.VolumeMounts = append(m.VolumeMounts, corev1.VolumeMount{
			Name:      "voms-secrets",
			MountPath: vomsProxyDir,
		})
		m.Env = append(m.Env, corev1.EnvVar{
			Name:  "X509_USER_PROXY",
			Value: fmt.Sprintf("%s/x509up_proxy", vomsProxyDir),
		})
		m.Sidecars = append(m.Sidecars, corev1.Container{
			Name:    "voms-proxy-refresh",
			Image:   "registry.cern.ch/reana/voms-proxy:latest",
			Command: []string{"voms-proxy-refresher"},
			VolumeMounts: []corev1.VolumeMount{
				{Name: "voms-secrets", MountPath: vomsProxyDir},
			},
		})
	}

	if job.Rucio {
		m.Volumes = append(m.Volumes, secretVolume("rucio-secrets", rucioSecretName))
		m.VolumeMounts = append(m.VolumeMounts, corev1.VolumeMount{
			Name:      "rucio-secrets",
			MountPath: rucioCfgDir,
		})
		m.Env = append(m.Env, corev1.EnvVar{
			Name:  "RUCIO_CONFIG",
			Value: fmt.Sprintf("%s/rucio.cfg", rucioCfgDir),
		})
	}

	return m
}

// ExportLines renders the credential environment for the batch backends.
// The wrapper script emits these before decoding the user command.
func ExportLines(job *models.Job) []string {
	var lines []string
	if job.Kerberos {
		lines = append(lines, fmt.Sprintf("export KRB5CCNAME=FILE:%s/krb5cc", krb5TicketDir))
	}
	if job.VomsProxy {
		lines = append(lines, fmt.Sprintf("export X509_USER_PROXY=%s/x509up_proxy", vomsProxyDir))
	}
	if job.Rucio {
		lines = append(lines, fmt.Sprintf("export RUCIO_CONFIG=%s/rucio.cfg", rucioCfgDir))
	}
	return lines
}

func secretVolume(name, secretName string) corev1.Volume {
	return corev1.Volume{
		Name: name,
		VolumeSource: corev1.VolumeSource{
			Secret: &corev1.SecretVolumeSource{SecretName: secretName},
		},
	}
}
