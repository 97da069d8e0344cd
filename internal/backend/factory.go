package backend

import (
	"fmt"
	"strings"

	"github.com/reanahub/reana-job-controller/internal/config"
)

// Set is the collection of constructed adapters, keyed by backend name.
// Only backends listed in COMPUTE_BACKENDS are constructed; submissions
// naming anything else are rejected at dispatch.
type Set map[string]Adapter

// NewSet constructs one adapter per enabled backend from process config
func NewSet() (Set, error) {
	set := Set{}
	for _, name := range config.ComputeBackends {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		adapter, err := newAdapter(name)
		if err != nil {
			return nil, fmt.Errorf("failed to construct %s adapter: %w", name, err)
		}
		set[name] = adapter
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no compute backends enabled")
	}
	return set, nil
}

// Get returns the adapter for a backend name
func (s Set) Get(name string) (Adapter, error) {
	adapter, ok := s[name]
	if !ok {
		if IsKnownBackend(name) {
			return nil, fmt.Errorf("backend %s is not enabled on this controller", name)
		}
		return nil, fmt.Errorf("unsupported compute backend: %s (supported: %s)",
			name, strings.Join(KnownBackends(), ", "))
	}
	return adapter, nil
}

func newAdapter(name string) (Adapter, error) {
	switch name {
	case BackendKubernetes:
		return NewKubernetesAdapter()

	case BackendHTCondorCERN:
		runner, err := NewSSHRunner(SSHRunnerConfig{
			Host:    config.HTCondorSSHHost,
			Port:    config.HTCondorSSHPort,
			User:    config.HTCondorSSHUser,
			KeyPath: config.HTCondorSSHKeyPath,
		})
		if err != nil {
			return nil, err
		}
		return NewHTCondorAdapter(runner, HTCondorAdapterConfig{
			ContainerRuntime: config.HTCondorContainerRuntime,
			CVMFSImageRoot:   config.HTCondorCVMFSImageRoot,
		}), nil

	case BackendSlurmCERN:
		runner, err := NewSSHRunner(SSHRunnerConfig{
			Host:    config.SlurmSSHHost,
			Port:    config.SlurmSSHPort,
			User:    config.SlurmSSHUser,
			KeyPath: config.SlurmSSHKeyPath,
		})
		if err != nil {
			return nil, err
		}
		return NewSlurmAdapter(runner, SlurmAdapterConfig{
			DefaultPartition: config.SlurmPartitionDefault,
			DefaultTime:      config.SlurmTimeDefault,
		}), nil

	case BackendCompute4PUNCH:
		return NewC4PAdapter(C4PAdapterConfig{
			GatewayURL:   config.C4PGatewayURL,
			TokenIssuer:  config.C4PTokenIssuer,
			ClientID:     config.C4PClientID,
			ClientSecret: config.C4PClientSecret,
		})

	default:
		return nil, fmt.Errorf("unsupported compute backend: %s", name)
	}
}
