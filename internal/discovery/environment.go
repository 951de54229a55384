package discovery

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvironmentType is the broad category of machine the process runs on
type EnvironmentType string

const (
	EnvBareMetal     EnvironmentType = "bare_metal"
	EnvVM            EnvironmentType = "vm"
	EnvContainerized EnvironmentType = "containerized"
)

// ContainerRuntime names a container runtime
type ContainerRuntime string

const (
	RuntimeNone       ContainerRuntime = "none"
	RuntimeDocker     ContainerRuntime = "docker"
	RuntimeKubernetes ContainerRuntime = "kubernetes"
	RuntimePodman     ContainerRuntime = "podman"
	RuntimeContainerd ContainerRuntime = "containerd"
	RuntimeCRIO       ContainerRuntime = "cri-o"
	RuntimeLXC        ContainerRuntime = "lxc"
)

// runtimeSignature lists the evidence for one runtime. Any match counts.
type runtimeSignature struct {
	runtime       ContainerRuntime
	files         []string // relative to the filesystem root
	envVars       []string
	cgroupMarkers []string // substrings of proc/1/cgroup
	mountMarkers  []string // substrings of proc/mounts
}

// most specific first
var runtimeSignatures = []runtimeSignature{
	{
		runtime: RuntimeKubernetes,
		files: []string{
			"var/run/secrets/kubernetes.io/serviceaccount/token",
			"var/run/secrets/kubernetes.io/serviceaccount/namespace",
		},
		envVars: []string{"KUBERNETES_SERVICE_HOST", "KUBERNETES_PORT"},
	},
	{
		runtime:       RuntimeCRIO,
		cgroupMarkers: []string{"crio-", "/crio/"},
	},
	{
		runtime:       RuntimeContainerd,
		cgroupMarkers: []string{"containerd-", "/containerd/"},
		mountMarkers:  []string{"containerd"},
	},
	{
		runtime:       RuntimePodman,
		files:         []string{"run/.containerenv"},
		cgroupMarkers: []string{"libpod-", "/libpod/"},
	},
	{
		runtime:       RuntimeDocker,
		files:         []string{".dockerenv"},
		cgroupMarkers: []string{"docker-", "/docker/"},
	},
	{
		runtime:       RuntimeLXC,
		cgroupMarkers: []string{"/lxc/", "lxc.payload"},
	},
}

var hypervisorProducts = []string{
	"virtualbox", "vmware", "qemu", "kvm", "hyper-v", "xen", "parallels", "bochs",
}

// Environment is the result of DetectEnvironment
type Environment struct {
	Type    EnvironmentType
	Runtime ContainerRuntime
	Reasons []string
}

// Infos returns the environment as machine info attributes
func (e Environment) Infos() map[string]string {
	infos := map[string]string{"Environment": string(e.Type)}
	if e.Runtime != RuntimeNone {
		infos["ContainerRuntime"] = string(e.Runtime)
	}
	return infos
}

// EnvironmentProbe inspects a filesystem for container and hypervisor
// evidence. A zero probe looks at the running system.
type EnvironmentProbe struct {
	// Root is the filesystem root, "/" when empty
	Root string
	// Getenv looks up environment variables, os.Getenv when nil
	Getenv func(string) string
}

// DetectEnvironment classifies the environment. Container evidence wins
// over hypervisor evidence: a container in a VM reports as containerized.
func (p EnvironmentProbe) DetectEnvironment() Environment {
	root := p.Root
	if root == "" {
		root = "/"
	}
	getenv := p.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	env := Environment{Type: EnvBareMetal, Runtime: RuntimeNone}

	cgroup := readFileSafe(filepath.Join(root, "proc/1/cgroup"))
	mounts := readFileSafe(filepath.Join(root, "proc/mounts"))
	for _, sig := range runtimeSignatures {
		var reasons []string
		for _, f := range sig.files {
			if _, err := os.Stat(filepath.Join(root, f)); err == nil {
				reasons = append(reasons, "found /"+f)
			}
		}
		for _, v := range sig.envVars {
			if getenv(v) != "" {
				reasons = append(reasons, "env "+v+" set")
			}
		}
		for _, m := range sig.cgroupMarkers {
			if strings.Contains(cgroup, m) {
				reasons = append(reasons, "cgroup marker "+m)
			}
		}
		for _, m := range sig.mountMarkers {
			if strings.Contains(mounts, m) {
				reasons = append(reasons, "mount marker "+m)
			}
		}
		if len(reasons) > 0 {
			env.Type = EnvContainerized
			env.Runtime = sig.runtime
			env.Reasons = reasons
			return env
		}
	}

	product := strings.ToLower(readFileSafe(filepath.Join(root, "sys/class/dmi/id/product_name")))
	for _, h := range hypervisorProducts {
		if strings.Contains(product, h) {
			env.Type = EnvVM
			env.Reasons = append(env.Reasons, "dmi product "+strings.TrimSpace(product))
			return env
		}
	}
	if cpuinfo := readFileSafe(filepath.Join(root, "proc/cpuinfo")); strings.Contains(cpuinfo, " hypervisor") {
		env.Type = EnvVM
		env.Reasons = append(env.Reasons, "cpu hypervisor flag")
	}
	return env
}

func readFileSafe(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
