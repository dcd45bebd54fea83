package preflight

import (
	"context"
	"strings"
	"time"
)

// NetnsDir is where ip netns keeps its mount points
const NetnsDir = "/var/run/netns"

func detectPermissions(sys System) []Evidence {
	euid := sys.Geteuid()
	evidence := []Evidence{
		NewEvidence(CategoryPermissions, "effective_uid", euid, 1.0, "syscall", "os.Geteuid()"),
		NewEvidence(CategoryPermissions, "is_root", euid == 0, 1.0, "syscall", "os.Geteuid() == 0"),
	}
	if name, err := sys.Username(); err == nil {
		evidence = append(evidence, NewEvidence(CategoryPermissions, "username", name, 0.99, "user", "user.Current().Username"))
	}
	return evidence
}

// probeTool records whether a binary is on PATH and, when versionArgs are
// given, that it actually runs
func probeTool(ctx context.Context, sys System, name string, versionArgs ...string) Evidence {
	prop := "has_" + strings.ReplaceAll(name, "-", "_")
	path, err := sys.LookPath(name)
	if err != nil {
		return NewEvidence(CategoryTooling, prop, false, 0.95, "probe", name+" not in PATH")
	}
	if len(versionArgs) == 0 {
		return NewEvidence(CategoryTooling, prop, true, 0.90, "probe", name+" found in PATH").
			WithRaw(map[string]any{"path": path})
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := sys.Run(ctx, append([]string{path}, versionArgs...)...)
	if err != nil {
		return NewEvidence(CategoryTooling, prop, false, 0.85, "probe",
			name+" exists but "+strings.Join(versionArgs, " ")+" failed: "+err.Error()).
			WithRaw(map[string]any{"path": path})
	}
	version := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	return NewEvidence(CategoryTooling, prop, true, 0.99, "probe", name+" "+strings.Join(versionArgs, " ")+" succeeded").
		WithRaw(map[string]any{"path": path, "version": version})
}

func probePing(ctx context.Context, sys System) Evidence {
	path, err := sys.LookPath("ping")
	if err != nil {
		return NewEvidence(CategoryTooling, "can_icmp_ping", false, 0.90, "probe", "ping binary not found in PATH")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := sys.Run(ctx, path, "-c", "1", "-W", "1", "127.0.0.1"); err != nil {
		return NewEvidence(CategoryTooling, "can_icmp_ping", false, 0.95, "probe", "ping -c 1 127.0.0.1 failed").
			WithRaw(map[string]any{"path": path, "error": err.Error()})
	}
	return NewEvidence(CategoryTooling, "can_icmp_ping", true, 0.95, "probe", "ping -c 1 127.0.0.1 succeeded").
		WithRaw(map[string]any{"path": path})
}

func probeNmap(ctx context.Context, sys System) Evidence {
	if _, err := sys.LookPath("nmap"); err != nil {
		return NewEvidence(CategoryTooling, "has_nmap", false, 0.95, "probe", "nmap not in PATH")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sys.ListScan(ctx, "127.0.0.1"); err != nil {
		return NewEvidence(CategoryTooling, "has_nmap", false, 0.85, "probe", "nmap list scan failed: "+err.Error())
	}
	return NewEvidence(CategoryTooling, "has_nmap", true, 0.99, "probe", "nmap -sL 127.0.0.1 succeeded")
}

func probeNetnsDir(sys System) Evidence {
	if err := sys.Writable(NetnsDir); err != nil {
		return NewEvidence(CategoryKernel, "netns_dir_writable", false, 0.90, "filesystem", "cannot write "+NetnsDir+": "+err.Error())
	}
	return NewEvidence(CategoryKernel, "netns_dir_writable", true, 0.95, "filesystem", "created and removed a file in "+NetnsDir)
}

func probeOVSModule(sys System) Evidence {
	data, err := sys.ReadFile("/proc/modules")
	if err != nil {
		return NewEvidence(CategoryKernel, "openvswitch_module", false, 0.50, "procfs", "cannot read /proc/modules: "+err.Error())
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "openvswitch ") {
			return NewEvidence(CategoryKernel, "openvswitch_module", true, 0.95, "procfs", "/proc/modules lists openvswitch")
		}
	}
	// Built in or loaded on demand by ovs-vswitchd
	return NewEvidence(CategoryKernel, "openvswitch_module", false, 0.60, "procfs", "openvswitch not in /proc/modules")
}

func probeController(ctx context.Context, sys System, addr string, timeout time.Duration) Evidence {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := sys.Dial(ctx, "tcp", addr)
	if err != nil {
		return NewEvidence(CategoryController, "reachable", false, 0.90, "network", "tcp connect to "+addr+" failed: "+err.Error()).
			WithRaw(map[string]any{"address": addr})
	}
	conn.Close()
	return NewEvidence(CategoryController, "reachable", true, 0.95, "network", "tcp connect to "+addr+" succeeded").
		WithRaw(map[string]any{"address": addr})
}

// detectContainer looks for the usual container markers. Namespaces and
// OVS inside a container need --privileged and the host's kernel modules.
func detectContainer(sys System) []Evidence {
	var evidence []Evidence
	if _, err := sys.ReadFile("/.dockerenv"); err == nil {
		evidence = append(evidence, NewEvidence(CategoryEnvironment, "container", "docker", 0.95, "filesystem", "/.dockerenv exists"))
	}
	if data, err := sys.ReadFile("/run/.containerenv"); err == nil {
		evidence = append(evidence, NewEvidence(CategoryEnvironment, "container", "podman", 0.95, "filesystem", "/run/.containerenv exists").
			WithRaw(map[string]any{"containerenv": strings.TrimSpace(string(data))}))
	}
	if data, err := sys.ReadFile("/proc/1/cgroup"); err == nil {
		cg := string(data)
		switch {
		case strings.Contains(cg, "/docker/"):
			evidence = append(evidence, NewEvidence(CategoryEnvironment, "container", "docker", 0.85, "procfs", "/proc/1/cgroup contains /docker/"))
		case strings.Contains(cg, "/lxc/") || strings.Contains(cg, "lxc.payload"):
			evidence = append(evidence, NewEvidence(CategoryEnvironment, "container", "lxc", 0.88, "procfs", "/proc/1/cgroup contains LXC marker"))
		case strings.Contains(cg, "kubepods"):
			evidence = append(evidence, NewEvidence(CategoryEnvironment, "container", "kubernetes", 0.85, "procfs", "/proc/1/cgroup contains kubepods"))
		}
	}
	return evidence
}
