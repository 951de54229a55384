package discovery

import (
	"path/filepath"
	"strconv"
	"strings"

	"hwtopo/internal/bitmap"
)

// unlimitedV1 is the smallest cgroup v1 limit treated as "no limit"; the
// kernel reports unlimited as a page-rounded LONG_MAX
const unlimitedV1 = 1 << 62

// CgroupLimits are the resource limits of the cgroup discovery runs in
type CgroupLimits struct {
	Version int
	// CPUQuota is quota over period in CPUs; zero when unlimited
	CPUQuota float64
	// MemoryLimit in bytes; zero when unlimited
	MemoryLimit uint64
	// AllowedCPUs is the effective cpuset; empty when unknown
	AllowedCPUs bitmap.CPUSet
}

// ReadCgroupLimits reads the limits below the cgroup mount of a sysfs
// tree. cgroup v2 is tried before v1.
func ReadCgroupLimits(sysRoot string) CgroupLimits {
	base := filepath.Join(sysRoot, "fs/cgroup")
	var l CgroupLimits

	if readSysfsString(filepath.Join(base, "cgroup.controllers")) != "" {
		l.Version = 2
		if f := strings.Fields(readSysfsString(filepath.Join(base, "cpu.max"))); len(f) == 2 && f[0] != "max" {
			l.CPUQuota = quota(f[0], f[1])
		}
		if s := readSysfsString(filepath.Join(base, "memory.max")); s != "max" {
			l.MemoryLimit, _ = strconv.ParseUint(s, 10, 64)
		}
		l.AllowedCPUs, _ = bitmap.Parse(readSysfsString(filepath.Join(base, "cpuset.cpus.effective")))
		return l
	}

	if _, err := strconv.Atoi(readSysfsString(filepath.Join(base, "cpu/cpu.cfs_period_us"))); err == nil {
		l.Version = 1
		l.CPUQuota = quota(
			readSysfsString(filepath.Join(base, "cpu/cpu.cfs_quota_us")),
			readSysfsString(filepath.Join(base, "cpu/cpu.cfs_period_us")))
	}
	if v, err := strconv.ParseUint(readSysfsString(filepath.Join(base, "memory/memory.limit_in_bytes")), 10, 64); err == nil {
		l.Version = 1
		if v < unlimitedV1 {
			l.MemoryLimit = v
		}
	}
	if set, err := bitmap.Parse(readSysfsString(filepath.Join(base, "cpuset/cpuset.effective_cpus"))); err == nil && !set.IsEmpty() {
		l.Version = 1
		l.AllowedCPUs = set
	}
	return l
}

func quota(q, p string) float64 {
	quota, err1 := strconv.ParseInt(q, 10, 64)
	period, err2 := strconv.ParseInt(p, 10, 64)
	if err1 != nil || err2 != nil || quota <= 0 || period <= 0 {
		return 0
	}
	return float64(quota) / float64(period)
}

// Infos returns the limits as machine info pairs. Unknown or unlimited
// values are left out.
func (l CgroupLimits) Infos() map[string]string {
	if l.Version == 0 {
		return nil
	}
	infos := map[string]string{"CgroupVersion": strconv.Itoa(l.Version)}
	if l.CPUQuota > 0 {
		infos["CgroupCPUQuota"] = strconv.FormatFloat(l.CPUQuota, 'f', -1, 64)
	}
	if l.MemoryLimit > 0 {
		infos["CgroupMemoryLimit"] = strconv.FormatUint(l.MemoryLimit, 10)
	}
	if !l.AllowedCPUs.IsEmpty() {
		infos["CgroupAllowedCPUs"] = l.AllowedCPUs.String()
	}
	return infos
}
