package osutil

import (
	"os"
	"strconv"
	"strings"

	"github.com/pbnjay/memory"
)

var (
	// cgroup v1 reports 9223372036854771712 when the container is unrestricted.
	cgroupV1LimitFile         = "/sys/fs/cgroup/memory/memory.limit_in_bytes"
	cgroupV1UnrestrictedLimit = uint64(9223372036854771712)

	// cgroup v2 reports "max" when the container is unrestricted.
	cgroupV2LimitFile = "/sys/fs/cgroup/memory.max"
)

// GetTotalMemory returns the total available memory size. The call is
// container-aware.
func GetTotalMemory() uint64 {
	totalMemory := memory.TotalMemory()

	if limit, ok := readCgroupLimit(cgroupV2LimitFile); ok && limit < totalMemory {
		return limit
	}
	if limit, ok := readCgroupLimit(cgroupV1LimitFile); ok && limit != cgroupV1UnrestrictedLimit {
		return limit
	}
	return totalMemory
}

func readCgroupLimit(path string) (uint64, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	limit, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false
	}
	return limit, true
}
