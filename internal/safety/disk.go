package safety

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// diskUsage is replaced in tests.
var diskUsage = disk.UsageWithContext

// DiskSpace returns a Test that passes while the filesystem holding path has
// at least minFree bytes available. A path that cannot be inspected fails.
func DiskSpace(path string, minFree uint64) Test {
	return Func("disk space "+path, func(ctx context.Context) (bool, string) {
		stat, err := diskUsage(ctx, path)
		if err != nil {
			return false, fmt.Sprintf("inspecting %s: %v", path, err)
		}
		msg := fmt.Sprintf("%s free of %s (need %s)", humanBytes(stat.Free), humanBytes(stat.Total), humanBytes(minFree))
		return stat.Free >= minFree, msg
	})
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
