package device

import (
	"fmt"

	"github.com/ALEYI17/gpusched/internal/stats"
	"github.com/ALEYI17/gpusched/pkg/types"
)

// ReadUsage snapshots q's usage counters and keeps collection enabled for
// another stats window.
func (d *Device) ReadUsage(q types.Queue) (stats.Snapshot, error) {
	if !q.Valid() {
		return stats.Snapshot{}, fmt.Errorf("%w: queue %d", types.ErrInvalidArgument, int(q))
	}
	return d.stats.ReadUsage(q, d.clock()), nil
}
