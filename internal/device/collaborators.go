package device

import (
	"context"

	"github.com/ALEYI17/gpusched/internal/job"
	"github.com/ALEYI17/gpusched/internal/perfmon"
	"github.com/ALEYI17/gpusched/pkg/types"
)

// Hardware is the register-level side of the GPU. Submit starts a job and
// must not block; completion comes back through Device.OnHardwareComplete
// with the job's hardware fence seqno.
type Hardware interface {
	perfmon.Counters

	Submit(j job.Job)
	// Progress reads the queue's progress registers: control-list current
	// and return addresses for bin/render, remaining batches for CSD.
	Progress(q types.Queue) (ca, ra uint32)
	Reset(ctx context.Context) error
	CleanCaches()
	InvalidateCaches()
	// SupplyOverflow hands extra tile memory to the binner.
	SupplyOverflow(bo *types.BufferObject)
}

// BufferManager resolves and locks buffer objects for a submission and
// releases them when the job is freed.
type BufferManager interface {
	job.Releaser

	// Lookup fails with types.ErrInvalidHandle for any unknown handle.
	Lookup(handles []uint32) ([]*types.BufferObject, error)
	Alloc(size uint32) (*types.BufferObject, error)
}

// PageTable re-establishes the shared GPU page table after a reset.
type PageTable interface {
	Restore() error
}
