// Package hardware provides the register, buffer-object and page-table
// collaborators a device runs against.
package hardware

import (
	"fmt"

	"github.com/ALEYI17/gpusched/internal/device"
	"github.com/ALEYI17/gpusched/pkg/types"
	"go.uber.org/zap"
)

const BackendSim = "sim"

// Interrupts receives the hardware's interrupt lines.
type Interrupts interface {
	OnHardwareComplete(q types.Queue, seqno uint64)
	OnOverflowMem()
}

// Backend bundles every collaborator of one device.
type Backend interface {
	device.Hardware
	device.BufferManager
	device.PageTable

	// Attach routes interrupts to irq. Interrupts raised before Attach are
	// dropped.
	Attach(irq Interrupts)
	Close() error
}

// NewBackend builds the backend registered under name.
func NewBackend(name string, cfg SimConfig, logger *zap.Logger) (Backend, error) {
	switch name {
	case BackendSim, "":
		return NewSim(cfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported hardware backend %q", types.ErrInvalidArgument, name)
	}
}
