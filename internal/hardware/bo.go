package hardware

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/ALEYI17/gpusched/pkg/types"
)

// Alloc creates a buffer object holding one reference for the caller.
func (s *Sim) Alloc(size uint32) (*types.BufferObject, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero sized buffer object", types.ErrInvalidArgument)
	}
	s.boMu.Lock()
	defer s.boMu.Unlock()
	if s.cfg.MemoryLimit > 0 && s.boBytes+uint64(size) > s.cfg.MemoryLimit {
		return nil, fmt.Errorf("%w: out of GPU memory (%d of %d bytes used)",
			types.ErrBusy, s.boBytes, s.cfg.MemoryLimit)
	}
	offset, ok := s.place(size)
	if !ok {
		return nil, fmt.Errorf("%w: no %d byte hole in the GPU address space", types.ErrBusy, size)
	}
	s.nextHandle++
	bo := &types.BufferObject{Handle: s.nextHandle, Offset: offset, Size: size}
	s.bos[bo.Handle] = &simBO{bo: bo, refs: 1}
	s.boBytes += uint64(size)
	return bo, nil
}

// place returns the lowest offset where size bytes fit between the live
// buffer objects in the 32-bit address space. Called with boMu held.
func (s *Sim) place(size uint32) (uint32, bool) {
	live := make([]*types.BufferObject, 0, len(s.bos))
	for _, b := range s.bos {
		live = append(live, b.bo)
	}
	slices.SortFunc(live, func(a, b *types.BufferObject) int { return cmp.Compare(a.Offset, b.Offset) })

	var cursor uint64
	for _, bo := range live {
		if uint64(bo.Offset)-cursor >= uint64(size) {
			return uint32(cursor), true
		}
		cursor = uint64(bo.Offset) + uint64(bo.Size)
	}
	if cursor+uint64(size) > math.MaxUint32+1 {
		return 0, false
	}
	return uint32(cursor), true
}

// Lookup takes a reference on every handle, or on none of them.
func (s *Sim) Lookup(handles []uint32) ([]*types.BufferObject, error) {
	s.boMu.Lock()
	defer s.boMu.Unlock()
	out := make([]*types.BufferObject, 0, len(handles))
	for _, h := range handles {
		b, ok := s.bos[h]
		if !ok {
			return nil, fmt.Errorf("%w: %d", types.ErrInvalidHandle, h)
		}
		out = append(out, b.bo)
	}
	for _, bo := range out {
		s.bos[bo.Handle].refs++
	}
	return out, nil
}

// Release drops one reference per buffer object.
func (s *Sim) Release(bos []*types.BufferObject) {
	s.boMu.Lock()
	defer s.boMu.Unlock()
	for _, bo := range bos {
		b, ok := s.bos[bo.Handle]
		if !ok {
			panic(fmt.Sprintf("hardware: release of unknown buffer object %d", bo.Handle))
		}
		b.refs--
		if b.refs == 0 {
			delete(s.bos, bo.Handle)
			s.boBytes -= uint64(bo.Size)
		}
	}
}
