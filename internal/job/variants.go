package job

import (
	"sync"

	"github.com/ALEYI17/gpusched/pkg/types"
)

// BinArgs describes a binning control list and its tile state.
type BinArgs struct {
	Start, End uint32
	// Tile memory allocation start, size and tile state address.
	QMA, QMS, QTS uint32
}

type Bin struct {
	Base
	Args BinArgs

	mu     sync.Mutex
	render *Render
}

func NewBin(owner Owner, bos []*types.BufferObject, rel Releaser, args BinArgs) *Bin {
	j := &Bin{Args: args}
	j.init(types.QueueBin, owner, bos, rel)
	return j
}

func (j *Bin) Kind() string { return "bin" }

func (j *Bin) Progress(ca, ra uint32) bool {
	return j.recordProgress(ca, ra)
}

// Render returns the paired render job with a reference taken, or nil.
func (j *Bin) Render() *Render {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.render == nil || !j.render.TryGet() {
		return nil
	}
	return j.render
}

func (j *Bin) setRender(r *Render) {
	j.mu.Lock()
	j.render = r
	j.mu.Unlock()
}

// RenderArgs describes a rendering control list.
type RenderArgs struct {
	Start, End uint32
}

type Render struct {
	Base
	Args RenderArgs

	bin *Bin

	mu sync.Mutex
	// overflow buffers handed to the binner while this job's bin ran.
	unref []*types.BufferObject
}

// NewRender creates a render job. When bin is non-nil the render job holds
// a reference on it until freed.
func NewRender(owner Owner, bos []*types.BufferObject, rel Releaser, args RenderArgs, bin *Bin) *Render {
	j := &Render{Args: args}
	j.init(types.QueueRender, owner, bos, rel)
	if bin != nil {
		bin.Get()
		j.bin = bin
		bin.setRender(j)
	}
	j.free = j.release
	return j
}

func (j *Render) Kind() string { return "render" }

func (j *Render) Progress(ca, ra uint32) bool {
	return j.recordProgress(ca, ra)
}

func (j *Render) Bin() *Bin { return j.bin }

// AddOverflow queues bo for release when the render job is freed.
func (j *Render) AddOverflow(bo *types.BufferObject) {
	j.mu.Lock()
	j.unref = append(j.unref, bo)
	j.mu.Unlock()
}

func (j *Render) Overflow() []*types.BufferObject {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*types.BufferObject(nil), j.unref...)
}

func (j *Render) release() {
	j.mu.Lock()
	unref := j.unref
	j.unref = nil
	j.mu.Unlock()
	if len(unref) > 0 && j.releaser != nil {
		j.releaser.Release(unref)
	}

	if j.bin != nil {
		j.bin.setRender(nil)
		j.bin.Put()
		j.bin = nil
	}
}

// TFUArgs are the texture formatting unit input/output descriptors.
type TFUArgs struct {
	IIA, IIS, ICA, IUA uint32
	IOA, IOS           uint32
	Coef               [4]uint32
}

type TFU struct {
	Base
	Args TFUArgs
}

func NewTFU(owner Owner, bos []*types.BufferObject, rel Releaser, args TFUArgs) *TFU {
	j := &TFU{Args: args}
	j.init(types.QueueTFU, owner, bos, rel)
	return j
}

func (j *TFU) Kind() string { return "tfu" }

// CSDArgs holds the compute dispatch configuration words.
type CSDArgs struct {
	Cfg  [7]uint32
	Coef [4]uint32
}

type CSD struct {
	Base
	Args CSDArgs
}

func NewCSD(owner Owner, bos []*types.BufferObject, rel Releaser, args CSDArgs) *CSD {
	j := &CSD{Args: args}
	j.init(types.QueueCSD, owner, bos, rel)
	return j
}

func (j *CSD) Kind() string { return "csd" }

// Progress takes the remaining batch count in ca. Fewer batches left than
// at the last tick means the dispatch is still moving.
// The first tick has nothing to compare against and counts as progress.
func (j *CSD) Progress(ca, ra uint32) bool {
	prev := j.Diagnostics()
	j.recordProgress(ca, ra)
	return !prev.Captured || ca < prev.CA
}

// CacheClean flushes the caches after a compute dispatch. It runs
// synchronously on the cache-clean queue.
type CacheClean struct {
	Base
}

func NewCacheClean(owner Owner) *CacheClean {
	j := &CacheClean{}
	j.init(types.QueueCacheClean, owner, nil, nil)
	return j
}

func (j *CacheClean) Kind() string { return "cache_clean" }
