package replica

import (
	"sort"
	"sync"

	"github.com/mooncake-project/mooncake-go/alloc"
	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/cmn/nlog"
	"github.com/mooncake-project/mooncake-go/metrics"
)

const maxPlacementRetries = 30 // spec.md §4.3 "bounded number (e.g. 30)"

// segmentEntry is one registered (segment, buffer-range) allocator slot.
// bufferIndex is its position in allocators, matching the register_buffer
// contract's returned index; nil after Unregister.
type segmentEntry struct {
	allocators []*alloc.Allocator
}

// object is one key's versioned replica metadata, serialized on a
// shared/exclusive lock per spec.md §4.3's "all operations are
// internally serialized on per-object metadata".
type object struct {
	mu sync.RWMutex

	key            string
	versions       map[int64]*VersionInfo
	flushedVersion int64
	nextVersion    int64
}

func newObject(key string) *object {
	// Versions start at 1, so a successfully created version is always > 0.
	return &object{key: key, versions: make(map[int64]*VersionInfo), nextVersion: 1}
}

// Allocator is the replica allocator of spec.md §4.3: per-object
// versioned metadata above a registry of per-(segment,range) buffer
// allocators.
type Allocator struct {
	shardSize uint64

	segMu         sync.RWMutex
	segments      map[int64]*segmentEntry
	segmentOrder  []int64 // stable iteration order for first-fit scans

	objMu   sync.Mutex // guards creation/lookup of entries in objects only
	objects map[string]*object
}

// New builds an allocator that shards objects at shardSize bytes
// (spec.md §4.3 invariant 2-3).
func New(shardSize uint64) *Allocator {
	return &Allocator{
		shardSize: shardSize,
		segments:  make(map[int64]*segmentEntry),
		objects:   make(map[string]*object),
	}
}

func (a *Allocator) getObject(key string) *object {
	a.objMu.Lock()
	defer a.objMu.Unlock()
	o, ok := a.objects[key]
	if !ok {
		o = newObject(key)
		a.objects[key] = o
	}
	return o
}

// RegisterBuffer creates a new buffer allocator for [base, base+length)
// under segmentID (an id already translated to the replica allocator's
// id space by the caller — see spec.md §9 "two variants of segment id")
// and returns its buffer_index within that segment.
func (a *Allocator) RegisterBuffer(segmentID int64, base, length uint64) (int, error) {
	a.segMu.Lock()
	defer a.segMu.Unlock()
	e, ok := a.segments[segmentID]
	if !ok {
		e = &segmentEntry{}
		a.segments[segmentID] = e
		a.segmentOrder = append(a.segmentOrder, segmentID)
		sort.Slice(a.segmentOrder, func(i, j int) bool { return a.segmentOrder[i] < a.segmentOrder[j] })
	}
	idx := len(e.allocators)
	e.allocators = append(e.allocators, alloc.New(base, length))
	nlog.Infoln("replica: registered buffer", segmentID, idx, "range", base, length)
	return idx, nil
}

// Unregister marks every outstanding handle from (segmentID,
// bufferIndex) Unregistered, removes that allocator from service, and
// returns the affected handles so the caller can feed them to Recovery.
func (a *Allocator) Unregister(segmentID int64, bufferIndex int) ([]*BufHandle, error) {
	a.segMu.Lock()
	e, ok := a.segments[segmentID]
	if !ok || bufferIndex < 0 || bufferIndex >= len(e.allocators) || e.allocators[bufferIndex] == nil {
		a.segMu.Unlock()
		return nil, errs.NewInvalidArgument("unknown (segment=%d, buffer=%d)", segmentID, bufferIndex)
	}
	underlying := e.allocators[bufferIndex]
	e.allocators[bufferIndex] = nil
	a.segMu.Unlock()

	freed := underlying.Unregister()

	// The underlying alloc.Handle doesn't carry the ShardMeta/BufHandle
	// wrapper; recover the wrapping BufHandle for each by scanning live
	// replicas. This mirrors the allocator's own weak-reference sweep
	// (spec.md §3): the object store is the strong owner of BufHandles,
	// so the allocator must ask it back for the ones it just orphaned.
	byID := make(map[uint64]bool, len(freed))
	for _, h := range freed {
		byID[h.ID] = true
	}

	var out []*BufHandle
	a.objMu.Lock()
	objs := make([]*object, 0, len(a.objects))
	for _, o := range a.objects {
		objs = append(objs, o)
	}
	a.objMu.Unlock()

	for _, o := range objs {
		o.mu.RLock()
		for _, v := range o.versions {
			for _, r := range v.Replicas {
				for _, h := range r.Handles {
					if h != nil && byID[h.ID] {
						out = append(out, h)
					}
				}
			}
		}
		o.mu.RUnlock()
	}
	return out, nil
}

// candidateSegments lists segment ids holding at least one live
// allocator with room for size bytes, in stable registration order.
func (a *Allocator) candidateSegments(size uint64) []int64 {
	a.segMu.RLock()
	defer a.segMu.RUnlock()
	var out []int64
	for _, id := range a.segmentOrder {
		e := a.segments[id]
		for _, al := range e.allocators {
			if al != nil && al.Remaining() >= size {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// allocateShard allocates size bytes tagged with meta. segmentID == -1
// scans every live allocator in registration order and returns on the
// first success (spec.md §9 open question: "first-fit in iteration
// order"); otherwise only allocators under that segment are tried.
func (a *Allocator) allocateShard(segmentID int64, size uint64, meta ShardMeta) (*BufHandle, error) {
	a.segMu.RLock()
	defer a.segMu.RUnlock()

	try := func(id int64) (*BufHandle, error) {
		e, ok := a.segments[id]
		if !ok {
			return nil, errs.NewBufferOverflow("segment %d not registered", id)
		}
		for bi, al := range e.allocators {
			if al == nil {
				continue
			}
			h, err := al.Allocate(size)
			if err != nil {
				continue
			}
			return &BufHandle{Meta: meta, SegmentID: id, BufferIndex: bi, Handle: h}, nil
		}
		return nil, errs.NewBufferOverflow("no allocator on segment %d has %d bytes free", id, size)
	}

	if segmentID != -1 {
		return try(segmentID)
	}
	for _, id := range a.segmentOrder {
		if h, err := try(id); err == nil {
			return h, nil
		}
	}
	return nil, errs.NewBufferOverflow("no allocator across %d segments has %d bytes free", len(a.segmentOrder), size)
}

// AddOneReplica creates a new replica for key (spec.md §4.3). If version
// is nil, a fresh monotonic version is allocated sized by objectSize;
// otherwise the existing version's shard geometry is reused and
// objectSize must be nil. Besides the version, it also returns the new
// replica's id: spec.md's add_one_replica contract names only the
// version, but the caller (the object store) must know which replica
// to address for its subsequent writes and status updates, so this
// implementation widens the return value rather than making the caller
// re-derive it under a second lock acquisition.
func (a *Allocator) AddOneReplica(key string, version *int64, objectSize *uint64, strategy Strategy) (int64, int64, error) {
	o := a.getObject(key)
	o.mu.Lock()
	defer o.mu.Unlock()

	var v int64
	var vi *VersionInfo
	if version == nil {
		if objectSize == nil {
			return 0, 0, errs.NewInvalidArgument("add_one_replica: object_size required for a new version")
		}
		v = o.nextVersion
		o.nextVersion++
		vi = newVersionInfo(*objectSize, a.shardSize)
		o.versions[v] = vi
	} else {
		if objectSize != nil {
			return 0, 0, errs.NewInvalidArgument("add_one_replica: object_size must be unset when version is given")
		}
		v = *version
		var ok bool
		vi, ok = o.versions[v]
		if !ok {
			return 0, 0, errs.NewInvalidVersion("key %s version %d", key, v)
		}
	}

	replicaID := vi.MaxReplicaID
	vi.MaxReplicaID++

	shardCount := vi.ShardCount()
	handles := make([]*BufHandle, shardCount)
	used := make(map[int64]bool, shardCount)
	failed := make(map[int64]bool)

	for i := 0; i < shardCount; i++ {
		meta := ShardMeta{Key: key, Version: v, ReplicaID: replicaID, ShardIndex: i}
		shardLen := vi.ShardLen(i)
		var h *BufHandle
		var lastErr error
		for attempt := 0; attempt < maxPlacementRetries; attempt++ {
			candidates := a.candidateSegments(shardLen)
			segID, err := strategy.SelectSegment(candidates, used, i, failed)
			if err != nil {
				lastErr = err
				break
			}
			h, lastErr = a.allocateShard(segID, shardLen, meta)
			if lastErr == nil {
				break
			}
			failed[segID] = true
		}
		if h == nil {
			a.freeHandles(handles[:i])
			if version == nil {
				delete(o.versions, v)
			}
			if lastErr == nil {
				lastErr = errs.NewAvailableSegmentEmpty("key %s shard %d: no placement found after %d attempts", key, i, maxPlacementRetries)
			}
			return 0, 0, lastErr
		}
		used[h.SegmentID] = true
		handles[i] = h
	}

	vi.Replicas[replicaID] = &ReplicaInfo{ReplicaID: replicaID, Handles: handles, Status: Initialized}
	metrics.ReplicaStatusTransitions.WithLabelValues(Initialized.String()).Inc()
	return v, replicaID, nil
}

func (a *Allocator) freeHandles(hs []*BufHandle) {
	for _, h := range hs {
		if h != nil {
			h.Free()
		}
	}
}

// GetOneReplica assembles a replica for key at the latest flushed
// version >= minVersion, handle by handle via strategy.SelectHandle
// (spec.md §4.3).
func (a *Allocator) GetOneReplica(key string, minVersion int64, strategy Strategy) (int64, []*BufHandle, error) {
	o := a.getObject(key)
	o.mu.RLock()
	defer o.mu.RUnlock()

	v := o.flushedVersion
	if len(o.versions) == 0 || v < minVersion {
		return 0, nil, errs.NewInvalidVersion("key %s: no flushed version >= %d", key, minVersion)
	}
	vi, ok := o.versions[v]
	if !ok || len(vi.CompleteReplicas) == 0 {
		return 0, nil, errs.NewInvalidVersion("key %s: version %d has no complete replica", key, v)
	}

	shardCount := vi.ShardCount()
	out := make([]*BufHandle, shardCount)
	for i := 0; i < shardCount; i++ {
		var candidates []*BufHandle
		for _, r := range vi.Replicas {
			if r.Status == Removed || r.Status == Failed {
				continue
			}
			if i < len(r.Handles) {
				candidates = append(candidates, r.Handles[i])
			}
		}
		h, err := strategy.SelectHandle(candidates, nil)
		if err != nil {
			return 0, nil, errs.NewInvalidVersion("key %s version %d shard %d: %v", key, v, i, err)
		}
		out[i] = h
	}
	return v, out, nil
}

// ReassignReplica re-allocates a fresh same-size handle for every Failed
// shard of (key, version, replicaID), keeping the rest (spec.md §4.3).
func (a *Allocator) ReassignReplica(key string, version, replicaID int64, strategy Strategy) (*ReplicaInfo, error) {
	o := a.getObject(key)
	o.mu.Lock()
	defer o.mu.Unlock()

	vi, ok := o.versions[version]
	if !ok {
		return nil, errs.NewInvalidVersion("key %s version %d", key, version)
	}
	r, ok := vi.Replicas[replicaID]
	if !ok {
		return nil, errs.NewInvalidReplica("key %s version %d replica %d", key, version, replicaID)
	}

	for i, h := range r.Handles {
		if h == nil || h.Status() != alloc.Failed {
			continue
		}
		meta := ShardMeta{Key: key, Version: version, ReplicaID: replicaID, ShardIndex: i}
		shardLen := vi.ShardLen(i)
		failed := map[int64]bool{h.SegmentID: true}
		var nh *BufHandle
		var lastErr error
		for attempt := 0; attempt < maxPlacementRetries; attempt++ {
			candidates := a.candidateSegments(shardLen)
			segID, err := strategy.SelectSegment(candidates, nil, i, failed)
			if err != nil {
				lastErr = err
				break
			}
			nh, lastErr = a.allocateShard(segID, shardLen, meta)
			if lastErr == nil {
				break
			}
			failed[segID] = true
		}
		if nh == nil {
			if lastErr == nil {
				lastErr = errs.NewAvailableSegmentEmpty("key %s shard %d reassignment", key, i)
			}
			return nil, lastErr
		}
		r.Handles[i] = nh
	}
	return r, nil
}

// RemoveOneReplica removes one replica at version (or the flushed
// version if version is nil), freeing its shard handles, and returns
// the version and replica id it removed (spec.md §4.3; the replica id
// return value is an implementation widening for the same reason
// AddOneReplica's is — callers need it to report which replica went).
func (a *Allocator) RemoveOneReplica(key string, version *int64) (int64, int64, error) {
	o := a.getObject(key)
	o.mu.Lock()
	defer o.mu.Unlock()

	v := o.flushedVersion
	if version != nil {
		v = *version
	}
	vi, ok := o.versions[v]
	if !ok || len(vi.Replicas) == 0 {
		return v, 0, errs.NewInvalidVersion("key %s version %d has no replicas", key, v)
	}

	var ids []int64
	for id := range vi.Replicas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	target := ids[0]
	r := vi.Replicas[target]
	for _, h := range r.Handles {
		if h != nil {
			h.Free()
		}
	}
	delete(vi.Replicas, target)
	delete(vi.CompleteReplicas, target)
	metrics.ReplicaStatusTransitions.WithLabelValues(Removed.String()).Inc()
	return v, target, nil
}

// Recovery re-allocates a same-size handle (never on the old handle's
// segment) for each input handle and splices it into the replica/shard
// slot its ShardMeta names (spec.md §4.3). Returns the count recovered.
func (a *Allocator) Recovery(handles []*BufHandle, strategy Strategy) (int, error) {
	count := 0
	for _, h := range handles {
		if h == nil {
			continue
		}
		o := a.getObject(h.Meta.Key)
		o.mu.Lock()
		vi, ok := o.versions[h.Meta.Version]
		if !ok {
			o.mu.Unlock()
			continue
		}
		r, ok := vi.Replicas[h.Meta.ReplicaID]
		if !ok || h.Meta.ShardIndex >= len(r.Handles) {
			o.mu.Unlock()
			continue
		}
		size := h.Size
		failed := map[int64]bool{h.SegmentID: true}
		var nh *BufHandle
		var lastErr error
		for attempt := 0; attempt < maxPlacementRetries; attempt++ {
			candidates := a.candidateSegments(size)
			segID, err := strategy.SelectSegment(candidates, nil, h.Meta.ShardIndex, failed)
			if err != nil {
				lastErr = err
				break
			}
			nh, lastErr = a.allocateShard(segID, size, h.Meta)
			if lastErr == nil {
				break
			}
			failed[segID] = true
		}
		if nh != nil {
			r.Handles[h.Meta.ShardIndex] = nh
			r.Status = Partial
			count++
		} else {
			r.Handles[h.Meta.ShardIndex] = nil
			r.Status = Failed
			nlog.Warningln("replica: recovery failed for", h.Meta, ":", lastErr)
		}
		o.mu.Unlock()
	}
	return count, nil
}

// CheckAll scans every replica's shards; any shard not Complete or Init
// is fed to Recovery, and any replica whose shards are all Complete is
// transitioned to Complete with flushed_version advanced (spec.md §4.3).
func (a *Allocator) CheckAll(strategy Strategy) error {
	a.objMu.Lock()
	objs := make([]*object, 0, len(a.objects))
	for _, o := range a.objects {
		objs = append(objs, o)
	}
	a.objMu.Unlock()

	for _, o := range objs {
		var toRecover []*BufHandle
		o.mu.RLock()
		for _, vi := range o.versions {
			for _, r := range vi.Replicas {
				for _, h := range r.Handles {
					if h != nil && h.Status() != alloc.Complete && h.Status() != alloc.Init {
						toRecover = append(toRecover, h)
					}
				}
			}
		}
		o.mu.RUnlock()

		if len(toRecover) > 0 {
			if _, err := a.Recovery(toRecover, strategy); err != nil {
				return err
			}
		}

		o.mu.Lock()
		for v, vi := range o.versions {
			for rid, r := range vi.Replicas {
				allComplete := len(r.Handles) > 0
				for _, h := range r.Handles {
					if h == nil || h.Status() != alloc.Complete {
						allComplete = false
						break
					}
				}
				if allComplete && r.Status != Complete {
					r.Status = Complete
					vi.CompleteReplicas[rid] = struct{}{}
					if v > o.flushedVersion {
						o.flushedVersion = v
					}
					metrics.ReplicaStatusTransitions.WithLabelValues(Complete.String()).Inc()
				}
			}
		}
		o.mu.Unlock()
	}
	return nil
}

// UpdateStatus explicitly transitions (key, version, replicaID) to
// status, maintaining flushed_version and CompleteReplicas (spec.md
// §4.3).
func (a *Allocator) UpdateStatus(key string, status ReplicaStatus, version, replicaID int64) error {
	o := a.getObject(key)
	o.mu.Lock()
	defer o.mu.Unlock()

	vi, ok := o.versions[version]
	if !ok {
		return errs.NewInvalidVersion("key %s version %d", key, version)
	}
	r, ok := vi.Replicas[replicaID]
	if !ok {
		return errs.NewInvalidReplica("key %s version %d replica %d", key, version, replicaID)
	}
	r.Status = status
	if status == Complete {
		vi.CompleteReplicas[replicaID] = struct{}{}
		if version > o.flushedVersion {
			o.flushedVersion = version
		}
	} else {
		delete(vi.CompleteReplicas, replicaID)
	}
	metrics.ReplicaStatusTransitions.WithLabelValues(status.String()).Inc()
	return nil
}

// CleanIncompleteReplica removes replicas in status != Complete at
// version until at most maxReplicas complete+partial replicas remain,
// preferring to keep partials (which can be repaired) over discarding
// them outright (spec.md §4.3).
func (a *Allocator) CleanIncompleteReplica(key string, version int64, maxReplicas int) (int, error) {
	o := a.getObject(key)
	o.mu.Lock()
	defer o.mu.Unlock()

	vi, ok := o.versions[version]
	if !ok {
		return 0, errs.NewInvalidVersion("key %s version %d", key, version)
	}

	var ids []int64
	for id, r := range vi.Replicas {
		if r.Status != Complete {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := vi.Replicas[ids[i]], vi.Replicas[ids[j]]
		if ri.Status != rj.Status {
			return ri.Status == Failed // remove Failed before Partial
		}
		return ids[i] < ids[j]
	})

	live := func() int {
		n := 0
		for _, r := range vi.Replicas {
			if r.Status == Complete || r.Status == Partial {
				n++
			}
		}
		return n
	}

	removed := 0
	for _, id := range ids {
		if live() <= maxReplicas {
			break
		}
		r := vi.Replicas[id]
		for _, h := range r.Handles {
			if h != nil {
				h.Free()
			}
		}
		delete(vi.Replicas, id)
		delete(vi.CompleteReplicas, id)
		removed++
	}
	return removed, nil
}

// ReplicaHandles returns the shard handles of (key, version, replicaID),
// for callers (the object store's replicate path) that need to read an
// existing replica's placement directly rather than through
// GetOneReplica's handle-by-handle assembly.
func (a *Allocator) ReplicaHandles(key string, version, replicaID int64) ([]*BufHandle, error) {
	o := a.getObject(key)
	o.mu.RLock()
	defer o.mu.RUnlock()
	vi, ok := o.versions[version]
	if !ok {
		return nil, errs.NewInvalidVersion("key %s version %d", key, version)
	}
	r, ok := vi.Replicas[replicaID]
	if !ok {
		return nil, errs.NewInvalidReplica("key %s version %d replica %d", key, version, replicaID)
	}
	return r.Handles, nil
}

// CompleteReplicaIDs lists the replica ids currently Complete at
// (key, version), in ascending order.
func (a *Allocator) CompleteReplicaIDs(key string, version int64) ([]int64, error) {
	o := a.getObject(key)
	o.mu.RLock()
	defer o.mu.RUnlock()
	vi, ok := o.versions[version]
	if !ok {
		return nil, errs.NewInvalidVersion("key %s version %d", key, version)
	}
	ids := make([]int64, 0, len(vi.CompleteReplicas))
	for id := range vi.CompleteReplicas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ReplicaCount reports how many replicas currently exist at (key,
// version), regardless of status.
func (a *Allocator) ReplicaCount(key string, version int64) (int, error) {
	o := a.getObject(key)
	o.mu.RLock()
	defer o.mu.RUnlock()
	vi, ok := o.versions[version]
	if !ok {
		return 0, errs.NewInvalidVersion("key %s version %d", key, version)
	}
	return len(vi.Replicas), nil
}

// Versions lists every version with metadata for key, ascending.
func (a *Allocator) Versions(key string) []int64 {
	o := a.getObject(key)
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]int64, 0, len(o.versions))
	for v := range o.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ObjectSize reports the object size fixed at (key, version)'s creation
// (spec.md §4.3 invariant 2).
func (a *Allocator) ObjectSize(key string, version int64) (uint64, error) {
	o := a.getObject(key)
	o.mu.RLock()
	defer o.mu.RUnlock()
	vi, ok := o.versions[version]
	if !ok {
		return 0, errs.NewInvalidVersion("key %s version %d", key, version)
	}
	return vi.ObjectSize, nil
}

// ReplicasByStatus lists replica ids at (key, version) in status,
// ascending.
func (a *Allocator) ReplicasByStatus(key string, version int64, status ReplicaStatus) ([]int64, error) {
	o := a.getObject(key)
	o.mu.RLock()
	defer o.mu.RUnlock()
	vi, ok := o.versions[version]
	if !ok {
		return nil, errs.NewInvalidVersion("key %s version %d", key, version)
	}
	var out []int64
	for id, r := range vi.Replicas {
		if r.Status == status {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
