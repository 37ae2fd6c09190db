// Package metadata implements the metadata client (spec.md §4.1): segment
// descriptor publication/lookup against an external KV, lazy integer id
// assignment, and the TCP peer-to-peer handshake used by the RDMA
// transport to exchange QP numbers.
package metadata

// Device is an immutable per-NIC descriptor. Its position in a Segment's
// Devices slice is its device index, referenced by BufferDesc rkey/lkey
// arrays and by PriorityEntry device-name lists.
type Device struct {
	Name string `json:"name"`
	LID  uint16 `json:"lid"`
	GID  string `json:"gid"` // 16 bytes, hex-colon encoded, e.g. "00:01:...:0f"
}

// BufferDesc is one registered memory region inside a segment.
type BufferDesc struct {
	Name   string   `json:"name"` // location tag, e.g. "cpu:0"
	Addr   uint64   `json:"addr"`
	Length uint64   `json:"length"`
	RKey   []uint32 `json:"rkey"` // indexed by device index
	LKey   []uint32 `json:"lkey"`
}

// End returns the exclusive end address of the buffer's range.
func (b *BufferDesc) End() uint64 { return b.Addr + b.Length }

// Contains reports whether [addr, addr+length) lies fully within b.
func (b *BufferDesc) Contains(addr, length uint64) bool {
	return addr >= b.Addr && addr+length <= b.End()
}

// NVMeOFBufferDesc mirrors the wire shape for the out-of-scope NVMe-oF
// transport (spec.md §6); carried only so segment JSON round-trips even
// when a peer segment was published with one.
type NVMeOFBufferDesc struct {
	FilePath      string            `json:"file_path"`
	Length        uint64            `json:"length"`
	LocalPathMap  map[string]string `json:"local_path_map"`
}

// PriorityEntry is one location tag's ordered device preference:
// preferred devices first, fallback devices second.
type PriorityEntry struct {
	Preferred []string
	Fallback  []string
}

// MarshalJSON encodes a PriorityEntry as the two-element array spec.md §6
// names: [[preferred...], [fallback...]].
func (p PriorityEntry) MarshalJSON() ([]byte, error) {
	pref, fb := p.Preferred, p.Fallback
	if pref == nil {
		pref = []string{}
	}
	if fb == nil {
		fb = []string{}
	}
	return json.Marshal([2][]string{pref, fb})
}

func (p *PriorityEntry) UnmarshalJSON(data []byte) error {
	var pair [2][]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	p.Preferred, p.Fallback = pair[0], pair[1]
	return nil
}

// Segment is a named, externally-advertised container of remotely
// accessible memory on one node.
type Segment struct {
	Name            string                    `json:"name"`
	Protocol        string                    `json:"protocol"` // "rdma" | "nvmeof"
	Devices         []Device                  `json:"devices"`
	PriorityMatrix  map[string]PriorityEntry  `json:"priority_matrix"`
	Buffers         []BufferDesc              `json:"buffers"`
	NVMeOFBuffers   []NVMeOFBufferDesc        `json:"nvmeof_buffers,omitempty"`
}

// DeviceIndex returns the index of a named device, or -1.
func (s *Segment) DeviceIndex(name string) int {
	for i := range s.Devices {
		if s.Devices[i].Name == name {
			return i
		}
	}
	return -1
}

// FindBuffer returns the buffer descriptor covering [addr, addr+length),
// or nil.
func (s *Segment) FindBuffer(addr, length uint64) *BufferDesc {
	for i := range s.Buffers {
		if s.Buffers[i].Contains(addr, length) {
			return &s.Buffers[i]
		}
	}
	return nil
}

// Clone deep-copies a Segment so callers can mutate the result without
// racing the cache.
func (s *Segment) Clone() *Segment {
	out := *s
	out.Devices = append([]Device(nil), s.Devices...)
	out.Buffers = append([]BufferDesc(nil), s.Buffers...)
	out.NVMeOFBuffers = append([]NVMeOFBufferDesc(nil), s.NVMeOFBuffers...)
	out.PriorityMatrix = make(map[string]PriorityEntry, len(s.PriorityMatrix))
	for k, v := range s.PriorityMatrix {
		out.PriorityMatrix[k] = v
	}
	return &out
}
