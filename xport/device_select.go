package xport

import (
	"math/rand"

	"github.com/mooncake-project/mooncake-go/cmn/errs"
	"github.com/mooncake-project/mooncake-go/metadata"
)

// SelectDevice implements spec.md §4.5.5's device selection over a
// segment's priority matrix for the buffer covering [addr, addr+length).
// retryCount==0 is the first attempt: uniformly random over preferred
// (or fallback if no preferred device exists); subsequent attempts are
// deterministic round-robin over preferred++fallback, per spec.md §9's
// "cleaner restatement".
func SelectDevice(seg *metadata.Segment, addr, length uint64, retryCount int, rng *rand.Rand) (bufIdx, deviceIdx int, err error) {
	bufIdx = -1
	for i := range seg.Buffers {
		if seg.Buffers[i].Contains(addr, length) {
			bufIdx = i
			break
		}
	}
	if bufIdx == -1 {
		return -1, -1, errs.NewAddressNotRegistered("addr=%#x length=%d on segment %s", addr, length, seg.Name)
	}
	loc := seg.Buffers[bufIdx].Name
	entry := seg.PriorityMatrix[loc]

	all := make([]string, 0, len(entry.Preferred)+len(entry.Fallback))
	all = append(all, entry.Preferred...)
	all = append(all, entry.Fallback...)
	if len(all) == 0 {
		return -1, -1, errs.NewDeviceNotFound("location %s has no devices in priority matrix", loc)
	}

	var deviceName string
	if retryCount == 0 {
		if len(entry.Preferred) > 0 {
			deviceName = entry.Preferred[rng.Intn(len(entry.Preferred))]
		} else {
			deviceName = entry.Fallback[rng.Intn(len(entry.Fallback))]
		}
	} else {
		deviceName = all[retryCount%len(all)]
	}

	deviceIdx = seg.DeviceIndex(deviceName)
	if deviceIdx == -1 {
		return -1, -1, errs.NewDeviceNotFound("device %s not present on segment %s", deviceName, seg.Name)
	}
	return bufIdx, deviceIdx, nil
}
