package sync

import (
	"encoding/binary"
	"strconv"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/spaolacci/murmur3"
)

// ring is a consistent hash ring over stripe indices. Each stripe owns
// replicas points on the ring, keyed by the murmur3 hash of its name.
type ring struct {
	points *treemap.Map

	// first is the stripe at the lowest point, where keys hashing past the
	// last point wrap around to.
	first int
}

func newRing(names []string, replicas uint) *ring {
	points := treemap.NewWith(utils.Int64Comparator)

	var buf [12]byte
	for stripe, name := range names {
		nameHash, _ := murmur3.Sum128([]byte(name))
		binary.LittleEndian.PutUint64(buf[:8], nameHash)

		for i := uint32(0); i < uint32(replicas); i++ {
			binary.LittleEndian.PutUint32(buf[8:], i)
			point, _ := murmur3.Sum128(buf[:])
			points.Put(int64(point), stripe)
		}
	}

	r := &ring{points: points}
	if _, first := points.Min(); first != nil {
		r.first = first.(int)
	}
	return r
}

// stripeNames returns n distinct stripe names with the given prefix.
func stripeNames(prefix string, n uint) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = prefix + strconv.Itoa(i)
	}
	return names
}

// shard returns the stripe owning key.
func (r *ring) shard(key []byte) int {
	hash, _ := murmur3.Sum128(key)
	if _, stripe := r.points.Ceiling(int64(hash)); stripe != nil {
		return stripe.(int)
	}
	return r.first
}
