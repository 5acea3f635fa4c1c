package bucketing

import (
	"hash"
	"sync"
	"time"

	"volunteer-auth-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads volunteer partitions across a fixed number of
// buckets so a hot district does not land on one Scylla partition.
type BucketingManager struct {
	volunteerBuckets int
	hasherPool       sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return NewWithBuckets(cfg.Bucketing.VolunteerBuckets)
}

func NewWithBuckets(n int) *BucketingManager {
	if n <= 0 {
		n = 1
	}
	bm := &BucketingManager{volunteerBuckets: n}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetVolunteerBucket returns a stable bucket in [0, buckets) for the id.
func (bm *BucketingManager) GetVolunteerBucket(volunteerID string) int {
	return int(bm.getHash(volunteerID) % uint64(bm.volunteerBuckets))
}

// GetDateBucket returns the UTC day used to partition audit rows.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) VolunteerBuckets() int {
	return bm.volunteerBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
