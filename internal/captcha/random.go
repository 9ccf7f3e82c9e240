package captcha

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
)

// RandomSource yields uniform integers in [0, n)
type RandomSource interface {
	Intn(n int) int
}

// lockedSource is a math/rand source safe for concurrent requests
type lockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomSource creates a deterministic source from seed
func NewRandomSource(seed int64) RandomSource {
	return &lockedSource{rnd: rand.New(rand.NewSource(seed))}
}

// NewSecureSeededSource creates a source seeded from crypto/rand
func NewSecureSeededSource() RandomSource {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic("captcha: unable to seed random source: " + err.Error())
	}
	return NewRandomSource(int64(binary.LittleEndian.Uint64(buf[:])))
}

// Intn returns a uniform integer in [0, n)
func (s *lockedSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Intn(n)
}

// between returns a uniform integer in [lo, hi]
func between(rnd RandomSource, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rnd.Intn(hi-lo+1)
}

// permutation returns a Fisher-Yates shuffle of 0..n-1
func permutation(rnd RandomSource, n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := rnd.Intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}
