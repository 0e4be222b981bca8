package device

import (
	"math/rand"
	"sync"
	"time"
)

// RandomSource 可替换的随机源，测试中可固定种子
type RandomSource interface {
	// Float64 返回 [0, 1) 区间的随机数
	Float64() float64
}

type lockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomSource 创建并发安全的随机源，seed 为0时按当前时间播种
func NewRandomSource(seed int64) RandomSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &lockedSource{rnd: rand.New(rand.NewSource(seed))}
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

// uniform 返回 [-r, r) 区间的均匀扰动
func uniform(src RandomSource, r float64) float64 {
	return (src.Float64()*2 - 1) * r
}
