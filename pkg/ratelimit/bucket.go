package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// Probe は1回の消費試行の結果を表す。
type Probe struct {
	// Allowed はトークンを消費できたかどうか。
	Allowed bool
	// Remaining は試行後に残っているトークン数（切り捨て）。
	Remaining int64
	// RetryAfter は消費に失敗した場合に次のトークンが補充されるまでの時間。
	// 成功時は0。
	RetryAfter time.Duration
	// ResetAfter は次の1トークンが補充されるまでの時間。満杯時は0。
	ResetAfter time.Duration
}

// RetryAfterSeconds はRetry-Afterヘッダー用に待ち時間を秒へ切り上げる。
func (p Probe) RetryAfterSeconds() int64 {
	return int64(math.Ceil(float64(p.RetryAfter) / float64(time.Second)))
}

// ResetAfterSeconds はX-Rate-Limit-Resetヘッダー用に補充までの時間を秒へ切り上げる。
func (p Probe) ResetAfterSeconds() int64 {
	return int64(math.Ceil(float64(p.ResetAfter) / float64(time.Second)))
}

// Bucket はトークンバケット。容量を上限として時間経過でトークンが補充され、
// リクエストごとに1トークンを消費する。
type Bucket struct {
	// mu は補充と消費を単一の原子的操作にするためのロック。
	mu sync.Mutex
	// capacity はバケットの最大トークン数。
	capacity float64
	// tokens は現在のトークン数。capacityを超えない。
	tokens float64
	// refillPerNano は1ナノ秒あたりの補充トークン数。
	refillPerNano float64
	// lastRefill は最後に補充計算を行った時刻。
	lastRefill time.Time
	// now は現在時刻の取得関数。テストで差し替えるためにフィールド化している。
	now func() time.Time
}

// NewBucket は満杯状態のバケットを生成する。
// refillRateはwindowあたりに補充するトークン数を表す。
// 不正なパラメータはエラーを返し、呼び出し側は起動を失敗させるべきである。
func NewBucket(capacity, refillRate int, window time.Duration) (*Bucket, error) {
	if capacity <= 0 {
		return nil, errors.New("バケット容量は正の値でなければなりません")
	}
	if refillRate <= 0 {
		return nil, errors.New("補充レートは正の値でなければなりません")
	}
	if window <= 0 {
		return nil, errors.New("補充ウィンドウは正の値でなければなりません")
	}

	b := &Bucket{
		capacity:      float64(capacity),
		tokens:        float64(capacity),
		refillPerNano: float64(refillRate) / float64(window.Nanoseconds()),
		now:           time.Now,
	}
	b.lastRefill = b.now()
	return b, nil
}

// Take は1トークンの消費を試みる。
// 補充計算と消費をロック下で一度に行うため、並行呼び出しで
// トークンが二重に消費されたり更新が失われたりすることはない。
func (b *Bucket) Take() Probe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())

	if b.tokens >= 1 {
		b.tokens--
		return Probe{Allowed: true, Remaining: int64(b.tokens), ResetAfter: b.resetAfterLocked()}
	}

	needed := 1 - b.tokens
	wait := time.Duration(math.Ceil(needed / b.refillPerNano))
	return Probe{Allowed: false, Remaining: 0, RetryAfter: wait, ResetAfter: wait}
}

// resetAfterLocked は次の1トークンが補充されるまでの時間を返す。
// ロック保持中に呼ぶこと。
func (b *Bucket) resetAfterLocked() time.Duration {
	if b.tokens >= b.capacity {
		return 0
	}
	fraction := b.tokens - math.Floor(b.tokens)
	return time.Duration(math.Ceil((1 - fraction) / b.refillPerNano))
}

// refillLocked は経過時間ぶんのトークンを遅延補充する。ロック保持中に呼ぶこと。
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+float64(elapsed.Nanoseconds())*b.refillPerNano)
	b.lastRefill = now
}
