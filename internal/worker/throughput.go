package worker

import "time"

// minElapsed floors the divisor so the second token cannot report an unbounded rate.
const minElapsed = time.Millisecond

// throughput counts streamed tokens for one job.
type throughput struct {
	clock  func() time.Time
	start  time.Time
	tokens int
}

func newThroughput(clock func() time.Time) *throughput {
	return &throughput{clock: clock}
}

// observe records one token and returns the running count and rate. The rate
// is nil until a second token has been seen.
func (t *throughput) observe() (int, *float64) {
	now := t.clock()
	if t.tokens == 0 {
		t.start = now
	}
	t.tokens++
	if t.tokens < 2 {
		return t.tokens, nil
	}
	elapsed := now.Sub(t.start)
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	tps := float64(t.tokens) / elapsed.Seconds()
	return t.tokens, &tps
}
