package transfers

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// Governor paces a transfer stream. Given the bytes moved so far, the
// elapsed time, and the size of the next chunk, it returns how long to
// sleep before sending it.
type Governor func(bytesSoFar uint64, elapsed time.Duration, chunk int) time.Duration

// NopGovernor never delays; the stream only yields cooperatively.
func NopGovernor() Governor {
	return func(uint64, time.Duration, int) time.Duration { return 0 }
}

// RateLimitGovernor caps throughput at byteRate bytes per second using
// a token bucket shared by every stream it paces.
func RateLimitGovernor(byteRate uint64) Governor {
	if byteRate == 0 {
		return NopGovernor()
	}
	burst := int(byteRate)
	if burst < chunkSize {
		burst = chunkSize
	}
	limiter := rate.NewLimiter(rate.Limit(byteRate), burst)
	return func(_ uint64, _ time.Duration, chunk int) time.Duration {
		r := limiter.ReserveN(time.Now(), chunk)
		if !r.OK() {
			return 0
		}
		return r.Delay()
	}
}

// chunkSize is the unit of governed streaming.
const chunkSize = 32 * 1024

// governedReader paces reads from an underlying stream and reports
// progress after each chunk.
type governedReader struct {
	ctx      context.Context
	r        io.Reader
	governor Governor
	start    time.Time
	total    uint64
	progress func(bytes uint64)
}

func newGovernedReader(ctx context.Context, r io.Reader, g Governor, progress func(uint64)) *governedReader {
	if g == nil {
		g = NopGovernor()
	}
	return &governedReader{ctx: ctx, r: r, governor: g, start: time.Now(), progress: progress}
}

func (g *governedReader) Read(p []byte) (int, error) {
	if err := g.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}

	if delay := g.governor(g.total, time.Since(g.start), len(p)); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-g.ctx.Done():
			timer.Stop()
			return 0, g.ctx.Err()
		case <-timer.C:
		}
	}

	n, err := g.r.Read(p)
	if n > 0 {
		g.total += uint64(n)
		if g.progress != nil {
			g.progress(g.total)
		}
	}
	return n, err
}
