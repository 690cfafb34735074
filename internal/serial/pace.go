package serial

import (
	"context"

	"golang.org/x/time/rate"
)

// minPaceBurst keeps a whole sentence inside one reservation at low baud rates.
const minPaceBurst = 256

// newPacer returns a limiter that admits BaudRate/10 bytes per second
// (8N1 framing: 10 line bits per byte). Nil when pacing is off.
func newPacer(cfg Config) *rate.Limiter {
	if !cfg.Pace || cfg.BaudRate <= 0 {
		return nil
	}
	bps := cfg.BaudRate / 10
	if bps <= 0 {
		bps = 1
	}
	burst := bps
	if burst < minPaceBurst {
		burst = minPaceBurst
	}
	return rate.NewLimiter(rate.Limit(bps), burst)
}

// pace blocks until n bytes may be sent. A ctx deadline that cannot be met is a write timeout.
func pace(ctx context.Context, lim *rate.Limiter, n int) error {
	if lim == nil {
		return nil
	}
	burst := lim.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return classify(ctxErrOr(ctx, err))
		}
		n -= chunk
	}
	return nil
}

// ctxErrOr prefers the context error so a limiter "would exceed deadline" reads as a timeout.
func ctxErrOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.DeadlineExceeded
	}
	return err
}
