package ratelimit

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/sync/errgroup"

	xrpc "github.com/eugener/xrpcd/internal"
)

// ConsumeAll charges the request against every limiter concurrently and
// aggregates the outcomes: any exceeded bucket wins, otherwise the one with
// the least remaining points. The returned error is the 429 when a bucket is
// overdrawn, or a store failure from a fail-closed limiter. A nil Status
// means every limiter skipped.
func ConsumeAll(ctx context.Context, r *http.Request, limiters []*Limiter) (*Status, error) {
	switch len(limiters) {
	case 0:
		return nil, nil
	case 1:
		return limiters[0].Consume(ctx, r)
	}

	statuses := make([]*Status, len(limiters))
	exceeded := make([]error, len(limiters))

	g, gctx := errgroup.WithContext(ctx)
	for i, l := range limiters {
		g.Go(func() error {
			s, err := l.Consume(gctx, r)
			statuses[i] = s
			if err != nil {
				if isExceeded(err) {
					exceeded[i] = err
					return nil
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Tightest(statuses, exceeded)
}

// Tightest picks the binding status from parallel limiter outcomes. Adding a
// limiter can only tighten the result, never relax it.
func Tightest(statuses []*Status, exceeded []error) (*Status, error) {
	var tightest *Status
	var tightestErr error
	for i, s := range statuses {
		if s == nil {
			continue
		}
		if exceeded != nil && exceeded[i] != nil {
			if tightestErr == nil || s.RemainingPoints < tightest.RemainingPoints {
				tightest, tightestErr = s, exceeded[i]
			}
			continue
		}
		if tightestErr != nil {
			continue
		}
		if tightest == nil || s.RemainingPoints < tightest.RemainingPoints {
			tightest = s
		}
	}
	return tightest, tightestErr
}

// ResetAll clears every limiter's bucket for the request.
func ResetAll(ctx context.Context, r *http.Request, limiters []*Limiter) error {
	for _, l := range limiters {
		if err := l.Reset(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func isExceeded(err error) bool {
	var xe *xrpc.Error
	return errors.As(err, &xe) && xe.Status == http.StatusTooManyRequests
}
