package navigator

import (
	"context"

	"github.com/JakeFAU/egazette-harvester/internal/portal"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
)

// Strategy is one way of changing page. Attempt reports whether the live page
// is target afterwards.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, target int) (bool, error)
}

// DefaultStrategies returns js-dispatch, pointer, activate, then postback.
func DefaultStrategies(pager Pager, cfg Config) []Strategy {
	return []Strategy{
		&ClickStrategy{Pager: pager, Method: portal.ClickDispatch, Checks: cfg.ClickChecks},
		&ClickStrategy{Pager: pager, Method: portal.ClickPointer, Checks: cfg.ClickChecks},
		&ClickStrategy{Pager: pager, Method: portal.ClickActivate, Checks: cfg.ClickChecks},
		&PostbackStrategy{Pager: pager, Checks: cfg.PostbackChecks},
	}
}

// ClickStrategy clicks the pager link using one method.
type ClickStrategy struct {
	Pager  Pager
	Method string
	Checks retry.Schedule
}

// Name implements Strategy.
func (s *ClickStrategy) Name() string { return s.Method }

// Attempt implements Strategy.
func (s *ClickStrategy) Attempt(ctx context.Context, target int) (bool, error) {
	found, err := s.Pager.ClickPager(ctx, target, s.Method)
	if err != nil || !found {
		return false, err
	}
	return verify(ctx, s.Pager, s.Checks, target)
}

// PostbackStrategy drives the form postback directly.
type PostbackStrategy struct {
	Pager  Pager
	Checks retry.Schedule
}

// Name implements Strategy.
func (s *PostbackStrategy) Name() string { return "postback" }

// Attempt implements Strategy.
func (s *PostbackStrategy) Attempt(ctx context.Context, target int) (bool, error) {
	submitted, err := s.Pager.Postback(ctx, target)
	if err != nil || !submitted {
		return false, err
	}
	return verify(ctx, s.Pager, s.Checks, target)
}

// verify polls the live page. Read errors while the document is being
// replaced count as "not yet".
func verify(ctx context.Context, pager Pager, checks retry.Schedule, target int) (bool, error) {
	return checks.Poll(ctx, func(ctx context.Context) (bool, error) {
		ok, err := pager.OnPage(ctx, target)
		if err != nil {
			return false, ctx.Err()
		}
		return ok, nil
	})
}
