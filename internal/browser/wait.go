package browser

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

func (b *Browser) requestTimeout() time.Duration {
	if b.cfg.RequestTimeout > 0 {
		return b.cfg.RequestTimeout
	}
	return defaultRequestTimeout
}

// waitForSettle polls until the page has had no pending requests or short timers for
// the quiet period, giving up after the request timeout.
func (b *Browser) waitForSettle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, b.requestTimeout())
	defer cancel()

	ticker := time.NewTicker(b.syncPoll)
	defer ticker.Stop()

	lastActivity := time.Now()
	for {
		pending, err := b.driver.Pending(ctx)
		// A page in the middle of navigating cannot answer, which counts as activity.
		if err != nil || pending > 0 {
			lastActivity = time.Now()
		} else if time.Since(lastActivity) >= b.syncQuiet {
			return
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				b.logger.Debug("Page did not settle before the request timeout.", zap.Int("pending", pending), zap.Error(err))
			}
			return
		case <-ticker.C:
		}
	}
}

// waitForElements blocks until every configured selector whose pattern matches
// rawURL is present, bounded by the request timeout.
func (b *Browser) waitForElements(ctx context.Context, rawURL string) {
	for _, rule := range b.waitRules {
		if !rule.pattern.MatchString(rawURL) {
			continue
		}
		if !b.waitForSelector(ctx, rule.selector) {
			b.logger.Debug("Timed out waiting for element.", zap.String("url", rawURL), zap.String("selector", rule.selector))
		}
	}
}

func (b *Browser) waitForSelector(ctx context.Context, selector string) bool {
	ctx, cancel := context.WithTimeout(ctx, b.requestTimeout())
	defer cancel()

	ticker := time.NewTicker(b.syncPoll)
	defer ticker.Stop()
	for {
		if ok, err := b.driver.Exists(ctx, selector); err == nil && ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
