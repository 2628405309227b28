package sheetsync

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// RunIncrementalSyncQuotaSafe retries a pass that hit the remote quota, at most
// MaxQuotaAttempts times in total, doubling the wait up to QuotaBackoffCap.
// Each attempt is a complete pass; a failed one has already rolled back.
func (s *Service) RunIncrementalSyncQuotaSafe(ctx context.Context) (*IncrementalResult, error) {
	attempts := s.MaxQuotaAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := s.QuotaBackoff
	if backoff <= 0 {
		backoff = 15 * time.Second
	}

	var (
		result *IncrementalResult
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = s.RunIncrementalSync(ctx)
		if err == nil || !errors.Is(err, ErrQuotaExceeded) {
			return result, err
		}
		if attempt == attempts {
			break
		}

		s.logger.WithFields(logrus.Fields{
			"field":   "SheetSync",
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Warn("remote quota exceeded; retrying incremental pass")

		if serr := s.sleep(ctx, backoff); serr != nil {
			return result, err
		}
		backoff *= 2
		if s.QuotaBackoffCap > 0 && backoff > s.QuotaBackoffCap {
			backoff = s.QuotaBackoffCap
		}
	}
	return result, err
}
