package escrow

import (
	"context"
	"time"
)

// StartAutoRelease launches a sweeper that pays out delivered escrows whose
// auto-release deadline has passed. A buyer who never confirms cannot strand
// the seller's funds forever.
func (s *Service) StartAutoRelease(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.releaseExpired(ctx)
			}
		}
	}()
}

func (s *Service) releaseExpired(ctx context.Context) {
	expired, err := s.store.ListExpired(ctx, time.Now().UTC(), 100)
	if err != nil {
		s.logger.Error("auto-release scan failed", "error", err)
		return
	}

	for _, esc := range expired {
		unlock := s.locks.Lock(esc.ID)

		// Re-read under the lock; a confirm or dispute may have won.
		current, err := s.store.Get(ctx, esc.ID)
		if err != nil {
			unlock()
			continue
		}
		if current.Status != StatusDelivered || current.AutoReleaseAt.After(time.Now()) {
			unlock()
			continue
		}

		if _, err := s.release(ctx, current, "auto_released"); err != nil {
			s.logger.Error("auto-release failed", "escrow_id", current.ID, "error", err)
		} else {
			s.logger.Info("escrow auto-released", "escrow_id", current.ID, "seller_id", current.SellerID)
		}
		unlock()
	}
}
