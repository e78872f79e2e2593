package processor

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
)

// Expirer fails requests that outlived their response window
type Expirer interface {
	ExpireStale(ctx context.Context, maxAge time.Duration) error
}

// Sweeper periodically fails ABIS requests stuck in SENT. The ABIS contract
// has no synchronous acknowledgement, so a silent peer is only detectable by
// age.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	maxAge   time.Duration
	logger   ectologger.Logger
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewSweeper creates a new stale request sweeper
func NewSweeper(expirer Expirer, interval, maxAge time.Duration, logger ectologger.Logger) *Sweeper {
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.WithContext(ctx).Infof("Sweeper started: interval=%s max_age=%s", s.interval, s.maxAge)
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.WithContext(ctx).Info("Sweeper stopping")
			return
		case <-ticker.C:
			if err := s.expirer.ExpireStale(ctx, s.maxAge); err != nil {
				s.logger.WithContext(ctx).WithError(err).Error("Sweep failed")
			}
		}
	}
}
