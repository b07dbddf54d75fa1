package dispute

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically expires voting windows so a silent panel never
// stalls a dispute.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *Timer) Start() {
	go t.run()
}

func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Timer) run() {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("dispute timer panicked", "panic", r)
		}
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.interval)
			n, err := t.service.ExpireVoting(ctx)
			cancel()
			if err != nil {
				t.logger.Error("expire voting windows", "error", err)
				continue
			}
			if n > 0 {
				t.logger.Info("voting windows expired", "count", n)
			}
		}
	}
}
