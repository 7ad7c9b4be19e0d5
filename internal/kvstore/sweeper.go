package kvstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ckoons/tekton-ci/internal/logger"
)

// StartSweeper runs b.Sweep every interval until the returned stop func is
// called. stop blocks until the goroutine has exited and is safe to call
// more than once.
func StartSweeper(b Backend, interval time.Duration, log *zap.SugaredLogger) (stop func()) {
	if log == nil {
		log = logger.ComponentLogger("kvstore.sweeper")
	}
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := b.Sweep(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Warnw("sweep failed", logger.FieldError, err)
					}
					continue
				}
				if res.Expired > 0 || res.ChangesTrimmed > 0 {
					log.Infow("sweep", "expired", res.Expired, "changes_trimmed", res.ChangesTrimmed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
