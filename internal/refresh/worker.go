// Package refresh reloads the cluster list on a fixed interval.
package refresh

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"caremap/internal/model"
)

// Loader is the part of the cluster store the worker drives.
type Loader interface {
	Load(ctx context.Context) ([]model.Cluster, error)
}

type Worker struct {
	Loader   Loader
	Interval time.Duration
	Timeout  time.Duration
	Log      *zap.Logger
	Stop     chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

func NewWorker(l Loader, interval time.Duration, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.L()
	}
	return &Worker{
		Loader:   l,
		Interval: interval,
		Timeout:  10 * time.Second,
		Log:      log,
		Stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the ticker loop in the background. It is a no-op when Interval is not positive.
func (w *Worker) Start() {
	if w.Interval <= 0 {
		close(w.done)
		return
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

// Shutdown stops the loop and waits for an in-flight reload to return.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() { close(w.Stop) })
	<-w.done
}

// processOnce reloads once. Failures are logged; the store keeps its prior state.
func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), w.Timeout)
	defer cancel()
	start := time.Now()
	cs, err := w.Loader.Load(ctx)
	if err != nil {
		w.Log.Warn("cluster refresh failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	w.Log.Debug("cluster refresh", zap.Int("clusters", len(cs)), zap.Duration("elapsed", time.Since(start)))
}
