package app

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// backgroundWorker — воркер, работающий до отмены ctx.
type backgroundWorker interface {
	Run(ctx context.Context)
}

// startWorker запускает воркер в отдельной горутине и возвращает функцию отмены
// и канал, закрывающийся после выхода Run.
func startWorker(ctx context.Context, worker backgroundWorker) (context.CancelFunc, <-chan struct{}) {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
	}()
	return cancel, done
}

// shutdownWorker отменяет воркер и ждёт его завершения не дольше timeout.
func shutdownWorker(name string, cancel context.CancelFunc, done <-chan struct{}, timeout time.Duration, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.WithField("worker", name).Info("worker stopped")
	case <-time.After(timeout):
		logger.WithField("worker", name).Warn("worker did not stop in time")
	}
}
