package asyncsocket

import "github.com/heptiolabs/healthcheck"

// LivenessCheck fails while the dispatch loop is not running.
func (c *Controller) LivenessCheck() healthcheck.Check {
	return func() error {
		if c.shouldStop.IsSet() {
			return ErrControllerStopped
		}
		if !c.running.Load() {
			return ErrControllerNotRunning
		}
		return nil
	}
}

// WorkerPoolCheck fails when every dial worker is busy.
func (c *Controller) WorkerPoolCheck() healthcheck.Check {
	return func() error {
		if c.pool.IsClosed() {
			return ErrControllerStopped
		}
		if c.pool.Free() == 0 {
			return ErrWorkerPoolExhausted
		}
		return nil
	}
}
