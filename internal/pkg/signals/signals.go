package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/endorses/mercury/internal/pkg/logger"
)

// SetupHandlerWithCallback sets up a signal handler that calls the provided
// callback on SIGINT, SIGTERM, or SIGHUP. The callback runs at most once.
// Returns a cleanup function that should be called when the handler is no
// longer needed.
func SetupHandlerWithCallback(ctx context.Context, onSignal func()) (cleanup func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig, ok := <-sigCh:
			if !ok {
				// Channel closed by cleanup: no signal arrived.
				return
			}
			logger.Info("Received signal, initiating shutdown", "signal", sig.String())
			onSignal()
		case <-ctx.Done():
			// Context cancelled, no callback needed
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
		<-done
	}
}
