package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Watchdog pings every authorized connection on a fixed interval and evicts
// the ones that have not answered by the next tick. Detection therefore takes
// at most two intervals.
type Watchdog struct {
	logger   *slog.Logger
	app      *App
	interval time.Duration
	ping     string

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewWatchdog(logger *slog.Logger, app *App, opts KeepaliveOptions) *Watchdog {
	return &Watchdog{
		logger:   logger.With(slog.String("component", "keepalive")),
		app:      app,
		interval: opts.Interval,
		ping:     opts.Ping,
	}
}

// Start launches the ticker loop. Starting a running watchdog is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)
	w.logger.Info("watchdog started", slog.Duration("interval", w.interval))
}

// Stop halts the ticker loop and waits for the in-flight tick to finish.
// Stopping a stopped watchdog is a no-op.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	w.logger.Info("watchdog stopped")
}

func (w *Watchdog) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick walks the authorized connections once: a connection still flagged
// from the previous tick is evicted, everything else is flagged and pinged.
func (w *Watchdog) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()

	for _, ident := range w.app.registry.ListAuthorizedIdentities() {
		for _, conn := range ident.ConnectionList() {
			alreadyPinged, ok := w.app.registry.MarkPinged(conn.ID)
			if !ok {
				// Raced with a disconnect; nothing to do.
				continue
			}
			if alreadyPinged {
				w.logger.Warn("no pong since last tick, evicting",
					slog.String("connID", conn.ID.String()),
					slog.String("userID", ident.UserID),
				)
				// Best effort; the peer may already be unreachable.
				// DisconnectClient routes through the disconnect
				// handler, which detaches the registry record.
				_ = w.app.server.SendRaw(ctx, conn.Transport, pingTimeoutNotice)
				w.app.server.DisconnectClient(conn.Transport)
				continue
			}
			_ = w.app.server.SendRaw(ctx, conn.Transport, w.ping)
		}
	}
}
