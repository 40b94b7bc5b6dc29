package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashwinkm/trendflip/internal/config"
	"github.com/ashwinkm/trendflip/internal/position"
)

// StopMode selects how Stop treats a live position.
type StopMode string

const (
	// StopGraceful refuses to stop while a position is not CLOSED.
	StopGraceful StopMode = "GRACEFUL"
	// StopForceFlat submits an immediate SELL and stops once flat.
	StopForceFlat StopMode = "FORCE_FLAT"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
	ErrPositionLive   = errors.New("position not closed")
	ErrNoPosition     = errors.New("no open position")
)

// Start launches the engine loop. Returns ErrAlreadyRunning if started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	e.logger.Printf("engine started: strategy=%s index=%s mode=%s interval=%ds",
		e.cfg.StrategyID, e.cfg.Index, e.mode, e.cfg.IntervalSeconds)

	go e.run(loopCtx)
	return nil
}

// Stop halts the loop. StopGraceful fails with ErrPositionLive while a
// position is OPENING, OPEN, or CLOSING; StopForceFlat requests a Manual
// exit through the usual single-SELL path and stops after the position is
// flat and journaled.
func (e *Engine) Stop(mode StopMode) error {
	e.mu.Lock()

	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}

	if e.pos != nil && e.pos.State != position.StateClosed {
		switch mode {
		case StopGraceful:
			e.mu.Unlock()
			return fmt.Errorf("%w: use FORCE_FLAT to exit first", ErrPositionLive)
		case StopForceFlat:
			e.manualExit = true
			e.stopAfterFlat = true
			wait := e.stopWait
			e.mu.Unlock()
			select {
			case <-e.done:
			case <-time.After(wait):
				// The exit request stays armed; the caller may retry.
				return fmt.Errorf("%w: still not flat after %v", ErrPositionLive, wait)
			}
			e.finishStop()
			return nil
		default:
			e.mu.Unlock()
			return fmt.Errorf("unknown stop mode %q", mode)
		}
	}

	cancel := e.cancel
	e.mu.Unlock()
	cancel()
	<-e.done
	e.finishStop()
	return nil
}

func (e *Engine) finishStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.broadcaster.CloseAll()
	e.logger.Printf("engine stopped: strategy=%s", e.cfg.StrategyID)
}

// Squareoff requests a Manual exit for the live position. Multiple
// requests, including alongside other triggers in the same cycle, still
// yield exactly one SELL. Manual exits bypass the reversal min-hold.
func (e *Engine) Squareoff() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return ErrNotRunning
	}
	if e.pos == nil || e.pos.State == position.StateClosed {
		return ErrNoPosition
	}
	if e.pos.State == position.StateClosing {
		// A SELL is already in flight; the request coalesces into it
		// instead of arming a flag that would outlive this position.
		return nil
	}
	e.manualExit = true
	return nil
}

// UpdateConfig applies a partial config update. While a position is live
// only risk-limit tightenings are accepted. The applied config is
// persisted to the journal's config table.
func (e *Engine) UpdateConfig(patch *config.Patch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idle := e.pos == nil || e.pos.State == position.StateClosed
	next, err := patch.Apply(e.cfg, idle)
	if err != nil {
		return err
	}

	rebuild := next.IntervalSeconds != e.cfg.IntervalSeconds ||
		next.SupertrendPeriod != e.cfg.SupertrendPeriod ||
		next.SupertrendMultiplier != e.cfg.SupertrendMultiplier ||
		next.UseMacd != e.cfg.UseMacd
	e.cfg = next
	if rebuild {
		if err := e.buildPipeline(); err != nil {
			return fmt.Errorf("rebuilding pipeline: %w", err)
		}
	}

	if err := e.journal.SaveConfig("engine_config", e.cfg); err != nil {
		e.logger.Printf("ERROR persisting config: %v", err)
	}
	e.logger.Printf("config updated (pipeline rebuilt=%t)", rebuild)
	return nil
}

// SetTradingEnabled toggles the soft entry pause. Exits keep running
// regardless.
func (e *Engine) SetTradingEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tradingEnabled = enabled
	if err := e.journal.SaveConfig("trading_enabled", enabled); err != nil {
		e.logger.Printf("ERROR persisting trading_enabled: %v", err)
	}
	e.logger.Printf("trading enabled: %t", enabled)
}

// Subscribe returns a snapshot stream and its cancel function.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	return e.broadcaster.Subscribe()
}

// State returns a snapshot of the engine built outside the loop cadence.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(e.clock.Now())
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
