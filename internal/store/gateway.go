package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Gateway routes writes to the primary store and degrades to the local
// record log when the primary is unreachable. Reads prefer the primary and
// fall back to the (possibly partial) local log, flagged as degraded.
type Gateway struct {
	primary Backend
	local   *Local
	timeout time.Duration
	log     *slog.Logger

	Now func() time.Time
}

// Result carries query rows plus whether they came from the fallback log.
type Result struct {
	Records  []Record
	Degraded bool
}

func NewGateway(primary Backend, local *Local, timeout time.Duration, log *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		primary: primary,
		local:   local,
		timeout: timeout,
		log:     log,
		Now:     time.Now,
	}
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// Write inserts a record, falling back to the local log when the primary is
// unreachable. Records must carry a caller-generated id so a later replay
// stays idempotent.
func (g *Gateway) Write(ctx context.Context, table string, rec Record) error {
	pctx, cancel := g.withTimeout(ctx)
	err := g.primary.Insert(pctx, table, rec)
	cancel()
	if err == nil {
		return nil
	}
	if !unavailable(err) {
		return err
	}
	g.log.Warn("primary store unreachable, writing to fallback",
		"table", table, "error", err)
	if lerr := g.local.Insert(ctx, table, rec); lerr != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, lerr)
	}
	return nil
}

// Update patches a record by id. A record still pending in the fallback log
// is patched there so the reconciler replays one merged row.
func (g *Gateway) Update(ctx context.Context, table, id string, fields Record) error {
	pending, err := g.local.HasPending(ctx, table, id)
	if err != nil {
		return err
	}
	if pending {
		return g.local.Update(ctx, table, id, fields)
	}
	pctx, cancel := g.withTimeout(ctx)
	err = g.primary.Update(pctx, table, id, fields)
	cancel()
	if err == nil {
		return nil
	}
	if !unavailable(err) {
		return err
	}
	g.log.Warn("primary store unreachable, recording update in fallback",
		"table", table, "id", id, "error", err)
	if lerr := g.local.Update(ctx, table, id, fields); lerr != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, lerr)
	}
	return nil
}

// Query reads from the primary store, degrading to the local log when the
// primary is unreachable.
func (g *Gateway) Query(ctx context.Context, table string, f Filter) (Result, error) {
	pctx, cancel := g.withTimeout(ctx)
	recs, err := g.primary.Query(pctx, table, f)
	cancel()
	if err == nil {
		return Result{Records: recs}, nil
	}
	if !unavailable(err) {
		return Result{}, err
	}
	g.log.Warn("primary store unreachable, reading from fallback",
		"table", table, "error", err)
	recs, lerr := g.local.Query(ctx, table, f)
	if lerr != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrConnectivity, lerr)
	}
	return Result{Records: recs, Degraded: true}, nil
}

// Healthy reports whether the primary store currently answers.
func (g *Gateway) Healthy(ctx context.Context) bool {
	pctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.primary.Ping(pctx) == nil
}

// PendingCount reports fallback records not yet replayed.
func (g *Gateway) PendingCount(ctx context.Context) (int, error) {
	return g.local.PendingCount(ctx)
}

// Reconcile replays pending fallback records into the primary store, oldest
// first. Inserts replay with insert-if-absent so a crash between replay and
// mark-synced cannot duplicate a record. Returns how many records were
// synced; stops early when the primary drops mid-replay.
func (g *Gateway) Reconcile(ctx context.Context) (int, error) {
	pending, err := g.local.Pending(ctx, 0)
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		pctx, cancel := g.withTimeout(ctx)
		switch p.Op {
		case opUpdate:
			fields := cloneRecord(p.Payload)
			delete(fields, "id")
			err = g.primary.Update(pctx, p.Table, p.ID, fields)
		default:
			_, err = g.primary.InsertIfAbsent(pctx, p.Table, p.Payload)
		}
		cancel()
		if err != nil {
			if unavailable(err) {
				return synced, fmt.Errorf("%w: %v", ErrConnectivity, err)
			}
			// Malformed record; skip it rather than wedging the queue.
			g.log.Error("reconcile: record rejected by primary store",
				"table", p.Table, "id", p.ID, "error", err)
			continue
		}
		if err := g.local.MarkSynced(ctx, p.Table, p.ID); err != nil {
			return synced, err
		}
		synced++
	}
	return synced, nil
}

// RunReconciler replays the fallback log on an interval until ctx is
// cancelled. Failed passes back off exponentially up to ten intervals.
func (g *Gateway) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	delay := interval
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		n, err := g.Reconcile(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			g.log.Warn("reconcile pass failed", "synced", n, "error", err)
			delay *= 2
			if max := 10 * interval; delay > max {
				delay = max
			}
		default:
			if n > 0 {
				g.log.Info("reconciled fallback records", "synced", n)
			}
			delay = interval
		}
		timer.Reset(delay)
	}
}

func (g *Gateway) Close() error {
	perr := g.primary.Close()
	lerr := g.local.Close()
	if perr != nil {
		return perr
	}
	return lerr
}
