// Package tracker drives the session/run lifecycle: it opens sessions
// against the account pool, hands out run handles, and guarantees exactly
// one terminal record per run and session on every exit path, including
// caller cancellation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"droptrace/internal/domain"
	"droptrace/internal/repo"
)

var (
	// ErrAccountBusy means another live session holds the account.
	ErrAccountBusy = errors.New("account already in use")
	// ErrProtocol marks misuse of a handle, such as logging into a closed run.
	ErrProtocol = errors.New("tracker protocol violation")
)

type Tracker struct {
	Repo *repo.Repo
	Log  *slog.Logger

	// LockWait bounds how long BeginSession blocks on a busy account.
	// Zero means fail fast.
	LockWait time.Duration
	// SessionTTL is the expiry horizon stamped on new sessions.
	SessionTTL time.Duration

	Now   func() time.Time
	locks *accountLocks
}

func New(r *repo.Repo, log *slog.Logger) *Tracker {
	return &Tracker{
		Repo:       r,
		Log:        log,
		SessionTTL: 30 * time.Minute,
		Now:        time.Now,
		locks:      newAccountLocks(),
	}
}

// SessionOptions configure BeginSession. Leave AccountID empty to draw a
// random active account for the platform.
type SessionOptions struct {
	AccountID   string
	Platform    string
	BotType     string
	Fingerprint string
	Proxy       string
	ResearchTag string
}

// Session is a live handle over one tracked session. Not safe for
// concurrent use by multiple goroutines.
type Session struct {
	t       *Tracker
	rec     domain.Session
	botType string
	tag     string

	mu     sync.Mutex
	closed bool
	active int // open runs
}

// Run is a live handle over one tracked run.
type Run struct {
	t   *Tracker
	s   *Session
	rec domain.Run

	mu      sync.Mutex
	closed  bool
	success bool
	errMsg  string
	flags   domain.RunFlags
}

// BeginSession reserves an account, records the session and returns its
// handle. The account stays reserved until the session closes.
func (t *Tracker) BeginSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	if opts.Platform == "" {
		return nil, fmt.Errorf("%w: platform required", ErrProtocol)
	}
	account := opts.AccountID
	if account == "" {
		a, err := t.Repo.GetRandomAccount(ctx, opts.Platform)
		if err != nil {
			return nil, fmt.Errorf("pick account for %s: %w", opts.Platform, err)
		}
		account = a.ID
	} else if _, err := t.Repo.GetAccount(ctx, account); err != nil {
		return nil, err
	}
	if err := t.locks.acquire(ctx, account, t.LockWait); err != nil {
		return nil, err
	}
	rec, err := t.Repo.InsertSession(ctx, domain.Session{
		AccountID:   account,
		Platform:    opts.Platform,
		Fingerprint: opts.Fingerprint,
		ProxyUsed:   opts.Proxy,
		ExpiresAt:   t.Now().UTC().Add(t.SessionTTL),
	})
	if err != nil {
		t.locks.release(account)
		return nil, err
	}
	t.Log.Info("session started",
		"session_id", rec.ID, "account_id", account, "platform", opts.Platform)
	return &Session{t: t, rec: rec, botType: opts.BotType, tag: opts.ResearchTag}, nil
}

func (s *Session) ID() string { return s.rec.ID }

func (s *Session) AccountID() string { return s.rec.AccountID }

func (s *Session) Record() domain.Session { return s.rec }

// RunOptions configure BeginRun.
type RunOptions struct {
	TargetProduct string
	TargetSize    string
	BotType       string // overrides the session default
	ResearchTag   string // overrides the session default
}

// BeginRun records a started run within the session.
func (s *Session) BeginRun(ctx context.Context, opts RunOptions) (*Run, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: run started on closed session %s", ErrProtocol, s.rec.ID)
	}
	s.active++
	s.mu.Unlock()

	botType := opts.BotType
	if botType == "" {
		botType = s.botType
	}
	tag := opts.ResearchTag
	if tag == "" {
		tag = s.tag
	}
	rec, err := s.t.Repo.InsertRun(ctx, domain.Run{
		SessionID:     s.rec.ID,
		AccountID:     s.rec.AccountID,
		Platform:      s.rec.Platform,
		BotType:       botType,
		TargetProduct: opts.TargetProduct,
		TargetSize:    opts.TargetSize,
		ResearchTag:   tag,
	})
	if err != nil {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		return nil, err
	}
	s.t.Log.Info("run started", "run_id", rec.ID, "session_id", s.rec.ID, "bot_type", botType)
	return &Run{t: s.t, s: s, rec: rec}, nil
}

// Close writes the session's terminal record and frees the account. Safe to
// call with a cancelled context; the write still happens. A second Close is
// a protocol violation.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s closed twice", ErrProtocol, s.rec.ID)
	}
	s.closed = true
	open := s.active
	s.mu.Unlock()

	if open > 0 {
		s.t.Log.Warn("session closed with open runs", "session_id", s.rec.ID, "open", open)
	}
	defer s.t.locks.release(s.rec.AccountID)
	wctx := context.WithoutCancel(ctx)
	if err := s.t.Repo.UpdateSessionStatus(wctx, s.rec.ID, "expired"); err != nil {
		return fmt.Errorf("close session %s: %w", s.rec.ID, err)
	}
	s.t.Log.Info("session closed", "session_id", s.rec.ID)
	return nil
}

func (r *Run) ID() string { return r.rec.ID }

func (r *Run) Record() domain.Run { return r.rec }

// SetSuccess marks the run outcome ahead of Close.
func (r *Run) SetSuccess(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success = ok
}

// SetFlags replaces the run's outcome qualifiers.
func (r *Run) SetFlags(f domain.RunFlags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags = f
}

// SetError records the failure reason and marks the run unsuccessful.
func (r *Run) SetError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errMsg = msg
	r.success = false
}

func (r *Run) guard(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: %s on closed run %s", ErrProtocol, op, r.rec.ID)
	}
	return nil
}

// LogCaptcha records a captcha solve attempt and sets the captcha flags.
func (r *Run) LogCaptcha(ctx context.Context, captchaType, solver string, success bool, solveTime time.Duration, cost float64) error {
	if err := r.guard("captcha log"); err != nil {
		return err
	}
	_, err := r.t.Repo.InsertCaptchaAttempt(ctx, domain.CaptchaAttempt{
		RunID:         r.rec.ID,
		Platform:      r.rec.Platform,
		CaptchaType:   captchaType,
		SolverService: solver,
		Success:       success,
		SolveTimeMS:   solveTime.Milliseconds(),
		Cost:          cost,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.flags.CaptchaRequired = true
	if success {
		r.flags.CaptchaSolved = true
	}
	r.mu.Unlock()
	return nil
}

// LogPurchase records one checkout attempt.
func (r *Run) LogPurchase(ctx context.Context, stage string, success bool, orderID, errorDetails string) error {
	if err := r.guard("purchase log"); err != nil {
		return err
	}
	_, err := r.t.Repo.InsertPurchaseAttempt(ctx, domain.PurchaseAttempt{
		RunID:        r.rec.ID,
		AccountID:    r.rec.AccountID,
		Platform:     r.rec.Platform,
		Stage:        stage,
		Success:      success,
		OrderID:      orderID,
		ErrorDetails: errorDetails,
	})
	return err
}

// LogProxy folds a proxy measurement into the proxy's running record.
func (r *Run) LogProxy(ctx context.Context, address string, success, detected bool, responseTime time.Duration) error {
	if err := r.guard("proxy log"); err != nil {
		return err
	}
	if detected {
		r.mu.Lock()
		r.flags.DetectionTriggered = true
		r.mu.Unlock()
	}
	return r.t.Repo.RecordProxySample(ctx, repo.ProxySample{
		Address:    address,
		Platform:   r.rec.Platform,
		Success:    success,
		Detected:   detected,
		ResponseMS: responseTime.Milliseconds(),
	})
}

// LogEvent records a timing/diagnostic event.
func (r *Run) LogEvent(ctx context.Context, eventType, name string, details domain.EventDetails) error {
	if err := r.guard("event log"); err != nil {
		return err
	}
	if details.Queue != nil {
		r.mu.Lock()
		r.flags.QueueDetected = true
		r.mu.Unlock()
	}
	_, err := r.t.Repo.InsertPerformanceEvent(ctx, domain.PerformanceEvent{
		RunID:     r.rec.ID,
		EventType: eventType,
		EventName: name,
		Details:   details,
	})
	return err
}

// Close writes the run's terminal record exactly once and bumps the account
// counters. The terminal write survives caller cancellation. A second Close
// is a protocol violation.
func (r *Run) Close(ctx context.Context) error {
	return r.finish(ctx, "")
}

// Abort closes the run as failed with the given reason.
func (r *Run) Abort(ctx context.Context, reason string) error {
	return r.finish(ctx, reason)
}

func (r *Run) finish(ctx context.Context, abortReason string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: run %s closed twice", ErrProtocol, r.rec.ID)
	}
	r.closed = true
	success := r.success
	errMsg := r.errMsg
	flags := r.flags
	r.mu.Unlock()

	// A normal close is recorded completed even when the run did not
	// succeed; failed is reserved for aborted runs.
	status := "completed"
	if abortReason != "" {
		success = false
		errMsg = abortReason
		status = "failed"
	}
	now := r.t.Now().UTC()
	completion := repo.RunCompletion{
		Status:       status,
		Success:      success,
		CompletedAt:  now,
		DurationMS:   now.Sub(r.rec.StartedAt).Milliseconds(),
		ErrorMessage: errMsg,
		Flags:        flags,
	}

	wctx := context.WithoutCancel(ctx)
	if err := r.t.Repo.FinishRun(wctx, r.rec.ID, completion); err != nil {
		return fmt.Errorf("finish run %s: %w", r.rec.ID, err)
	}
	if err := r.t.Repo.UpdateAccountStats(wctx, r.rec.AccountID, success); err != nil {
		r.t.Log.Warn("account stats update failed", "account_id", r.rec.AccountID, "error", err)
	}
	r.s.mu.Lock()
	r.s.active--
	r.s.mu.Unlock()
	r.t.Log.Info("run finished",
		"run_id", r.rec.ID, "status", status, "success", success, "duration_ms", completion.DurationMS)
	return nil
}
