package tracker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"droptrace/internal/db"
	"droptrace/internal/domain"
	"droptrace/internal/migrate"
	"droptrace/internal/repo"
	"droptrace/internal/store"
	"droptrace/internal/tracker"
)

type testEnv struct {
	Tracker *tracker.Tracker
	Repo    *repo.Repo
	Account domain.Account
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := store.NewGateway(store.NewMemory(), store.NewLocal(conn), time.Second, log)
	r := repo.New(gw, log)
	tr := tracker.New(r, log)
	ctx := context.Background()
	account, err := r.InsertAccount(ctx, domain.Account{Platform: "nike"})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return testEnv{Tracker: tr, Repo: r, Account: account, Ctx: ctx}
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{
		AccountID: env.Account.ID, Platform: "nike", BotType: "browser",
	})
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	run, err := sess.BeginRun(env.Ctx, tracker.RunOptions{TargetProduct: "dunk-low"})
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := run.LogCaptcha(env.Ctx, "recaptcha_v2", "2captcha", true, 8*time.Second, 0.003); err != nil {
		t.Fatalf("log captcha: %v", err)
	}
	if err := run.LogPurchase(env.Ctx, "payment", true, "order-991", ""); err != nil {
		t.Fatalf("log purchase: %v", err)
	}
	run.SetSuccess(true)
	if err := run.Close(env.Ctx); err != nil {
		t.Fatalf("close run: %v", err)
	}
	if err := sess.Close(env.Ctx); err != nil {
		t.Fatalf("close session: %v", err)
	}

	got, err := env.Repo.GetRun(env.Ctx, run.ID())
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "completed" || !got.Success {
		t.Fatalf("unexpected terminal run: %+v", got)
	}
	if !got.Flags.CaptchaRequired || !got.Flags.CaptchaSolved {
		t.Fatalf("captcha flags not derived from log: %+v", got.Flags)
	}
	acc, err := env.Repo.GetAccount(env.Ctx, env.Account.ID)
	if err != nil || acc.SuccessCount != 1 {
		t.Fatalf("expected account success counted, got %+v (%v)", acc, err)
	}
	s, err := env.Repo.GetSession(env.Ctx, sess.ID())
	if err != nil || s.Status != "expired" {
		t.Fatalf("expected session expired, got %+v (%v)", s, err)
	}
}

func TestCloseWithoutOutcomeRecordsCompleted(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{
		AccountID: env.Account.ID, Platform: "nike",
	})
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	run, err := sess.BeginRun(env.Ctx, tracker.RunOptions{})
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := run.Close(env.Ctx); err != nil {
		t.Fatalf("close run: %v", err)
	}
	if err := sess.Close(env.Ctx); err != nil {
		t.Fatalf("close session: %v", err)
	}

	got, err := env.Repo.GetRun(env.Ctx, run.ID())
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	// Only an abort records failed; a normal close without an outcome is
	// completed with success=false.
	if got.Status != "completed" || got.Success {
		t.Fatalf("expected completed unsuccessful run, got %+v", got)
	}
}

func TestTerminalWriteSurvivesCancellation(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{
		AccountID: env.Account.ID, Platform: "nike",
	})
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	run, err := sess.BeginRun(env.Ctx, tracker.RunOptions{})
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	if err := run.Abort(ctx, "operator interrupt"); err != nil {
		t.Fatalf("abort with cancelled ctx: %v", err)
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("close with cancelled ctx: %v", err)
	}

	got, err := env.Repo.GetRun(env.Ctx, run.ID())
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "failed" || got.Success || got.ErrorMessage != "operator interrupt" {
		t.Fatalf("expected failed terminal record, got %+v", got)
	}
	if got.CompletedAt == nil || got.DurationMS == nil {
		t.Fatalf("terminal record incomplete: %+v", got)
	}
}

func TestDoubleCloseIsProtocolError(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{AccountID: env.Account.ID, Platform: "nike"})
	run, _ := sess.BeginRun(env.Ctx, tracker.RunOptions{})
	if err := run.Close(env.Ctx); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := run.Close(env.Ctx); !errors.Is(err, tracker.ErrProtocol) {
		t.Fatalf("expected protocol error on second close, got %v", err)
	}
	if err := run.LogPurchase(env.Ctx, "cart", true, "", ""); !errors.Is(err, tracker.ErrProtocol) {
		t.Fatalf("expected protocol error logging on closed run, got %v", err)
	}
	if err := sess.Close(env.Ctx); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if err := sess.Close(env.Ctx); !errors.Is(err, tracker.ErrProtocol) {
		t.Fatalf("expected protocol error on second session close, got %v", err)
	}
	if _, err := sess.BeginRun(env.Ctx, tracker.RunOptions{}); !errors.Is(err, tracker.ErrProtocol) {
		t.Fatalf("expected protocol error starting run on closed session, got %v", err)
	}
}

func TestAccountMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{AccountID: env.Account.ID, Platform: "nike"})
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	// Fail-fast mode: busy account is refused immediately.
	if _, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{AccountID: env.Account.ID, Platform: "nike"}); !errors.Is(err, tracker.ErrAccountBusy) {
		t.Fatalf("expected account busy, got %v", err)
	}

	// Bounded wait: succeeds once the holder releases.
	env.Tracker.LockWait = 2 * time.Second
	done := make(chan error, 1)
	go func() {
		sess, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{AccountID: env.Account.ID, Platform: "nike"})
		if err == nil {
			err = sess.Close(env.Ctx)
		}
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := first.Close(env.Ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("waiter failed: %v", err)
	}

	// Bounded wait expires against a holder that never releases.
	env.Tracker.LockWait = 20 * time.Millisecond
	holder, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{AccountID: env.Account.ID, Platform: "nike"})
	if err != nil {
		t.Fatalf("holder session: %v", err)
	}
	defer holder.Close(env.Ctx)
	if _, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{AccountID: env.Account.ID, Platform: "nike"}); !errors.Is(err, tracker.ErrAccountBusy) {
		t.Fatalf("expected busy after bounded wait, got %v", err)
	}
}

func TestRandomAccountDraw(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{Platform: "nike"})
	if err != nil {
		t.Fatalf("begin session without account: %v", err)
	}
	if sess.AccountID() != env.Account.ID {
		t.Fatalf("expected pool account, got %s", sess.AccountID())
	}
	if err := sess.Close(env.Ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{Platform: "shopify"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for empty platform pool, got %v", err)
	}
}

func TestQueueEventSetsFlag(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.Tracker.BeginSession(env.Ctx, tracker.SessionOptions{AccountID: env.Account.ID, Platform: "nike"})
	run, _ := sess.BeginRun(env.Ctx, tracker.RunOptions{})
	err := run.LogEvent(env.Ctx, domain.EventTypeQueue, "splash", domain.EventDetails{
		Queue: &domain.QueueDetails{Position: 12, QueueSeen: true},
	})
	if err != nil {
		t.Fatalf("log event: %v", err)
	}
	if err := run.Close(env.Ctx); err != nil {
		t.Fatalf("close run: %v", err)
	}
	got, _ := env.Repo.GetRun(env.Ctx, run.ID())
	if !got.Flags.QueueDetected {
		t.Fatalf("expected queue flag, got %+v", got.Flags)
	}
	if err := sess.Close(env.Ctx); err != nil {
		t.Fatalf("close session: %v", err)
	}
}
