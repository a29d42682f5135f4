package repo_test

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
)

type testEnv struct {
	Repo    *repo.Repo
	Primary *store.Memory
	Ctx     context.Context
}

var testClock = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	primary := store.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := store.NewGateway(primary, store.NewLocal(conn), time.Second, log)
	r := repo.New(gw, log)
	r.Now = func() time.Time { return testClock }
	return testEnv{Repo: r, Primary: primary, Ctx: context.Background()}
}

func seedAccount(t *testing.T, env testEnv) domain.Account {
	t.Helper()
	a, err := env.Repo.InsertAccount(env.Ctx, domain.Account{Platform: "nike"})
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	return a
}

func seedRun(t *testing.T, env testEnv) (domain.Account, domain.Session, domain.Run) {
	t.Helper()
	a := seedAccount(t, env)
	s, err := env.Repo.InsertSession(env.Ctx, domain.Session{AccountID: a.ID, Platform: a.Platform})
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	run, err := env.Repo.InsertRun(env.Ctx, domain.Run{
		SessionID: s.ID, AccountID: a.ID, Platform: a.Platform, BotType: "browser",
	})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}
	return a, s, run
}

func TestAccountLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := seedAccount(t, env)
	if a.ID == "" || a.Status != "active" {
		t.Fatalf("unexpected account defaults: %+v", a)
	}
	if err := env.Repo.UpdateAccountStats(env.Ctx, a.ID, true); err != nil {
		t.Fatalf("update stats: %v", err)
	}
	if err := env.Repo.UpdateAccountStats(env.Ctx, a.ID, false); err != nil {
		t.Fatalf("update stats: %v", err)
	}
	got, err := env.Repo.GetAccount(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.SuccessCount != 1 || got.FailureCount != 1 {
		t.Fatalf("expected counters 1/1, got %d/%d", got.SuccessCount, got.FailureCount)
	}
	if got.LastUsed == nil || !got.LastUsed.Equal(testClock) {
		t.Fatalf("expected last_used stamped, got %v", got.LastUsed)
	}
}

func TestGetRandomAccountSkipsInactive(t *testing.T) {
	env := newTestEnv(t)
	a := seedAccount(t, env)
	b := seedAccount(t, env)
	if err := env.Repo.SetAccountStatus(env.Ctx, b.ID, "inactive"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	for i := 0; i < 5; i++ {
		got, err := env.Repo.GetRandomAccount(env.Ctx, "nike")
		if err != nil {
			t.Fatalf("random account: %v", err)
		}
		if got.ID != a.ID {
			t.Fatalf("picked inactive account %s", got.ID)
		}
	}
	if _, err := env.Repo.GetRandomAccount(env.Ctx, "shopify"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for empty pool, got %v", err)
	}
}

func TestSessionRequiresAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Repo.InsertSession(env.Ctx, domain.Session{AccountID: "ghost", Platform: "nike"})
	if !errors.Is(err, repo.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestRunRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	a := seedAccount(t, env)
	_, err := env.Repo.InsertRun(env.Ctx, domain.Run{SessionID: "ghost", AccountID: a.ID, Platform: "nike"})
	if !errors.Is(err, repo.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestFinishRunWritesTerminalRecord(t *testing.T) {
	env := newTestEnv(t)
	_, _, run := seedRun(t, env)
	err := env.Repo.FinishRun(env.Ctx, run.ID, repo.RunCompletion{
		Status:      "completed",
		Success:     true,
		CompletedAt: testClock.Add(90 * time.Second),
		DurationMS:  90_000,
		Flags:       domain.RunFlags{CaptchaRequired: true, CaptchaSolved: true},
	})
	if err != nil {
		t.Fatalf("finish run: %v", err)
	}
	got, err := env.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != "completed" || !got.Success {
		t.Fatalf("unexpected terminal state: %+v", got)
	}
	if got.DurationMS == nil || *got.DurationMS != 90_000 {
		t.Fatalf("expected duration 90000, got %v", got.DurationMS)
	}
	if !got.Flags.CaptchaSolved {
		t.Fatalf("expected captcha flags preserved")
	}
}

func TestCaptchaAttemptRequiresRun(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Repo.InsertCaptchaAttempt(env.Ctx, domain.CaptchaAttempt{RunID: "ghost", Platform: "nike"})
	if !errors.Is(err, repo.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestPerformanceEventRequiresRun(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Repo.InsertPerformanceEvent(env.Ctx, domain.PerformanceEvent{
		RunID:     "ghost",
		EventType: domain.EventTypeNavigation,
		EventName: "product_page",
	})
	if !errors.Is(err, repo.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestProxySampleAccumulates(t *testing.T) {
	env := newTestEnv(t)
	samples := []repo.ProxySample{
		{Address: "198.51.100.7:8080", Platform: "nike", Success: true, ResponseMS: 100},
		{Address: "198.51.100.7:8080", Platform: "nike", Success: false, Detected: true, ResponseMS: 300},
	}
	for _, s := range samples {
		if err := env.Repo.RecordProxySample(env.Ctx, s); err != nil {
			t.Fatalf("record sample: %v", err)
		}
	}
	records, _, err := env.Repo.ListProxyRecords(env.Ctx, "nike")
	if err != nil {
		t.Fatalf("list proxies: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one accumulated record, got %d", len(records))
	}
	p := records[0]
	if p.SuccessCount != 1 || p.FailureCount != 1 || p.DetectionCount != 1 {
		t.Fatalf("unexpected counters: %+v", p)
	}
	if p.AvgResponseMS != 200 {
		t.Fatalf("expected avg 200ms, got %d", p.AvgResponseMS)
	}
	if p.LastSuccess == nil {
		t.Fatalf("expected last_success stamped")
	}
}

func TestPerformanceEventDetailsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	_, _, run := seedRun(t, env)
	_, err := env.Repo.InsertPerformanceEvent(env.Ctx, domain.PerformanceEvent{
		RunID:     run.ID,
		EventType: domain.EventTypeQueue,
		EventName: "splash_queue",
		Details:   domain.EventDetails{Queue: &domain.QueueDetails{Position: 512, WaitMS: 40_000, QueueSeen: true}},
	})
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	events, err := env.Repo.ListPerformanceEvents(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Details.Queue == nil {
		t.Fatalf("expected typed queue details, got %+v", events)
	}
	if events[0].Details.Queue.Position != 512 {
		t.Fatalf("queue position lost: %+v", events[0].Details.Queue)
	}
}

func TestResearchSessionCompletion(t *testing.T) {
	env := newTestEnv(t)
	a, s, _ := seedRun(t, env)
	study, err := env.Repo.InsertResearchSession(env.Ctx, domain.ResearchSession{Name: "queue-study", Platform: "nike"})
	if err != nil {
		t.Fatalf("insert study: %v", err)
	}
	for _, success := range []bool{true, false, true} {
		run, err := env.Repo.InsertRun(env.Ctx, domain.Run{
			SessionID: s.ID, AccountID: a.ID, Platform: "nike", BotType: "browser", ResearchTag: "queue-study",
		})
		if err != nil {
			t.Fatalf("insert run: %v", err)
		}
		if err := env.Repo.FinishRun(env.Ctx, run.ID, repo.RunCompletion{
			Status: "completed", Success: success, CompletedAt: testClock, DurationMS: 1000,
		}); err != nil {
			t.Fatalf("finish run: %v", err)
		}
	}
	done, err := env.Repo.CompleteResearchSession(env.Ctx, study.ID, "splash queue fell to warm sessions")
	if err != nil {
		t.Fatalf("complete study: %v", err)
	}
	if done.TotalRuns != 3 || done.Successful != 2 || done.Failed != 1 {
		t.Fatalf("unexpected totals: %+v", done)
	}
	if done.Status != "completed" || done.CompletedAt == nil {
		t.Fatalf("study not closed: %+v", done)
	}
}

func TestAnalyticsMetricUpsert(t *testing.T) {
	env := newTestEnv(t)
	m := domain.AnalyticsMetric{
		Platform: "nike", BotType: "browser", MetricDate: "2026-08-01",
		TotalAttempts: 10, SuccessfulAttempts: 4, SuccessRate: 0.4,
	}
	if err := env.Repo.UpsertAnalyticsMetric(env.Ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	m.TotalAttempts, m.SuccessfulAttempts, m.SuccessRate = 20, 10, 0.5
	if err := env.Repo.UpsertAnalyticsMetric(env.Ctx, m); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	metrics, err := env.Repo.ListAnalyticsMetrics(env.Ctx, repo.MetricFilter{Platform: "nike", Date: "2026-08-01"})
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("expected one snapshot per day, got %d", len(metrics))
	}
	if metrics[0].TotalAttempts != 20 || metrics[0].SuccessRate != 0.5 {
		t.Fatalf("snapshot not replaced: %+v", metrics[0])
	}
}
