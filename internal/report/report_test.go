package report_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"droptrace/internal/db"
	"droptrace/internal/domain"
	"droptrace/internal/metrics"
	"droptrace/internal/migrate"
	"droptrace/internal/repo"
	"droptrace/internal/report"
	"droptrace/internal/store"
)

type testEnv struct {
	Gen  *report.Generator
	Repo *repo.Repo
	Ctx  context.Context
}

var testClock = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

var testWindow = report.Window{
	Since: testClock.Add(-24 * time.Hour),
	Until: testClock.Add(24 * time.Hour),
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
	r.Now = func() time.Time { return testClock }
	agg := metrics.New(r, log)
	agg.Now = r.Now
	gen := report.New(r, agg, log)
	gen.SampleThreshold = 3
	gen.Now = r.Now
	return testEnv{Gen: gen, Repo: r, Ctx: context.Background()}
}

// seedPlatform writes n runs with the given number of successes, plus one
// captcha attempt per run.
func seedPlatform(t *testing.T, env testEnv, platform string, n, successes int) {
	t.Helper()
	a, err := env.Repo.InsertAccount(env.Ctx, domain.Account{Platform: platform})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	s, err := env.Repo.InsertSession(env.Ctx, domain.Session{AccountID: a.ID, Platform: platform})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	for i := 0; i < n; i++ {
		run, err := env.Repo.InsertRun(env.Ctx, domain.Run{
			SessionID: s.ID, AccountID: a.ID, Platform: platform, BotType: "browser",
		})
		if err != nil {
			t.Fatalf("seed run: %v", err)
		}
		success := i < successes
		status := "completed"
		if !success {
			status = "failed"
		}
		if err := env.Repo.FinishRun(env.Ctx, run.ID, repo.RunCompletion{
			Status: status, Success: success, CompletedAt: testClock, DurationMS: 1000,
			Flags: domain.RunFlags{CaptchaRequired: true, CaptchaSolved: success},
		}); err != nil {
			t.Fatalf("finish run: %v", err)
		}
		if _, err := env.Repo.InsertCaptchaAttempt(env.Ctx, domain.CaptchaAttempt{
			RunID: run.ID, Platform: platform, CaptchaType: "recaptcha_v2",
			SolverService: "2captcha", Success: success, SolveTimeMS: 5000, Cost: 0.003,
		}); err != nil {
			t.Fatalf("seed captcha: %v", err)
		}
	}
}

func TestComparativeRanking(t *testing.T) {
	env := newTestEnv(t)
	seedPlatform(t, env, "nike", 4, 3)    // 0.75
	seedPlatform(t, env, "shopify", 4, 1) // 0.25
	seedPlatform(t, env, "footlocker", 2, 2) // below threshold

	rep, err := env.Gen.Comparative(env.Ctx, []string{"footlocker", "nike", "shopify"}, testWindow)
	if err != nil {
		t.Fatalf("comparative: %v", err)
	}
	if len(rep.Ranking) != 2 || rep.Ranking[0] != "nike" || rep.Ranking[1] != "shopify" {
		t.Fatalf("unexpected ranking: %v", rep.Ranking)
	}
	// The thin platform is still shown, flagged and ranked last.
	last := rep.Platforms[len(rep.Platforms)-1]
	if last.Label != "footlocker" || last.Note != "insufficient data" {
		t.Fatalf("expected footlocker flagged last, got %+v", last)
	}
}

func TestPlatformReportSolverEconomics(t *testing.T) {
	env := newTestEnv(t)
	seedPlatform(t, env, "nike", 4, 2)
	rep, err := env.Gen.Platform(env.Ctx, "nike", testWindow)
	if err != nil {
		t.Fatalf("platform report: %v", err)
	}
	if rep.Overall.Summary.TotalRuns != 4 || rep.Overall.Summary.SuccessRate != 0.5 {
		t.Fatalf("unexpected overall: %+v", rep.Overall)
	}
	if len(rep.Solvers) != 1 {
		t.Fatalf("expected one solver, got %+v", rep.Solvers)
	}
	s := rep.Solvers[0]
	if s.Solver != "2captcha" || s.Attempts != 4 || s.Solved != 2 {
		t.Fatalf("unexpected solver stats: %+v", s)
	}
	if s.SuccessRate != 0.5 || s.CostPerSolve != 0.006 {
		t.Fatalf("unexpected solver economics: %+v", s)
	}
}

func TestDefenseEffectiveness(t *testing.T) {
	env := newTestEnv(t)
	seedPlatform(t, env, "nike", 4, 1)    // block rate 0.75
	seedPlatform(t, env, "shopify", 4, 3) // block rate 0.25
	rep, err := env.Gen.DefenseEffectiveness(env.Ctx, []string{"shopify", "nike"}, testWindow)
	if err != nil {
		t.Fatalf("defense report: %v", err)
	}
	if rep.Platforms[0].Platform != "nike" {
		t.Fatalf("expected nike ranked most effective, got %+v", rep.Platforms)
	}
	nike := rep.Platforms[0]
	if nike.CaptchaRate != 1 || nike.BlockRate != 0.75 {
		t.Fatalf("unexpected defense rates: %+v", nike)
	}
	if nike.CaptchaHoldRate != 0.75 {
		t.Fatalf("expected captcha hold rate 0.75, got %v", nike.CaptchaHoldRate)
	}
}

func TestExportJSONDeterministic(t *testing.T) {
	env := newTestEnv(t)
	seedPlatform(t, env, "nike", 4, 2)
	first, err := env.Gen.Comparative(env.Ctx, []string{"nike"}, testWindow)
	if err != nil {
		t.Fatalf("comparative: %v", err)
	}
	second, err := env.Gen.Comparative(env.Ctx, []string{"nike"}, testWindow)
	if err != nil {
		t.Fatalf("comparative: %v", err)
	}
	a, err := report.ExportJSON(first)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	b, err := report.ExportJSON(second)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("export not deterministic:\n%s\n%s", a, b)
	}
}

func TestExportHTML(t *testing.T) {
	env := newTestEnv(t)
	seedPlatform(t, env, "nike", 4, 2)
	rep, err := env.Gen.Platform(env.Ctx, "nike", testWindow)
	if err != nil {
		t.Fatalf("platform report: %v", err)
	}
	html := rep.ExportHTML()
	for _, want := range []string{"Platform report: nike", "<table", "2captcha"} {
		if !strings.Contains(html, want) {
			t.Fatalf("html missing %q:\n%s", want, html)
		}
	}
	dir := t.TempDir()
	path, err := report.SaveHTML(dir, "nike", html)
	if err != nil {
		t.Fatalf("save html: %v", err)
	}
	if !strings.HasSuffix(path, "nike.html") {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestSaveJSON(t *testing.T) {
	env := newTestEnv(t)
	rep, err := env.Gen.Comparative(env.Ctx, []string{"nike"}, testWindow)
	if err != nil {
		t.Fatalf("comparative: %v", err)
	}
	path, err := report.SaveJSON(t.TempDir(), "comparative", rep)
	if err != nil {
		t.Fatalf("save json: %v", err)
	}
	if !strings.HasSuffix(path, "comparative.json") {
		t.Fatalf("unexpected path %s", path)
	}
}
