// Package report composes research reports over recorded runs: per-platform
// breakdowns, comparative rankings across platforms and bot types, captcha
// solver economics, and defense effectiveness.
package report

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"droptrace/internal/metrics"
	"droptrace/internal/repo"
)

// DefaultSampleThreshold is the minimum run count before a report cell is
// considered statistically meaningful.
const DefaultSampleThreshold = 10

const noteInsufficient = "insufficient data"

type Generator struct {
	Repo *repo.Repo
	Agg  *metrics.Aggregator
	Log  *slog.Logger

	// SampleThreshold below which a cell reads "insufficient data".
	SampleThreshold int
	Now             func() time.Time
}

func New(r *repo.Repo, agg *metrics.Aggregator, log *slog.Logger) *Generator {
	return &Generator{
		Repo:            r,
		Agg:             agg,
		Log:             log,
		SampleThreshold: DefaultSampleThreshold,
		Now:             time.Now,
	}
}

// Window is the reporting period, half-open [Since, Until).
type Window struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Cell is one labeled aggregate in a report. Note carries "insufficient
// data" when the sample is below the threshold.
type Cell struct {
	Label   string          `json:"label"`
	Summary metrics.Summary `json:"summary"`
	Note    string          `json:"note,omitempty"`
}

func (g *Generator) cell(label string, s metrics.Summary) Cell {
	c := Cell{Label: label, Summary: s}
	if s.TotalRuns < g.SampleThreshold {
		c.Note = noteInsufficient
	}
	return c
}

// rankCells orders cells best-first by success rate, breaking ties by
// sample size and then label so the output is deterministic. Cells without
// enough data sort last.
func rankCells(cells []Cell) {
	sort.SliceStable(cells, func(i, j int) bool {
		a, b := cells[i], cells[j]
		if (a.Note == "") != (b.Note == "") {
			return a.Note == ""
		}
		if a.Summary.SuccessRate != b.Summary.SuccessRate {
			return a.Summary.SuccessRate > b.Summary.SuccessRate
		}
		if a.Summary.TotalRuns != b.Summary.TotalRuns {
			return a.Summary.TotalRuns > b.Summary.TotalRuns
		}
		return a.Label < b.Label
	})
}

// SolverStats is the captcha economics of one solver service.
type SolverStats struct {
	Solver         string  `json:"solver"`
	Attempts       int     `json:"attempts"`
	Solved         int     `json:"solved"`
	SuccessRate    float64 `json:"success_rate"`
	AvgSolveTimeMS int64   `json:"avg_solve_time_ms"`
	TotalCost      float64 `json:"total_cost"`
	CostPerSolve   float64 `json:"cost_per_solve"`
	Note           string  `json:"note,omitempty"`
}

// PlatformReport is the full picture for one platform over a window.
type PlatformReport struct {
	Platform    string        `json:"platform"`
	Window      Window        `json:"window"`
	Overall     Cell          `json:"overall"`
	BotTypes    []Cell        `json:"bot_types"`
	Solvers     []SolverStats `json:"solvers"`
	Degraded    bool          `json:"degraded,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// ComparativeReport ranks platforms against each other.
type ComparativeReport struct {
	Window      Window    `json:"window"`
	Platforms   []Cell    `json:"platforms"`
	Ranking     []string  `json:"ranking"`
	Degraded    bool      `json:"degraded,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// AttackVectorReport compares bot approaches across all platforms and
// breaks down captcha solver economics.
type AttackVectorReport struct {
	Window      Window        `json:"window"`
	BotTypes    []Cell        `json:"bot_types"`
	Solvers     []SolverStats `json:"solvers"`
	Degraded    bool          `json:"degraded,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// DefenseCell measures how one platform's defenses bite.
type DefenseCell struct {
	Platform        string  `json:"platform"`
	TotalRuns       int     `json:"total_runs"`
	CaptchaRate     float64 `json:"captcha_rate"`
	CaptchaHoldRate float64 `json:"captcha_hold_rate"`
	QueueRate       float64 `json:"queue_rate"`
	DetectionRate   float64 `json:"detection_rate"`
	BlockRate       float64 `json:"block_rate"`
	Note            string  `json:"note,omitempty"`
}

// DefenseReport rates platform defenses by how often they stop runs.
type DefenseReport struct {
	Window      Window        `json:"window"`
	Platforms   []DefenseCell `json:"platforms"`
	Degraded    bool          `json:"degraded,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Platform builds the report for one platform.
func (g *Generator) Platform(ctx context.Context, platform string, w Window) (PlatformReport, error) {
	overall, err := g.Agg.Summarize(ctx, repo.RunFilter{Platform: platform, Since: w.Since, Until: w.Until})
	if err != nil {
		return PlatformReport{}, err
	}
	botCells, degraded, err := g.botTypeCells(ctx, platform, w)
	if err != nil {
		return PlatformReport{}, err
	}
	solvers, sdeg, err := g.solverStats(ctx, platform, w)
	if err != nil {
		return PlatformReport{}, err
	}
	return PlatformReport{
		Platform:    platform,
		Window:      w,
		Overall:     g.cell(platform, overall),
		BotTypes:    botCells,
		Solvers:     solvers,
		Degraded:    overall.Degraded || degraded || sdeg,
		GeneratedAt: g.Now().UTC(),
	}, nil
}

// Comparative ranks the given platforms over the window. Platforms with
// too small a sample appear in the cells but not in the ranking.
func (g *Generator) Comparative(ctx context.Context, platforms []string, w Window) (ComparativeReport, error) {
	rep := ComparativeReport{Window: w, GeneratedAt: g.Now().UTC()}
	for _, p := range platforms {
		sum, err := g.Agg.Summarize(ctx, repo.RunFilter{Platform: p, Since: w.Since, Until: w.Until})
		if err != nil {
			return ComparativeReport{}, err
		}
		rep.Degraded = rep.Degraded || sum.Degraded
		rep.Platforms = append(rep.Platforms, g.cell(p, sum))
	}
	rankCells(rep.Platforms)
	for _, c := range rep.Platforms {
		if c.Note == "" {
			rep.Ranking = append(rep.Ranking, c.Label)
		}
	}
	return rep, nil
}

// AttackVectors compares bot types over the window across all platforms.
func (g *Generator) AttackVectors(ctx context.Context, w Window) (AttackVectorReport, error) {
	cells, degraded, err := g.botTypeCells(ctx, "", w)
	if err != nil {
		return AttackVectorReport{}, err
	}
	solvers, sdeg, err := g.solverStats(ctx, "", w)
	if err != nil {
		return AttackVectorReport{}, err
	}
	return AttackVectorReport{
		Window:      w,
		BotTypes:    cells,
		Solvers:     solvers,
		Degraded:    degraded || sdeg,
		GeneratedAt: g.Now().UTC(),
	}, nil
}

// DefenseEffectiveness rates each platform's defenses over the window.
func (g *Generator) DefenseEffectiveness(ctx context.Context, platforms []string, w Window) (DefenseReport, error) {
	rep := DefenseReport{Window: w, GeneratedAt: g.Now().UTC()}
	for _, p := range platforms {
		sum, err := g.Agg.Summarize(ctx, repo.RunFilter{Platform: p, Since: w.Since, Until: w.Until})
		if err != nil {
			return DefenseReport{}, err
		}
		rep.Degraded = rep.Degraded || sum.Degraded
		cell := DefenseCell{
			Platform:      p,
			TotalRuns:     sum.TotalRuns,
			DetectionRate: sum.DetectionRate,
		}
		if sum.TotalRuns > 0 {
			cell.CaptchaRate = round2(float64(sum.CaptchaRequired) / float64(sum.TotalRuns))
			cell.QueueRate = round2(float64(sum.QueueDetected) / float64(sum.TotalRuns))
			cell.BlockRate = round2(float64(sum.Failed) / float64(sum.TotalRuns))
		}
		if sum.CaptchaRequired > 0 {
			// Share of captcha challenges the bots could not get past.
			cell.CaptchaHoldRate = round2(float64(sum.CaptchaRequired-sum.CaptchaSolved) / float64(sum.CaptchaRequired))
		}
		if sum.TotalRuns < g.SampleThreshold {
			cell.Note = noteInsufficient
		}
		rep.Platforms = append(rep.Platforms, cell)
	}
	sort.SliceStable(rep.Platforms, func(i, j int) bool {
		a, b := rep.Platforms[i], rep.Platforms[j]
		if a.BlockRate != b.BlockRate {
			return a.BlockRate > b.BlockRate
		}
		return a.Platform < b.Platform
	})
	return rep, nil
}

func (g *Generator) botTypeCells(ctx context.Context, platform string, w Window) ([]Cell, bool, error) {
	runs, degraded, err := g.Repo.ListRuns(ctx, repo.RunFilter{Platform: platform, Since: w.Since, Until: w.Until})
	if err != nil {
		return nil, false, err
	}
	types := map[string]bool{}
	for _, run := range runs {
		types[run.BotType] = true
	}
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	var cells []Cell
	for _, name := range names {
		sum, err := g.Agg.Summarize(ctx, repo.RunFilter{Platform: platform, BotType: name, Since: w.Since, Until: w.Until})
		if err != nil {
			return nil, false, err
		}
		degraded = degraded || sum.Degraded
		cells = append(cells, g.cell(name, sum))
	}
	rankCells(cells)
	return cells, degraded, nil
}

func (g *Generator) solverStats(ctx context.Context, platform string, w Window) ([]SolverStats, bool, error) {
	attempts, degraded, err := g.Repo.ListCaptchaAttempts(ctx, repo.AttemptFilter{Platform: platform, Since: w.Since, Until: w.Until})
	if err != nil {
		return nil, false, err
	}
	type acc struct {
		attempts  int
		solved    int
		solveTime int64
		cost      float64
	}
	bySolver := map[string]*acc{}
	for _, a := range attempts {
		s := bySolver[a.SolverService]
		if s == nil {
			s = &acc{}
			bySolver[a.SolverService] = s
		}
		s.attempts++
		s.cost += a.Cost
		if a.Success {
			s.solved++
			s.solveTime += a.SolveTimeMS
		}
	}
	names := make([]string, 0, len(bySolver))
	for name := range bySolver {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []SolverStats
	for _, name := range names {
		a := bySolver[name]
		st := SolverStats{
			Solver:    name,
			Attempts:  a.attempts,
			Solved:    a.solved,
			TotalCost: round2(a.cost),
		}
		if a.attempts > 0 {
			st.SuccessRate = round2(float64(a.solved) / float64(a.attempts))
		}
		if a.solved > 0 {
			st.AvgSolveTimeMS = a.solveTime / int64(a.solved)
			st.CostPerSolve = round2(a.cost / float64(a.solved))
		}
		if a.attempts < g.SampleThreshold {
			st.Note = noteInsufficient
		}
		out = append(out, st)
	}
	return out, degraded, nil
}
