// Package metrics derives rate snapshots from raw run records. Snapshots
// are recomputable at any time; materialized rows are a cache, never the
// source of truth.
package metrics

import (
	"context"
	"log/slog"
	"math"
	"time"

	"droptrace/internal/domain"
	"droptrace/internal/repo"
)

type Aggregator struct {
	Repo *repo.Repo
	Log  *slog.Logger

	Now func() time.Time
}

func New(r *repo.Repo, log *slog.Logger) *Aggregator {
	return &Aggregator{Repo: r, Log: log, Now: time.Now}
}

// Summary is an aggregate over a set of runs. All rates are in [0,1],
// rounded to two decimals, and zero when their denominator is zero.
type Summary struct {
	TotalRuns          int     `json:"total_runs"`
	Successful         int     `json:"successful_runs"`
	Failed             int     `json:"failed_runs"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationMS      int64   `json:"avg_duration_ms"`
	CaptchaRequired    int     `json:"captcha_required_runs"`
	CaptchaSolved      int     `json:"captcha_solved_runs"`
	CaptchaSuccessRate float64 `json:"captcha_success_rate"`
	QueueDetected      int     `json:"queue_detected_runs"`
	DetectionTriggered int     `json:"detection_triggered_runs"`
	DetectionRate      float64 `json:"detection_rate"`
	Degraded           bool    `json:"degraded,omitempty"`
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// rate returns num/den rounded to two decimals, zero for an empty
// denominator.
func rate(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return round2(float64(num) / float64(den))
}

func summarize(runs []domain.Run) Summary {
	var s Summary
	var durTotal int64
	var durCount int64
	for _, run := range runs {
		s.TotalRuns++
		if run.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		if run.DurationMS != nil {
			durTotal += *run.DurationMS
			durCount++
		}
		if run.Flags.CaptchaRequired {
			s.CaptchaRequired++
			if run.Flags.CaptchaSolved {
				s.CaptchaSolved++
			}
		}
		if run.Flags.QueueDetected {
			s.QueueDetected++
		}
		if run.Flags.DetectionTriggered {
			s.DetectionTriggered++
		}
	}
	s.SuccessRate = rate(s.Successful, s.TotalRuns)
	s.CaptchaSuccessRate = rate(s.CaptchaSolved, s.CaptchaRequired)
	s.DetectionRate = rate(s.DetectionTriggered, s.TotalRuns)
	if durCount > 0 {
		s.AvgDurationMS = durTotal / durCount
	}
	return s
}

// Summarize aggregates runs matching the filter. The Degraded flag is set
// when the rows came from the fallback log during a primary outage.
func (a *Aggregator) Summarize(ctx context.Context, f repo.RunFilter) (Summary, error) {
	runs, degraded, err := a.Repo.ListRuns(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	s := summarize(runs)
	s.Degraded = degraded
	return s, nil
}

// Compute derives the daily snapshot for one platform and bot type. The day
// is taken in UTC.
func (a *Aggregator) Compute(ctx context.Context, platform, botType string, day time.Time) (domain.AnalyticsMetric, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	runs, _, err := a.Repo.ListRuns(ctx, repo.RunFilter{
		Platform: platform,
		BotType:  botType,
		Since:    dayStart,
		Until:    dayStart.Add(24 * time.Hour),
	})
	if err != nil {
		return domain.AnalyticsMetric{}, err
	}
	s := summarize(runs)
	return domain.AnalyticsMetric{
		Platform:           platform,
		BotType:            botType,
		MetricDate:         dayStart.Format("2006-01-02"),
		TotalAttempts:      s.TotalRuns,
		SuccessfulAttempts: s.Successful,
		FailedAttempts:     s.Failed,
		AvgDurationMS:      s.AvgDurationMS,
		SuccessRate:        s.SuccessRate,
		CaptchaSuccessRate: s.CaptchaSuccessRate,
		DetectionRate:      s.DetectionRate,
		ComputedAt:         a.Now().UTC(),
	}, nil
}

// Materialize recomputes and stores the daily snapshot, replacing any
// previous snapshot for the same key.
func (a *Aggregator) Materialize(ctx context.Context, platform, botType string, day time.Time) (domain.AnalyticsMetric, error) {
	m, err := a.Compute(ctx, platform, botType, day)
	if err != nil {
		return domain.AnalyticsMetric{}, err
	}
	if err := a.Repo.UpsertAnalyticsMetric(ctx, m); err != nil {
		return domain.AnalyticsMetric{}, err
	}
	a.Log.Info("analytics snapshot materialized",
		"platform", platform, "bot_type", botType, "date", m.MetricDate,
		"total", m.TotalAttempts, "success_rate", m.SuccessRate)
	return m, nil
}

// MaterializeAll refreshes snapshots for every (platform, bot type) pair
// seen in the day's runs.
func (a *Aggregator) MaterializeAll(ctx context.Context, day time.Time) ([]domain.AnalyticsMetric, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	runs, _, err := a.Repo.ListRuns(ctx, repo.RunFilter{
		Since: dayStart,
		Until: dayStart.Add(24 * time.Hour),
	})
	if err != nil {
		return nil, err
	}
	type key struct{ platform, botType string }
	seen := map[key]bool{}
	var out []domain.AnalyticsMetric
	for _, run := range runs {
		k := key{run.Platform, run.BotType}
		if seen[k] {
			continue
		}
		seen[k] = true
		m, err := a.Materialize(ctx, k.platform, k.botType, dayStart)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
