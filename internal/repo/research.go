package repo

import (
	"context"
	"time"

	"droptrace/internal/domain"
	"droptrace/internal/store"
)

// InsertResearchSession opens a named study. Runs join it by carrying the
// session name as their research tag.
func (r *Repo) InsertResearchSession(ctx context.Context, s domain.ResearchSession) (domain.ResearchSession, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	if s.Status == "" {
		s.Status = "active"
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = r.Now().UTC()
	}
	rec, err := toRecord(s)
	if err != nil {
		return domain.ResearchSession{}, err
	}
	if err := r.Store.Write(ctx, domain.TableResearchSessions, rec); err != nil {
		return domain.ResearchSession{}, err
	}
	return s, nil
}

func (r *Repo) GetResearchSession(ctx context.Context, id string) (domain.ResearchSession, error) {
	var s domain.ResearchSession
	err := r.getOne(ctx, domain.TableResearchSessions, id, &s)
	return s, err
}

func (r *Repo) ListResearchSessions(ctx context.Context, status string) ([]domain.ResearchSession, error) {
	f := store.Filter{OrderBy: "started_at", Desc: true}
	if status != "" {
		f.Eq = map[string]any{"status": status}
	}
	res, err := r.Store.Query(ctx, domain.TableResearchSessions, f)
	if err != nil {
		return nil, err
	}
	return decodeAll[domain.ResearchSession](res.Records)
}

// CompleteResearchSession closes a study, counting its runs by tag and
// attaching free-form findings.
func (r *Repo) CompleteResearchSession(ctx context.Context, id, findings string) (domain.ResearchSession, error) {
	s, err := r.GetResearchSession(ctx, id)
	if err != nil {
		return domain.ResearchSession{}, err
	}
	runs, _, err := r.ListRuns(ctx, RunFilter{ResearchTag: s.Name})
	if err != nil {
		return domain.ResearchSession{}, err
	}
	total, ok := len(runs), 0
	for _, run := range runs {
		if run.Success {
			ok++
		}
	}
	now := r.Now().UTC()
	fields := store.Record{
		"status":          "completed",
		"total_runs":      total,
		"successful_runs": ok,
		"failed_runs":     total - ok,
		"completed_at":    now.Format(time.RFC3339Nano),
	}
	if findings != "" {
		fields["findings"] = findings
	}
	if err := r.Store.Update(ctx, domain.TableResearchSessions, id, fields); err != nil {
		return domain.ResearchSession{}, err
	}
	s.Status = "completed"
	s.TotalRuns = total
	s.Successful = ok
	s.Failed = total - ok
	s.Findings = findings
	s.CompletedAt = &now
	return s, nil
}

// metricID keys one snapshot per platform, bot type and day.
func metricID(platform, botType, date string) string {
	return platform + "|" + botType + "|" + date
}

// UpsertAnalyticsMetric stores a derived rate snapshot, replacing any
// previous snapshot for the same platform, bot type and day.
func (r *Repo) UpsertAnalyticsMetric(ctx context.Context, m domain.AnalyticsMetric) error {
	id := metricID(m.Platform, m.BotType, m.MetricDate)
	if m.ComputedAt.IsZero() {
		m.ComputedAt = r.Now().UTC()
	}
	rec, err := toRecord(m)
	if err != nil {
		return err
	}
	rec["id"] = id
	if ok, err := r.exists(ctx, domain.TableAnalyticsMetrics, id); err != nil {
		return err
	} else if ok {
		delete(rec, "id")
		return r.Store.Update(ctx, domain.TableAnalyticsMetrics, id, rec)
	}
	return r.Store.Write(ctx, domain.TableAnalyticsMetrics, rec)
}

// MetricFilter narrows analytics snapshot listings by dimension and date.
type MetricFilter struct {
	Platform string
	BotType  string
	Date     string
}

func (r *Repo) ListAnalyticsMetrics(ctx context.Context, f MetricFilter) ([]domain.AnalyticsMetric, error) {
	sf := store.Filter{Eq: map[string]any{}, OrderBy: "metric_date", Desc: true}
	if f.Platform != "" {
		sf.Eq["platform"] = f.Platform
	}
	if f.BotType != "" {
		sf.Eq["bot_type"] = f.BotType
	}
	if f.Date != "" {
		sf.Eq["metric_date"] = f.Date
	}
	res, err := r.Store.Query(ctx, domain.TableAnalyticsMetrics, sf)
	if err != nil {
		return nil, err
	}
	return decodeAll[domain.AnalyticsMetric](res.Records)
}
