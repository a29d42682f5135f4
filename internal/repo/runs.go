package repo

import (
	"context"
	"errors"
	"time"

	"droptrace/internal/domain"
	"droptrace/internal/store"
)

// InsertSession opens a browsing session for an account. The account must
// exist; sessions recorded against unknown accounts are refused.
func (r *Repo) InsertSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	if _, err := r.GetAccount(ctx, s.AccountID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.Session{}, integrityErr(domain.TableAccounts, s.AccountID)
		}
		return domain.Session{}, err
	}
	if s.ID == "" {
		s.ID = newID()
	}
	if s.Status == "" {
		s.Status = "active"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.Now().UTC()
	}
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = s.CreatedAt.Add(30 * time.Minute)
	}
	rec, err := toRecord(s)
	if err != nil {
		return domain.Session{}, err
	}
	if err := r.Store.Write(ctx, domain.TableSessions, rec); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func (r *Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.getOne(ctx, domain.TableSessions, id, &s)
	return s, err
}

func (r *Repo) UpdateSessionStatus(ctx context.Context, id, status string) error {
	return r.Store.Update(ctx, domain.TableSessions, id, store.Record{"status": status})
}

// ExpireSessions marks sessions past their deadline as expired and returns
// how many were flipped.
func (r *Repo) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := r.Store.Query(ctx, domain.TableSessions, store.Filter{
		Eq:        map[string]any{"status": "active"},
		TimeField: "expires_at",
		Until:     now,
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, rec := range res.Records {
		id, ok := rec["id"].(string)
		if !ok {
			continue
		}
		if err := r.UpdateSessionStatus(ctx, id, "expired"); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// InsertRun records a started run. The owning session must exist.
func (r *Repo) InsertRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	if ok, err := r.exists(ctx, domain.TableSessions, run.SessionID); err != nil {
		return domain.Run{}, err
	} else if !ok {
		return domain.Run{}, integrityErr(domain.TableSessions, run.SessionID)
	}
	if run.ID == "" {
		run.ID = newID()
	}
	if run.Status == "" {
		run.Status = "pending"
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = r.Now().UTC()
	}
	rec, err := toRecord(run)
	if err != nil {
		return domain.Run{}, err
	}
	if err := r.Store.Write(ctx, domain.TableRuns, rec); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (r *Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	var run domain.Run
	err := r.getOne(ctx, domain.TableRuns, id, &run)
	return run, err
}

// RunCompletion carries everything a terminal run record needs.
type RunCompletion struct {
	Status       string
	Success      bool
	CompletedAt  time.Time
	DurationMS   int64
	ErrorMessage string
	Flags        domain.RunFlags
}

// FinishRun writes the terminal record for a run.
func (r *Repo) FinishRun(ctx context.Context, id string, c RunCompletion) error {
	flags, err := toRecord(c.Flags)
	if err != nil {
		return err
	}
	fields := store.Record{
		"status":       c.Status,
		"success":      c.Success,
		"completed_at": c.CompletedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":  c.DurationMS,
		"flags":        map[string]any(flags),
	}
	if c.ErrorMessage != "" {
		fields["error_message"] = c.ErrorMessage
	}
	return r.Store.Update(ctx, domain.TableRuns, id, fields)
}

// RunFilter narrows run listings. Zero values mean "any".
type RunFilter struct {
	Platform    string
	BotType     string
	AccountID   string
	ResearchTag string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// ListRuns returns matching runs plus whether the rows came from the
// fallback log during an outage.
func (r *Repo) ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, bool, error) {
	sf := store.Filter{
		Eq:        map[string]any{},
		TimeField: "started_at",
		Since:     f.Since,
		Until:     f.Until,
		OrderBy:   "started_at",
		Desc:      true,
		Limit:     f.Limit,
	}
	if f.Platform != "" {
		sf.Eq["platform"] = f.Platform
	}
	if f.BotType != "" {
		sf.Eq["bot_type"] = f.BotType
	}
	if f.AccountID != "" {
		sf.Eq["account_id"] = f.AccountID
	}
	if f.ResearchTag != "" {
		sf.Eq["research_tag"] = f.ResearchTag
	}
	res, err := r.Store.Query(ctx, domain.TableRuns, sf)
	if err != nil {
		return nil, false, err
	}
	runs, err := decodeAll[domain.Run](res.Records)
	if err != nil {
		return nil, false, err
	}
	return runs, res.Degraded, nil
}
