package repo

import (
	"context"
	"time"

	"droptrace/internal/domain"
	"droptrace/internal/store"
)

// InsertPurchaseAttempt records one checkout attempt within a run.
func (r *Repo) InsertPurchaseAttempt(ctx context.Context, p domain.PurchaseAttempt) (domain.PurchaseAttempt, error) {
	if ok, err := r.exists(ctx, domain.TableRuns, p.RunID); err != nil {
		return domain.PurchaseAttempt{}, err
	} else if !ok {
		return domain.PurchaseAttempt{}, integrityErr(domain.TableRuns, p.RunID)
	}
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.Now().UTC()
	}
	rec, err := toRecord(p)
	if err != nil {
		return domain.PurchaseAttempt{}, err
	}
	if err := r.Store.Write(ctx, domain.TablePurchaseAttempts, rec); err != nil {
		return domain.PurchaseAttempt{}, err
	}
	return p, nil
}

func (r *Repo) InsertCaptchaAttempt(ctx context.Context, c domain.CaptchaAttempt) (domain.CaptchaAttempt, error) {
	if ok, err := r.exists(ctx, domain.TableRuns, c.RunID); err != nil {
		return domain.CaptchaAttempt{}, err
	} else if !ok {
		return domain.CaptchaAttempt{}, integrityErr(domain.TableRuns, c.RunID)
	}
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.Now().UTC()
	}
	rec, err := toRecord(c)
	if err != nil {
		return domain.CaptchaAttempt{}, err
	}
	if err := r.Store.Write(ctx, domain.TableCaptchaAttempts, rec); err != nil {
		return domain.CaptchaAttempt{}, err
	}
	return c, nil
}

// AttemptFilter narrows captcha and purchase attempt listings.
type AttemptFilter struct {
	Platform string
	RunID    string
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f AttemptFilter) storeFilter() store.Filter {
	sf := store.Filter{
		Eq:        map[string]any{},
		TimeField: "created_at",
		Since:     f.Since,
		Until:     f.Until,
		OrderBy:   "created_at",
		Desc:      true,
		Limit:     f.Limit,
	}
	if f.Platform != "" {
		sf.Eq["platform"] = f.Platform
	}
	if f.RunID != "" {
		sf.Eq["run_id"] = f.RunID
	}
	return sf
}

func (r *Repo) ListCaptchaAttempts(ctx context.Context, f AttemptFilter) ([]domain.CaptchaAttempt, bool, error) {
	res, err := r.Store.Query(ctx, domain.TableCaptchaAttempts, f.storeFilter())
	if err != nil {
		return nil, false, err
	}
	attempts, err := decodeAll[domain.CaptchaAttempt](res.Records)
	return attempts, res.Degraded, err
}

func (r *Repo) ListPurchaseAttempts(ctx context.Context, f AttemptFilter) ([]domain.PurchaseAttempt, bool, error) {
	res, err := r.Store.Query(ctx, domain.TablePurchaseAttempts, f.storeFilter())
	if err != nil {
		return nil, false, err
	}
	attempts, err := decodeAll[domain.PurchaseAttempt](res.Records)
	return attempts, res.Degraded, err
}

// proxyID keys proxy performance by egress point and platform so repeated
// samples accumulate into one record.
func proxyID(address, platform string) string {
	return address + "|" + platform
}

// ProxySample is one measured use of a proxy.
type ProxySample struct {
	Address    string
	Platform   string
	Success    bool
	Detected   bool
	ResponseMS int64
}

// RecordProxySample folds a sample into the proxy's running counters. The
// response-time average is weighted over all samples seen so far.
func (r *Repo) RecordProxySample(ctx context.Context, s ProxySample) error {
	id := proxyID(s.Address, s.Platform)
	now := r.Now().UTC()

	var cur domain.ProxyRecord
	err := r.getOne(ctx, domain.TableProxyPerformance, id, &cur)
	if err == ErrNotFound {
		rec := domain.ProxyRecord{
			ProxyAddress: s.Address,
			Platform:     s.Platform,
			LastTested:   now,
		}
		applySample(&rec, s, now)
		raw, merr := toRecord(rec)
		if merr != nil {
			return merr
		}
		raw["id"] = id
		return r.Store.Write(ctx, domain.TableProxyPerformance, raw)
	}
	if err != nil {
		return err
	}

	applySample(&cur, s, now)
	fields := store.Record{
		"success_count":   cur.SuccessCount,
		"failure_count":   cur.FailureCount,
		"detection_count": cur.DetectionCount,
		"avg_response_ms": cur.AvgResponseMS,
		"last_tested":     now.Format(time.RFC3339Nano),
	}
	if cur.LastSuccess != nil {
		fields["last_success"] = cur.LastSuccess.UTC().Format(time.RFC3339Nano)
	}
	return r.Store.Update(ctx, domain.TableProxyPerformance, id, fields)
}

func applySample(rec *domain.ProxyRecord, s ProxySample, now time.Time) {
	total := int64(rec.SuccessCount + rec.FailureCount)
	if s.ResponseMS > 0 {
		rec.AvgResponseMS = (rec.AvgResponseMS*total + s.ResponseMS) / (total + 1)
	}
	if s.Success {
		rec.SuccessCount++
		rec.LastSuccess = &now
	} else {
		rec.FailureCount++
	}
	if s.Detected {
		rec.DetectionCount++
	}
	rec.LastTested = now
}

func (r *Repo) ListProxyRecords(ctx context.Context, platform string) ([]domain.ProxyRecord, bool, error) {
	f := store.Filter{OrderBy: "proxy_address"}
	if platform != "" {
		f.Eq = map[string]any{"platform": platform}
	}
	res, err := r.Store.Query(ctx, domain.TableProxyPerformance, f)
	if err != nil {
		return nil, false, err
	}
	records, err := decodeAll[domain.ProxyRecord](res.Records)
	return records, res.Degraded, err
}

// InsertPerformanceEvent stores a timing/diagnostic event for a run.
func (r *Repo) InsertPerformanceEvent(ctx context.Context, e domain.PerformanceEvent) (domain.PerformanceEvent, error) {
	if ok, err := r.exists(ctx, domain.TableRuns, e.RunID); err != nil {
		return domain.PerformanceEvent{}, err
	} else if !ok {
		return domain.PerformanceEvent{}, integrityErr(domain.TableRuns, e.RunID)
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.TimestampMS == 0 {
		e.TimestampMS = r.Now().UnixMilli()
	}
	details, err := e.Details.Raw()
	if err != nil {
		return domain.PerformanceEvent{}, err
	}
	rec := store.Record{
		"id":           e.ID,
		"run_id":       e.RunID,
		"event_type":   e.EventType,
		"event_name":   e.EventName,
		"timestamp_ms": e.TimestampMS,
		"details":      details,
	}
	if err := r.Store.Write(ctx, domain.TablePerformanceLogs, rec); err != nil {
		return domain.PerformanceEvent{}, err
	}
	return e, nil
}

func (r *Repo) ListPerformanceEvents(ctx context.Context, runID string) ([]domain.PerformanceEvent, error) {
	res, err := r.Store.Query(ctx, domain.TablePerformanceLogs, store.Filter{
		Eq:      map[string]any{"run_id": runID},
		OrderBy: "timestamp_ms",
	})
	if err != nil {
		return nil, err
	}
	events := make([]domain.PerformanceEvent, 0, len(res.Records))
	for _, rec := range res.Records {
		var e domain.PerformanceEvent
		e.ID, _ = rec["id"].(string)
		e.RunID, _ = rec["run_id"].(string)
		e.EventType, _ = rec["event_type"].(string)
		e.EventName, _ = rec["event_name"].(string)
		if ms, ok := rec["timestamp_ms"].(float64); ok {
			e.TimestampMS = int64(ms)
		}
		if raw, ok := rec["details"].(map[string]any); ok {
			e.Details = domain.DecodeDetails(e.EventType, raw)
		}
		events = append(events, e)
	}
	return events, nil
}

func (r *Repo) InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.SentAt.IsZero() {
		n.SentAt = r.Now().UTC()
	}
	rec, err := toRecord(n)
	if err != nil {
		return domain.Notification{}, err
	}
	if err := r.Store.Write(ctx, domain.TableNotifications, rec); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

func (r *Repo) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	res, err := r.Store.Query(ctx, domain.TableNotifications, store.Filter{
		OrderBy: "sent_at",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeAll[domain.Notification](res.Records)
}
