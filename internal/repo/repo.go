package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"droptrace/internal/domain"
	"droptrace/internal/store"
)

// Repo is the typed persistence layer over the store gateway. IDs are
// generated client-side so a record written during an outage replays into
// the primary store under the same key.
type Repo struct {
	Store *store.Gateway
	Log   *slog.Logger

	Now func() time.Time
}

var (
	ErrNotFound = errors.New("not found")
	// ErrIntegrity marks writes that reference a record that does not exist.
	ErrIntegrity = errors.New("integrity violation")
)

func New(gw *store.Gateway, log *slog.Logger) *Repo {
	return &Repo{Store: gw, Log: log, Now: time.Now}
}

func newID() string {
	return uuid.NewString()
}

// toRecord flattens a domain struct into the generic record shape through
// its json tags, so both backends see identical field names.
func toRecord(v any) (store.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func fromRecord(rec store.Record, dst any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func decodeAll[T any](recs []store.Record) ([]T, error) {
	res := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := fromRecord(rec, &v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func (r *Repo) getOne(ctx context.Context, table string, id string, dst any) error {
	res, err := r.Store.Query(ctx, table, store.Filter{Eq: map[string]any{"id": id}, Limit: 1})
	if err != nil {
		return err
	}
	if len(res.Records) == 0 {
		return ErrNotFound
	}
	return fromRecord(res.Records[0], dst)
}

func (r *Repo) exists(ctx context.Context, table, id string) (bool, error) {
	res, err := r.Store.Query(ctx, table, store.Filter{Eq: map[string]any{"id": id}, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(res.Records) > 0, nil
}

// InsertAccount stores a new account. A missing ID or creation time is
// filled in.
func (r *Repo) InsertAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Status == "" {
		a.Status = "active"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.Now().UTC()
	}
	rec, err := toRecord(a)
	if err != nil {
		return domain.Account{}, err
	}
	if err := r.Store.Write(ctx, domain.TableAccounts, rec); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

func (r *Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	err := r.getOne(ctx, domain.TableAccounts, id, &a)
	return a, err
}

func (r *Repo) ListAccounts(ctx context.Context, platform string) ([]domain.Account, error) {
	f := store.Filter{OrderBy: "created_at"}
	if platform != "" {
		f.Eq = map[string]any{"platform": platform}
	}
	res, err := r.Store.Query(ctx, domain.TableAccounts, f)
	if err != nil {
		return nil, err
	}
	return decodeAll[domain.Account](res.Records)
}

// GetRandomAccount picks one active account for a platform at random, for
// spreading load across the pool.
func (r *Repo) GetRandomAccount(ctx context.Context, platform string) (domain.Account, error) {
	res, err := r.Store.Query(ctx, domain.TableAccounts, store.Filter{
		Eq: map[string]any{"platform": platform, "status": "active"},
	})
	if err != nil {
		return domain.Account{}, err
	}
	accounts, err := decodeAll[domain.Account](res.Records)
	if err != nil {
		return domain.Account{}, err
	}
	if len(accounts) == 0 {
		return domain.Account{}, ErrNotFound
	}
	return accounts[rand.Intn(len(accounts))], nil
}

// UpdateAccountStats bumps the success or failure counter and stamps last
// use. Counters only ever move forward.
func (r *Repo) UpdateAccountStats(ctx context.Context, id string, success bool) error {
	a, err := r.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	now := r.Now().UTC()
	fields := store.Record{"last_used": now.Format(time.RFC3339Nano)}
	if success {
		fields["success_count"] = a.SuccessCount + 1
	} else {
		fields["failure_count"] = a.FailureCount + 1
	}
	return r.Store.Update(ctx, domain.TableAccounts, id, fields)
}

func (r *Repo) SetAccountStatus(ctx context.Context, id, status string) error {
	if ok, err := r.exists(ctx, domain.TableAccounts, id); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return r.Store.Update(ctx, domain.TableAccounts, id, store.Record{"status": status})
}

func integrityErr(table, id string) error {
	return fmt.Errorf("%w: %s %s does not exist", ErrIntegrity, table, id)
}
