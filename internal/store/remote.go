package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Remote is the primary structured store, reached over Postgres. Table
// schemas are provisioned by the research configuration, not by this code.
type Remote struct {
	db *gorm.DB
}

// OpenRemote connects to the primary store. The connection itself is lazy;
// reachability is probed per call, so a down primary does not block startup.
func OpenRemote(dsn string) (*Remote, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open primary store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetConnMaxIdleTime(time.Minute)
	return &Remote{db: db}, nil
}

func (r *Remote) Insert(ctx context.Context, table string, rec Record) error {
	return r.db.WithContext(ctx).Table(table).Create(map[string]any(rec)).Error
}

func (r *Remote) InsertIfAbsent(ctx context.Context, table string, rec Record) (bool, error) {
	res := r.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(map[string]any(rec))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Remote) Update(ctx context.Context, table, id string, fields Record) error {
	return r.db.WithContext(ctx).Table(table).
		Where("id = ?", id).
		Updates(map[string]any(fields)).Error
}

func (r *Remote) Query(ctx context.Context, table string, f Filter) ([]Record, error) {
	q := r.db.WithContext(ctx).Table(table)
	for k, v := range f.Eq {
		q = q.Where(fmt.Sprintf("%s = ?", k), v)
	}
	if f.TimeField != "" {
		if !f.Since.IsZero() {
			q = q.Where(fmt.Sprintf("%s >= ?", f.TimeField), f.Since)
		}
		if !f.Until.IsZero() {
			q = q.Where(fmt.Sprintf("%s < ?", f.TimeField), f.Until)
		}
	}
	if f.OrderBy != "" {
		q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: f.OrderBy}, Desc: f.Desc})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []map[string]any
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record(row))
	}
	return out, nil
}

func (r *Remote) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Remote) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
