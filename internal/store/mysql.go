// Package store is the client for the relational store,
// grounded on models/recorder's Repo/ConversationRecord GORM model and
// infrastructures/db/mysql's connection-pool setup, adapted from
// "insert, skip on conflict" to a true idempotent upsert.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cellsync/internal/cell"
)

// StoredCellRow is the GORM model backing the relational store's single
// table.
type StoredCellRow struct {
	RowNum    int       `gorm:"column:row_num;primaryKey"`
	ColName   string    `gorm:"column:col_name;primaryKey;type:varchar(2)"`
	CellValue *string   `gorm:"column:cell_value;type:text"`
	Origin    string    `gorm:"column:origin;type:varchar(32);not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:datetime(3)"`
	CreatedAt time.Time `gorm:"column:created_at;type:datetime(3)"`
}

// TableName pins the table name rather than relying on GORM's pluralization.
func (StoredCellRow) TableName() string {
	return "cell_store"
}

// Options configures the underlying *gorm.DB connection pool.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdle     time.Duration
	ConnMaxLifetime time.Duration
}

// Client is the Relational Store Client.
type Client struct {
	db *gorm.DB
}

// Open connects to MySQL and tunes the pool, mirroring
// infrastructures/db/mysql.Open.
func Open(opts Options) (*Client, error) {
	db, err := gorm.Open(mysql.Open(opts.DSN), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying sql.DB unavailable: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxIdle > 0 {
		sqlDB.SetConnMaxIdleTime(opts.ConnMaxIdle)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	return &Client{db: db}, nil
}

// NewFromDB wraps an already-open *gorm.DB, such as one opened on another
// dialector.
func NewFromDB(db *gorm.DB) *Client {
	return &Client{db: db}
}

// Ping is a cheap liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ErrOffline classifies a connectivity failure (connection refused,
// timeout, reset, lost) as distinct from a programmer/constraint error;
// only ErrOffline triggers degraded-mode paths.
var ErrOffline = errors.New("store: offline")

// Classify maps a native GORM/driver error into offline vs. other.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if isConnectivityErr(err) {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return err
}

func isConnectivityErr(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"connection refused", "i/o timeout", "broken pipe",
		"connection reset", "EOF", "bad connection", "driver: bad connection",
		"invalid connection",
	} {
		if containsFold(msg, marker) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ReadAll returns every stored cell, ordered by (row_num, col_name) for a
// deterministic full-table scan.
func (c *Client) ReadAll(ctx context.Context) ([]cell.StoredCell, error) {
	var rows []StoredCellRow
	err := c.db.WithContext(ctx).Order("row_num, col_name").Find(&rows).Error
	if err != nil {
		return nil, Classify(err)
	}

	out := make([]cell.StoredCell, 0, len(rows))
	for _, r := range rows {
		addr, err := cell.NewAddress(r.RowNum, r.ColName[0])
		if err != nil {
			continue // defensive: row outside addressable range, skip rather than fail the whole scan
		}
		origin, err := cell.ParseOrigin(r.Origin)
		if err != nil {
			continue
		}
		val := ""
		if r.CellValue != nil {
			val = *r.CellValue
		}
		out = append(out, cell.StoredCell{
			Address:   addr,
			Value:     cell.Value(val),
			Origin:    origin,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

// Upsert idempotently writes a cell by address uniqueness: insert if
// absent, overwrite value/origin/updated_at on conflict.
func (c *Client) Upsert(ctx context.Context, addr cell.Address, value cell.Value, origin cell.Origin) error {
	val := string(value)
	row := StoredCellRow{
		RowNum:    addr.Row,
		ColName:   string(addr.Col),
		CellValue: &val,
		Origin:    origin.String(),
		UpdatedAt: time.Now(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "row_num"}, {Name: "col_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"cell_value", "origin", "updated_at"}),
	}).Create(&row).Error
	return Classify(err)
}

// Delete removes the row at addr; deleting an absent address is not an
// error, matching the upsert's idempotence requirement.
func (c *Client) Delete(ctx context.Context, addr cell.Address) error {
	err := c.db.WithContext(ctx).
		Where("row_num = ? AND col_name = ?", addr.Row, string(addr.Col)).
		Delete(&StoredCellRow{}).Error
	return Classify(err)
}

// UpdateOriginIfNotRemote conditionally rewrites a cell's origin to
// "remote", used after a successful outbound push. It is a no-op if the
// row is already origin=remote or absent.
func (c *Client) UpdateOriginIfNotRemote(ctx context.Context, addr cell.Address) error {
	err := c.db.WithContext(ctx).Model(&StoredCellRow{}).
		Where("row_num = ? AND col_name = ? AND origin <> ?", addr.Row, string(addr.Col), cell.OriginRemote.String()).
		Updates(map[string]interface{}{
			"origin":     cell.OriginRemote.String(),
			"updated_at": time.Now(),
		}).Error
	return Classify(err)
}

// PoolStats mirrors sql.DBStats for health-check/metrics reporting.
type PoolStats struct {
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
	WaitDuration    time.Duration
}

// Stats returns the current connection pool statistics.
func (c *Client) Stats() (PoolStats, error) {
	sqlDB, err := c.db.DB()
	if err != nil {
		return PoolStats{}, err
	}
	s := sqlDB.Stats()
	return PoolStats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
		WaitDuration:    s.WaitDuration,
	}, nil
}
