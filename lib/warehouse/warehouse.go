package warehouse

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Record is one price observation for a catalog item, flat and
// append-only. The warehouse may deduplicate; delivery here is
// at-least-once.
type Record struct {
	CategoryID     int64     `json:"category_id"`
	GroupID        int64     `json:"group_id"`
	ProductID      int64     `json:"product_id"`
	SubTypeName    string    `json:"sub_type_name"`
	LowPrice       float64   `json:"low_price"`
	MidPrice       float64   `json:"mid_price"`
	HighPrice      float64   `json:"high_price"`
	MarketPrice    float64   `json:"market_price"`
	DirectLowPrice float64   `json:"direct_low_price"`
	ObservedAt     time.Time `json:"observed_at"`
}

// Loader is the bulk-load interface of the destination warehouse.
type Loader interface {
	LoadBatch(ctx context.Context, records []Record) error
}

const schema = `
CREATE TABLE IF NOT EXISTS price_observations (
    category_id INTEGER NOT NULL,
    group_id INTEGER NOT NULL,
    product_id INTEGER NOT NULL,
    sub_type_name TEXT NOT NULL DEFAULT '',
    low_price REAL NOT NULL DEFAULT 0,
    mid_price REAL NOT NULL DEFAULT 0,
    high_price REAL NOT NULL DEFAULT 0,
    market_price REAL NOT NULL DEFAULT 0,
    direct_low_price REAL NOT NULL DEFAULT 0,
    observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS price_observations_by_product
    ON price_observations (product_id, observed_at);
`

// SqliteLoader appends batches into a local sqlite warehouse table.
type SqliteLoader struct {
	db *sql.DB
}

func NewSqliteLoader(database *sql.DB) (*SqliteLoader, error) {
	_, err := database.Exec(schema)
	if err != nil {
		return nil, err
	}
	return &SqliteLoader{db: database}, nil
}

func OpenSqliteLoader(path string) (*SqliteLoader, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	loader, err := NewSqliteLoader(database)
	if err != nil {
		database.Close()
		return nil, err
	}
	return loader, nil
}

func (l *SqliteLoader) LoadBatch(ctx context.Context, records []Record) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_observations
		 (category_id, group_id, product_id, sub_type_name,
		  low_price, mid_price, high_price, market_price, direct_low_price,
		  observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		_, err = stmt.ExecContext(ctx,
			r.CategoryID, r.GroupID, r.ProductID, r.SubTypeName,
			r.LowPrice, r.MidPrice, r.HighPrice, r.MarketPrice, r.DirectLowPrice,
			r.ObservedAt.Unix(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (l *SqliteLoader) Close() error {
	return l.db.Close()
}
