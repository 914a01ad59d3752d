package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
	"github.com/lib/pq"
	"github.com/temoto/fire-relay/internal/telemetry"
	"github.com/temoto/fire-relay/log2"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	id BIGSERIAL PRIMARY KEY,
	temperature DOUBLE PRECISION NOT NULL,
	gas BIGINT NOT NULL,
	flame BOOLEAN NOT NULL,
	alarm BIGINT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const timestampLayout = "2006-01-02 15:04:05"

type Postgres struct {
	db  *sql.DB
	log *log2.Log
}

var _ Storer = &Postgres{}

func OpenPostgres(ctx context.Context, log *log2.Log, dsn string, poolSize int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "postgres open")
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, annotatePq(err, "postgres ping")
	}
	log.Infof("store postgres connected pool=%d", poolSize)
	return &Postgres{db: db, log: log}, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, postgresSchema)
	return annotatePq(err, "postgres create table")
}

// Append is single autocommit INSERT, atomic by itself.
func (p *Postgres) Append(ctx context.Context, r telemetry.Record) error {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO `+TableName+` (temperature, gas, flame, alarm) VALUES ($1, $2, $3, $4) RETURNING id`,
		r.Temperature, r.Gas, r.Flame, r.Alarm).Scan(&id)
	if err != nil {
		return annotatePq(err, "postgres insert")
	}
	p.log.Debugf("store postgres id=%d %s", id, r.String())
	return nil
}

func (p *Postgres) Recent(ctx context.Context, limit int) ([]telemetry.Row, error) {
	limit = limitDefault(limit)
	rs, err := p.db.QueryContext(ctx,
		`SELECT id, temperature, gas, flame, alarm, timestamp FROM `+TableName+` ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, annotatePq(err, "postgres select")
	}
	defer rs.Close()

	rows := make([]telemetry.Row, 0, limit)
	for rs.Next() {
		var row telemetry.Row
		var ts time.Time
		if err = rs.Scan(&row.ID, &row.Temperature, &row.Gas, &row.Flame, &row.Alarm, &ts); err != nil {
			return nil, annotatePq(err, "postgres scan")
		}
		row.Timestamp = ts.UTC().Format(timestampLayout)
		rows = append(rows, row)
	}
	return rows, annotatePq(rs.Err(), "postgres rows")
}

func (p *Postgres) Close() error { return errors.Annotate(p.db.Close(), "postgres close") }

func annotatePq(err error, msg string) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return errors.Annotatef(err, "%s code=%s(%s)", msg, pqErr.Code, pqErr.Code.Name())
	}
	return errors.Annotate(err, msg)
}
