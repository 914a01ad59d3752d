package store

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/fire-relay/internal/telemetry"
	"github.com/temoto/fire-relay/log2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS ` + TableName + ` (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	temperature REAL NOT NULL,
	gas INTEGER NOT NULL,
	flame BOOLEAN NOT NULL,
	alarm INTEGER NOT NULL,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
);`

type SQLite struct {
	log  *log2.Log
	pool *sqlitex.Pool
	path string
}

var _ Storer = &SQLite{}

func OpenSQLite(log *log2.Log, path string, poolSize int) (*SQLite, error) {
	if poolSize <= 0 {
		// single writer anyway
		poolSize = 2
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareSQLiteConn,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "sqlite open path=%s", path)
	}
	log.Infof("store sqlite path=%s pool=%d", path, poolSize)
	return &SQLite{log: log, pool: pool, path: path}, nil
}

func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return errors.Annotate(err, p)
		}
	}
	return nil
}

func (s *SQLite) EnsureSchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Annotate(err, "sqlite take")
	}
	defer s.pool.Put(conn)
	return errors.Annotate(sqlitex.ExecuteScript(conn, sqliteSchema, nil), "sqlite create table")
}

func (s *SQLite) Append(ctx context.Context, r telemetry.Record) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Annotate(err, "sqlite take")
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return errors.Annotate(err, "sqlite begin")
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO `+TableName+` (temperature, gas, flame, alarm) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []interface{}{r.Temperature, r.Gas, boolInt(r.Flame), r.Alarm}})
	if err != nil {
		return errors.Annotate(err, "sqlite insert")
	}
	s.log.Debugf("store sqlite id=%d %s", conn.LastInsertRowID(), r.String())
	return nil
}

func (s *SQLite) Recent(ctx context.Context, limit int) ([]telemetry.Row, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "sqlite take")
	}
	defer s.pool.Put(conn)

	limit = limitDefault(limit)
	rows := make([]telemetry.Row, 0, limit)
	err = sqlitex.Execute(conn,
		`SELECT id, temperature, gas, flame, alarm, timestamp FROM `+TableName+` ORDER BY id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, telemetry.Row{
					ID: stmt.ColumnInt64(0),
					Record: telemetry.Record{
						Temperature: stmt.ColumnFloat(1),
						Gas:         stmt.ColumnInt64(2),
						Flame:       stmt.ColumnInt64(3) != 0,
						Alarm:       stmt.ColumnInt64(4),
					},
					Timestamp: stmt.ColumnText(5),
				})
				return nil
			},
		})
	return rows, errors.Annotate(err, "sqlite select")
}

func (s *SQLite) Close() error {
	return errors.Annotatef(s.pool.Close(), "sqlite close path=%s", s.path)
}
