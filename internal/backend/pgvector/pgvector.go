// Package pgvector runs queries against a PostgreSQL table indexed with the
// pgvector HNSW access method.
package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"annbench/internal/backend"
	"annbench/internal/recall"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

func init() {
	backend.Register("pgvector", New)
}

type ConnConfig struct {
	PGHost     string
	PGPort     string
	PGUser     string
	PGPass     string
	PGDatabase string
	PGSSLMode  string
}

// ConnConfigFromEnv reads the libpq style PG* environment variables.
func ConnConfigFromEnv() ConnConfig {
	return ConnConfig{
		PGHost:     os.Getenv("PGHOST"),
		PGPort:     os.Getenv("PGPORT"),
		PGUser:     os.Getenv("PGUSER"),
		PGPass:     os.Getenv("PGPASSWORD"),
		PGDatabase: os.Getenv("PGDATABASE"),
		PGSSLMode:  os.Getenv("PGSSLMODE"),
	}
}

func (cfg *ConnConfig) ConnString() string {
	if cfg.PGHost == "" {
		return ""
	}

	params := []struct{ key, value string }{
		{"host", cfg.PGHost},
		{"port", cfg.PGPort},
		{"user", cfg.PGUser},
		{"password", cfg.PGPass},
		{"dbname", cfg.PGDatabase},
		{"sslmode", cfg.PGSSLMode},
	}

	var parts []string
	for _, p := range params {
		if p.value == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", p.key, p.value))
	}
	return strings.Join(parts, " ")
}

func OpenDB(connstr string) (*sql.DB, error) {
	if connstr == "" {
		return nil, errors.New("No DB endpoint configured")
	}
	return sql.Open("postgres", connstr)
}

type PGVector struct {
	cfg   backend.Config
	db    *sql.DB
	table string
	op    string
	ops   string
}

func New(ctx context.Context, cfg backend.Config) (backend.Searcher, error) {
	connstr := cfg.Address
	if connstr == "" {
		env := ConnConfigFromEnv()
		connstr = env.ConnString()
	}

	db, err := OpenDB(connstr)
	if err != nil {
		return nil, err
	}

	err = backend.WaitReady(ctx, "pgvector", cfg.ConnectRetries, db.PingContext)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	op, ops := operatorOf(cfg.Metric)
	return &PGVector{
		cfg:   cfg,
		db:    db,
		table: pq.QuoteIdentifier(cfg.Collection),
		op:    op,
		ops:   ops,
	}, nil
}

// operatorOf returns the distance operator and the index operator class of
// metric.
func operatorOf(m recall.Metric) (op, ops string) {
	switch m {
	case recall.InnerProduct:
		return "<#>", "vector_ip_ops"
	case recall.L2:
		return "<->", "vector_l2_ops"
	default:
		return "<=>", "vector_cosine_ops"
	}
}

// FormatVector renders v in the pgvector text format.
func FormatVector(v []float32) string {
	var sb strings.Builder
	sb.Grow(len(v) * 8)
	sb.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func (p *PGVector) Load(ctx context.Context, corpus [][]float32) error {
	if len(corpus) == 0 {
		return errors.New("empty corpus")
	}
	dim := len(corpus[0])

	setup := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf("DROP TABLE IF EXISTS %s", p.table),
		fmt.Sprintf("CREATE TABLE %s (id bigint PRIMARY KEY, embedding vector(%d))", p.table, dim),
	}
	for _, stmt := range setup {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%v: %w", stmt, err)
		}
	}

	for _, b := range backend.Batches(len(corpus), p.cfg.InsertBatch) {
		if err := p.copyBatch(ctx, corpus, b[0], b[1]); err != nil {
			return fmt.Errorf("copy rows [%d,%d): %w", b[0], b[1], err)
		}
	}

	index := fmt.Sprintf("CREATE INDEX ON %s USING hnsw (embedding %s) WITH (m = %d, ef_construction = %d)",
		p.table, p.ops, p.cfg.M, p.cfg.EFConstruction)
	if _, err := p.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf("ANALYZE %s", p.table)); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	log.WithFields(log.Fields{
		"table": p.cfg.Collection,
		"rows":  len(corpus),
	}).Info("pgvector table loaded")
	return nil
}

func (p *PGVector) copyBatch(ctx context.Context, corpus [][]float32, start, end int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(p.cfg.Collection, "id", "embedding"))
	if err != nil {
		return err
	}
	for i := start; i < end; i++ {
		if _, err := stmt.ExecContext(ctx, int64(i), FormatVector(corpus[i])); err != nil {
			_ = stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PGVector) Search(ctx context.Context, queries [][]float32, k, quality int) ([][]int64, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if quality > 0 {
		// SET does not take bind parameters
		if _, err := tx.ExecContext(ctx, "SET LOCAL hnsw.ef_search = "+strconv.Itoa(quality)); err != nil {
			return nil, err
		}
	}

	query := fmt.Sprintf("SELECT id FROM %s ORDER BY embedding %s $1::vector LIMIT %d", p.table, p.op, k)
	out := make([][]int64, len(queries))
	for i, q := range queries {
		ids, err := queryIDs(ctx, tx, query, FormatVector(q), k)
		if err != nil {
			return nil, err
		}
		out[i] = ids
	}
	return out, tx.Commit()
}

func queryIDs(ctx context.Context, tx *sql.Tx, query, vec string, k int) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, query, vec)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, k)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PGVector) Close() error {
	return p.db.Close()
}
