// Package postgres реализует строки и аутентификацию контракта gateway поверх PostgreSQL.
// Записи возвращаются в той же JSON-форме, что и у PostgREST, включая встроенные ресурсы.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS auth_credentials (
		user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		password_hash TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		author_id TEXT NOT NULL REFERENCES users(id),
		image_path TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		author_id TEXT NOT NULL REFERENCES users(id),
		text_content TEXT,
		image_path TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC, id);
	CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id, created_at);
`

// PostgresStorage - строки и пользователи в PostgreSQL.
type PostgresStorage struct {
	pool *pgxpool.Pool
	auth *authService
}

// New подключается к базе и создает схему, если ее нет.
func New(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	s := &PostgresStorage{pool: pool}
	s.auth = newAuthService(pool)
	return s, nil
}

// Auth возвращает аутентификацию по таблицам users и auth_credentials.
func (s *PostgresStorage) Auth() gateway.Auth {
	return s.auth
}

func (s *PostgresStorage) Query(ctx context.Context, q gateway.Query) (*gateway.Result, error) {
	b := &builder{}
	sql := b.selectSQL(q)
	rows, err := s.pool.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, wrapError(gateway.KindQuery, err)
	}
	defer rows.Close()

	records := make([]json.RawMessage, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapError(gateway.KindQuery, err)
		}
		records = append(records, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(gateway.KindQuery, err)
	}

	result := &gateway.Result{Records: records}
	if q.Count {
		cb := &builder{}
		var totalCount int
		if err := s.pool.QueryRow(ctx, cb.countSQL(q), cb.args...).Scan(&totalCount); err != nil {
			return nil, wrapError(gateway.KindQuery, err)
		}
		result.TotalCount = totalCount
	}
	return result, nil
}

func (s *PostgresStorage) Insert(ctx context.Context, table gateway.Table, payload gateway.Record) (json.RawMessage, error) {
	row := make(gateway.Record, len(payload)+1)
	for k, v := range payload {
		row[k] = v
	}
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.New().String()
	}

	b := &builder{}
	columns := sortedKeys(row)
	placeholders := make([]string, len(columns))
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = ident(c)
		placeholders[i] = b.arg(row[c])
	}
	sql := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING to_jsonb(t)",
		ident(string(table)), join(quoted), join(placeholders))

	var raw []byte
	if err := s.pool.QueryRow(ctx, sql, b.args...).Scan(&raw); err != nil {
		return nil, wrapError(gateway.KindWrite, err)
	}
	return raw, nil
}

func (s *PostgresStorage) Update(ctx context.Context, table gateway.Table, filters []gateway.Filter, payload gateway.Record) ([]json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, gateway.NewError(gateway.KindWrite, "empty update payload")
	}

	b := &builder{}
	sets := make([]string, 0, len(payload))
	for _, c := range sortedKeys(payload) {
		sets = append(sets, ident(c)+" = "+b.arg(payload[c]))
	}
	sql := fmt.Sprintf("UPDATE %s AS t SET %s%s RETURNING to_jsonb(t)",
		ident(string(table)), join(sets), b.where("t", filters))

	rows, err := s.pool.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, wrapError(gateway.KindWrite, err)
	}
	defer rows.Close()

	var updated []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapError(gateway.KindWrite, err)
		}
		updated = append(updated, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(gateway.KindWrite, err)
	}
	return updated, nil
}

func (s *PostgresStorage) Delete(ctx context.Context, table gateway.Table, filters []gateway.Filter) error {
	b := &builder{}
	sql := fmt.Sprintf("DELETE FROM %s AS t%s", ident(string(table)), b.where("t", filters))
	if _, err := s.pool.Exec(ctx, sql, b.args...); err != nil {
		return wrapError(gateway.KindWrite, err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func wrapError(kind gateway.Kind, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.NotFound(kind, "row")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		gerr := &gateway.Error{Kind: kind, Code: pgErr.Code, Message: pgErr.Message, Err: err}
		switch pgErr.Code {
		case "23505":
			gerr.StatusCode = 409
			gerr.Err = errors.Join(err, gateway.ErrConflict)
		case "23503":
			gerr.StatusCode = 409
		}
		return gerr
	}
	return &gateway.Error{Kind: kind, Message: err.Error(), Err: err}
}

func sortedKeys(r gateway.Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
