// Package memory - бэкенд в памяти процесса. Реализует весь контракт gateway
// и используется в тестах и в режиме -storage memory.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/google/uuid"
)

type Options struct {
	// SigningSecret подписывает токены подписанных URL.
	SigningSecret string
	// PublicURL - базовый адрес, по которому Handler отдает объекты.
	PublicURL string
	// RequireConfirmation имитирует проект, где регистрация требует подтверждения email.
	RequireConfirmation bool
	Now                 func() time.Time
}

// MemoryStorage - бэкенд в памяти процесса: строки, объекты и аутентификация.
type MemoryStorage struct {
	opts Options

	mu     sync.RWMutex
	tables map[gateway.Table][]gateway.Record

	objects *objectStore
	auth    *authService

	failMu sync.Mutex
	fail   map[Op]error
}

// Op - имя операции для внедрения сбоев в тестах.
type Op string

const (
	OpQuery   Op = "rows.query"
	OpInsert  Op = "rows.insert"
	OpUpdate  Op = "rows.update"
	OpDelete  Op = "rows.delete"
	OpPut     Op = "storage.put"
	OpSign    Op = "storage.sign"
	OpRemove  Op = "storage.remove"
	OpSignUp  Op = "auth.signup"
	OpSignIn  Op = "auth.signin"
	OpSignOut Op = "auth.signout"
)

// дочерние таблицы, удаляемые вместе с родителем (ON DELETE CASCADE)
var cascades = map[gateway.Table][]struct {
	table gateway.Table
	fk    string
}{
	gateway.TablePosts: {{table: gateway.TableComments, fk: "post_id"}},
}

// внешние ключи, проверяемые при вставке
var foreignKeys = map[gateway.Table]map[string]gateway.Table{
	gateway.TablePosts:    {"author_id": gateway.TableUsers},
	gateway.TableComments: {"post_id": gateway.TablePosts, "author_id": gateway.TableUsers},
}

// New создает пустой бэкенд.
func New(opts Options) *MemoryStorage {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SigningSecret == "" {
		opts.SigningSecret = "memory-signing-secret"
	}
	if opts.PublicURL == "" {
		opts.PublicURL = "http://localhost:8080/storage/v1"
	}
	s := &MemoryStorage{
		opts:   opts,
		tables: make(map[gateway.Table][]gateway.Record),
		fail:   make(map[Op]error),
	}
	s.objects = newObjectStore(s)
	s.auth = newAuthService(s)
	return s
}

// Gateway возвращает три части бэкенда.
func (s *MemoryStorage) Gateway() gateway.Gateway {
	return gateway.Gateway{Rows: s, Objects: s.objects, Auth: s.auth}
}

// FailNext заставляет следующий вызов op вернуть err.
func (s *MemoryStorage) FailNext(op Op, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.fail[op] = err
}

func (s *MemoryStorage) injected(op Op) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	err, ok := s.fail[op]
	if !ok {
		return nil
	}
	delete(s.fail, op)
	return err
}

func (s *MemoryStorage) Query(ctx context.Context, q gateway.Query) (*gateway.Result, error) {
	if err := s.injected(OpQuery); err != nil {
		return nil, gateway.AsKind(gateway.KindQuery, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.selectRows(q.Table, q.Filters)
	sortRows(rows, q.Order)

	totalCount := len(rows)

	if q.Range != nil {
		if q.Range.From < 0 || q.Range.To < q.Range.From {
			return nil, &gateway.Error{Kind: gateway.KindQuery, Code: "PGRST103", Message: "Requested range not satisfiable", StatusCode: 416}
		}
		startIdx := q.Range.From
		if startIdx > len(rows) {
			startIdx = len(rows)
		}
		endIdx := q.Range.To + 1
		if endIdx > len(rows) {
			endIdx = len(rows)
		}
		rows = rows[startIdx:endIdx]
	}

	records := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		raw, err := json.Marshal(s.shape(row, q.Columns, q.Embeds))
		if err != nil {
			return nil, gateway.Errorf(gateway.KindQuery, err, "encode row: %v", err)
		}
		records = append(records, raw)
	}

	result := &gateway.Result{Records: records}
	if q.Count {
		result.TotalCount = totalCount
	}
	return result, nil
}

func (s *MemoryStorage) Insert(ctx context.Context, table gateway.Table, payload gateway.Record) (json.RawMessage, error) {
	if err := s.injected(OpInsert); err != nil {
		return nil, gateway.AsKind(gateway.KindWrite, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := make(gateway.Record, len(payload)+2)
	for k, v := range payload {
		row[k] = v
	}
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.New().String()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = s.opts.Now().UTC()
	}
	if err := s.checkForeignKeys(table, row); err != nil {
		return nil, err
	}
	for _, existing := range s.tables[table] {
		if equal(existing["id"], row["id"]) {
			return nil, &gateway.Error{Kind: gateway.KindWrite, Code: "23505", Message: fmt.Sprintf("duplicate key value violates unique constraint \"%s_pkey\"", table), StatusCode: 409, Err: gateway.ErrConflict}
		}
	}

	s.tables[table] = append(s.tables[table], row)
	return json.Marshal(row)
}

func (s *MemoryStorage) Update(ctx context.Context, table gateway.Table, filters []gateway.Filter, payload gateway.Record) ([]json.RawMessage, error) {
	if err := s.injected(OpUpdate); err != nil {
		return nil, gateway.AsKind(gateway.KindWrite, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var updated []json.RawMessage
	for _, row := range s.tables[table] {
		if !matches(row, filters) {
			continue
		}
		for k, v := range payload {
			row[k] = v
		}
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, gateway.Errorf(gateway.KindWrite, err, "encode row: %v", err)
		}
		updated = append(updated, raw)
	}
	return updated, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, table gateway.Table, filters []gateway.Filter) error {
	if err := s.injected(OpDelete); err != nil {
		return gateway.AsKind(gateway.KindWrite, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(table, filters)
	return nil
}

func (s *MemoryStorage) deleteLocked(table gateway.Table, filters []gateway.Filter) {
	kept := s.tables[table][:0]
	var removed []gateway.Record
	for _, row := range s.tables[table] {
		if matches(row, filters) {
			removed = append(removed, row)
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept

	for _, child := range cascades[table] {
		for _, row := range removed {
			s.deleteLocked(child.table, []gateway.Filter{gateway.Eq(child.fk, row["id"])})
		}
	}
}

// Close очищает все таблицы и объекты.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	s.tables = make(map[gateway.Table][]gateway.Record)
	s.mu.Unlock()
	s.objects.clear()
	return nil
}

func (s *MemoryStorage) insertUser(id, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[gateway.TableUsers] = append(s.tables[gateway.TableUsers], gateway.Record{"id": id, "email": email})
}

func (s *MemoryStorage) checkForeignKeys(table gateway.Table, row gateway.Record) error {
	for column, parent := range foreignKeys[table] {
		value, ok := row[column]
		if !ok || value == nil {
			continue
		}
		found := false
		for _, p := range s.tables[parent] {
			if equal(p["id"], value) {
				found = true
				break
			}
		}
		if !found {
			return &gateway.Error{
				Kind:       gateway.KindWrite,
				Code:       "23503",
				Message:    fmt.Sprintf("insert or update on table \"%s\" violates foreign key constraint \"%s_%s_fkey\"", table, table, column),
				StatusCode: 409,
			}
		}
	}
	return nil
}

func (s *MemoryStorage) selectRows(table gateway.Table, filters []gateway.Filter) []gateway.Record {
	var rows []gateway.Record
	for _, row := range s.tables[table] {
		if matches(row, filters) {
			rows = append(rows, row)
		}
	}
	return rows
}

// shape строит запись в форме PostgREST: выбранные колонки плюс встроенные ресурсы.
func (s *MemoryStorage) shape(row gateway.Record, columns []string, embeds []gateway.Embed) gateway.Record {
	out := project(row, columns)
	for _, e := range embeds {
		out[e.Alias] = s.embed(row, e)
	}
	return out
}

func (s *MemoryStorage) embed(row gateway.Record, e gateway.Embed) any {
	if e.ToOne {
		fk := row[e.ForeignKey]
		if fk == nil {
			return nil
		}
		for _, candidate := range s.tables[e.Table] {
			if equal(candidate["id"], fk) {
				return s.shape(candidate, e.Columns, e.Embeds)
			}
		}
		return nil
	}

	children := s.selectRows(e.Table, []gateway.Filter{gateway.Eq(e.ForeignKey, row["id"])})
	if e.CountOnly {
		return []gateway.Record{{"count": len(children)}}
	}
	sortRows(children, e.Order)
	out := make([]gateway.Record, 0, len(children))
	for _, child := range children {
		out = append(out, s.shape(child, e.Columns, e.Embeds))
	}
	return out
}

func project(row gateway.Record, columns []string) gateway.Record {
	if len(columns) == 0 || (len(columns) == 1 && columns[0] == "*") {
		out := make(gateway.Record, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out := make(gateway.Record, len(columns))
	for _, c := range columns {
		out[c] = row[c]
	}
	return out
}

func matches(row gateway.Record, filters []gateway.Filter) bool {
	for _, f := range filters {
		value := row[f.Column]
		switch f.Op {
		case gateway.OpEq:
			if !equal(value, f.Value) {
				return false
			}
		case gateway.OpIn:
			if !contains(f.Value, value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func contains(set any, value any) bool {
	switch vs := set.(type) {
	case []string:
		for _, v := range vs {
			if equal(v, value) {
				return true
			}
		}
	case []any:
		for _, v := range vs {
			if equal(v, value) {
				return true
			}
		}
	}
	return false
}

func sortRows(rows []gateway.Record, order []gateway.Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := compare(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compare упорядочивает значения одного типа; NULL считается больше любого значения, как в Postgres.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case int:
		if bv, ok := b.(int); ok {
			return av - bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
