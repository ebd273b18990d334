// Package gateway описывает контракт удаленного бэкенда: строки, объекты и аутентификацию.
// Реализации живут в подпакетах memory, postgres, supabase и s3.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ButyrinIA/blogclient/internal/models"
)

type Table string

const (
	TablePosts    Table = "posts"
	TableComments Table = "comments"
	TableUsers    Table = "users"
)

// Record - полезная нагрузка insert/update: имя колонки -> значение.
type Record map[string]any

type Operator string

const (
	OpEq Operator = "eq"
	OpIn Operator = "in"
)

type Filter struct {
	Column string
	Op     Operator
	Value  any
}

func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

type Order struct {
	Column    string
	Ascending bool
}

func Asc(column string) Order  { return Order{Column: column, Ascending: true} }
func Desc(column string) Order { return Order{Column: column} }

// Range - строки [From, To] включительно, с нуля.
type Range struct {
	From int
	To   int
}

// Embed - встроенный ресурс в форме PostgREST.
//
// ToOne: ключ Alias содержит объект строки Table, на которую ссылается колонка ForeignKey
// текущей строки. Иначе ключ Alias содержит массив строк Table, чья колонка ForeignKey
// ссылается на id текущей строки; при CountOnly массив состоит из одного {"count": n}.
type Embed struct {
	Alias      string
	Table      Table
	ForeignKey string
	ToOne      bool
	Columns    []string
	CountOnly  bool
	Order      []Order
	Embeds     []Embed
}

// Query описывает выборку: фильтры, порядок, диапазон и встроенные ресурсы.
type Query struct {
	Table   Table
	Columns []string
	Filters []Filter
	Order   []Order
	Range   *Range
	Embeds  []Embed
	// Count запрашивает общее число строк, удовлетворяющих фильтрам, без учета Range.
	Count bool
}

type Result struct {
	Records    []json.RawMessage
	TotalCount int
}

// Rows - табличные данные бэкенда.
type Rows interface {
	Query(ctx context.Context, q Query) (*Result, error)
	Insert(ctx context.Context, table Table, payload Record) (json.RawMessage, error)
	Update(ctx context.Context, table Table, filters []Filter, payload Record) ([]json.RawMessage, error)
	Delete(ctx context.Context, table Table, filters []Filter) error
}

type PutOptions struct {
	ContentType string
	Overwrite   bool
}

type SignedURL struct {
	Path  string
	URL   string
	Error string
}

// Objects - хранилище файлов с подписанными URL.
type Objects interface {
	Put(ctx context.Context, bucket, path string, data []byte, opts PutOptions) (string, error)
	SignURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
	SignURLs(ctx context.Context, bucket string, paths []string, ttl time.Duration) ([]SignedURL, error)
	Remove(ctx context.Context, bucket string, paths []string) error
}

type AuthEventType string

const (
	EventInitialSession AuthEventType = "INITIAL_SESSION"
	EventSignedIn       AuthEventType = "SIGNED_IN"
	EventSignedOut      AuthEventType = "SIGNED_OUT"
	EventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
)

type AuthEvent struct {
	Type     AuthEventType
	Identity *models.Identity
}

type Auth interface {
	// SignUp возвращает nil без ошибки, если бэкенд требует подтверждения email.
	SignUp(ctx context.Context, email, password string) (*models.Identity, error)
	SignIn(ctx context.Context, email, password string) (*models.Identity, error)
	SignOut(ctx context.Context) error
	// OnChange сразу доставляет EventInitialSession, затем все последующие изменения.
	OnChange(fn func(AuthEvent)) (unsubscribe func())
}

// Gateway собирает три части бэкенда. Части могут приходить из разных адаптеров,
// например строки из postgres, а объекты из s3.
type Gateway struct {
	Rows    Rows
	Objects Objects
	Auth    Auth
}
