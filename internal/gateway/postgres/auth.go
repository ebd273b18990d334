package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 6

// authService хранит учетные записи в users и auth_credentials.
// Сессия живет в процессе: один клиент - одна личность.
type authService struct {
	pool     *pgxpool.Pool
	notifier *gateway.Notifier
}

func newAuthService(pool *pgxpool.Pool) *authService {
	return &authService{pool: pool, notifier: gateway.NewNotifier()}
}

func (a *authService) SignUp(ctx context.Context, email, password string) (*models.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, &gateway.Error{Kind: gateway.KindAuth, Code: "validation_failed", Message: "Unable to validate email address: invalid format", StatusCode: 400}
	}
	if len(password) < minPasswordLength {
		return nil, &gateway.Error{Kind: gateway.KindAuth, Code: "weak_password", Message: "Password should be at least 6 characters.", StatusCode: 422}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, gateway.Errorf(gateway.KindAuth, err, "hash password: %v", err)
	}

	identity := models.Identity{ID: uuid.New().String(), Email: email}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, wrapError(gateway.KindAuth, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO users (id, email) VALUES ($1, $2)`, identity.ID, identity.Email); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, &gateway.Error{Kind: gateway.KindAuth, Code: "user_already_exists", Message: "User already registered", StatusCode: 422, Err: gateway.ErrConflict}
		}
		return nil, wrapError(gateway.KindAuth, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO auth_credentials (user_id, password_hash) VALUES ($1, $2)`, identity.ID, string(hash)); err != nil {
		return nil, wrapError(gateway.KindAuth, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapError(gateway.KindAuth, err)
	}

	a.notifier.Set(&identity, gateway.EventSignedIn)
	return &identity, nil
}

func (a *authService) SignIn(ctx context.Context, email, password string) (*models.Identity, error) {
	var (
		identity models.Identity
		hash     string
	)
	err := a.pool.QueryRow(ctx, `
		SELECT u.id, u.email, c.password_hash
		FROM users u
		JOIN auth_credentials c ON c.user_id = u.id
		WHERE u.email = $1`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&identity.ID, &identity.Email, &hash)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, invalidCredentials()
	}
	if err != nil {
		return nil, wrapError(gateway.KindAuth, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, invalidCredentials()
	}

	a.notifier.Set(&identity, gateway.EventSignedIn)
	return &identity, nil
}

func (a *authService) SignOut(ctx context.Context) error {
	a.notifier.Set(nil, gateway.EventSignedOut)
	return nil
}

func (a *authService) OnChange(fn func(gateway.AuthEvent)) func() {
	return a.notifier.Subscribe(fn)
}

func invalidCredentials() error {
	return &gateway.Error{Kind: gateway.KindAuth, Code: "invalid_credentials", Message: "Invalid login credentials", StatusCode: 400, Err: gateway.ErrUnauthorized}
}
