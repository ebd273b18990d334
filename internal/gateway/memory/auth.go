package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 6

type account struct {
	identity     models.Identity
	passwordHash []byte
}

type authService struct {
	owner    *MemoryStorage
	notifier *gateway.Notifier

	mu       sync.Mutex
	accounts map[string]*account
}

func newAuthService(owner *MemoryStorage) *authService {
	return &authService{
		owner:    owner,
		notifier: gateway.NewNotifier(),
		accounts: make(map[string]*account),
	}
}

func (a *authService) SignUp(ctx context.Context, email, password string) (*models.Identity, error) {
	if err := a.owner.injected(OpSignUp); err != nil {
		return nil, gateway.AsKind(gateway.KindAuth, err)
	}

	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, &gateway.Error{Kind: gateway.KindAuth, Code: "validation_failed", Message: "Unable to validate email address: invalid format", StatusCode: 400}
	}
	if len(password) < minPasswordLength {
		return nil, &gateway.Error{Kind: gateway.KindAuth, Code: "weak_password", Message: "Password should be at least 6 characters.", StatusCode: 422}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, gateway.Errorf(gateway.KindAuth, err, "hash password: %v", err)
	}

	a.mu.Lock()
	if _, exists := a.accounts[email]; exists {
		a.mu.Unlock()
		return nil, &gateway.Error{Kind: gateway.KindAuth, Code: "user_already_exists", Message: "User already registered", StatusCode: 422, Err: gateway.ErrConflict}
	}
	acc := &account{identity: models.Identity{ID: uuid.New().String(), Email: email}, passwordHash: hash}
	a.accounts[email] = acc
	a.mu.Unlock()

	a.owner.insertUser(acc.identity.ID, acc.identity.Email)

	if a.owner.opts.RequireConfirmation {
		return nil, nil
	}
	identity := acc.identity
	a.notifier.Set(&identity, gateway.EventSignedIn)
	return &identity, nil
}

func (a *authService) SignIn(ctx context.Context, email, password string) (*models.Identity, error) {
	if err := a.owner.injected(OpSignIn); err != nil {
		return nil, gateway.AsKind(gateway.KindAuth, err)
	}

	a.mu.Lock()
	acc, ok := a.accounts[normalizeEmail(email)]
	a.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)) != nil {
		return nil, &gateway.Error{Kind: gateway.KindAuth, Code: "invalid_credentials", Message: "Invalid login credentials", StatusCode: 400, Err: gateway.ErrUnauthorized}
	}

	identity := acc.identity
	a.notifier.Set(&identity, gateway.EventSignedIn)
	return &identity, nil
}

func (a *authService) SignOut(ctx context.Context) error {
	if err := a.owner.injected(OpSignOut); err != nil {
		return gateway.AsKind(gateway.KindAuth, err)
	}
	a.notifier.Set(nil, gateway.EventSignedOut)
	return nil
}

func (a *authService) OnChange(fn func(gateway.AuthEvent)) func() {
	return a.notifier.Subscribe(fn)
}

// RefreshSession имитирует фоновое обновление токена: слушатели получают TOKEN_REFRESHED.
func (s *MemoryStorage) RefreshSession() {
	current := s.auth.notifier.Current()
	if current == nil {
		return
	}
	s.auth.notifier.Set(current, gateway.EventTokenRefreshed)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
