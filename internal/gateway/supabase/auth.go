package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// refreshMargin - за сколько до истечения токена запускается обновление.
const refreshMargin = 60 * time.Second

type user struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         *user  `json:"user"`
}

type authService struct {
	client   *Client
	notifier *gateway.Notifier

	mu      sync.Mutex
	current *session
	timer   *time.Timer
	now     func() time.Time
}

func newAuthService(c *Client) *authService {
	return &authService{client: c, notifier: gateway.NewNotifier(), now: time.Now}
}

func (a *authService) accessToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return ""
	}
	return a.current.AccessToken
}

func (a *authService) SignUp(ctx context.Context, email, password string) (*models.Identity, error) {
	var payload struct {
		session
		// при включенном подтверждении GoTrue возвращает пользователя без сессии
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := a.post(ctx, "/signup", map[string]string{"email": email, "password": password}, &payload); err != nil {
		return nil, err
	}

	if payload.AccessToken == "" {
		return nil, nil
	}
	return a.establish(&payload.session, gateway.EventSignedIn), nil
}

func (a *authService) SignIn(ctx context.Context, email, password string) (*models.Identity, error) {
	var s session
	if err := a.post(ctx, "/token?grant_type=password", map[string]string{"email": email, "password": password}, &s); err != nil {
		return nil, err
	}
	if s.AccessToken == "" || s.User == nil {
		return nil, gateway.NewError(gateway.KindAuth, "sign in returned no session")
	}
	return a.establish(&s, gateway.EventSignedIn), nil
}

// SignOut отзывает сессию на сервере. Локальная сессия очищается в любом случае.
func (a *authService) SignOut(ctx context.Context) error {
	var err error
	if a.accessToken() != "" {
		err = a.post(ctx, "/logout", nil, nil)
	}

	a.stopRefresh()
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
	a.notifier.Set(nil, gateway.EventSignedOut)
	return err
}

func (a *authService) OnChange(fn func(gateway.AuthEvent)) func() {
	return a.notifier.Subscribe(fn)
}

func (a *authService) post(ctx context.Context, path string, req any, out any) error {
	var body []byte
	if req != nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return gateway.Errorf(gateway.KindAuth, err, "marshal request: %v", err)
		}
	}

	resp, err := a.client.request(ctx, http.MethodPost, a.client.authURL+path, body, nil, false)
	if err != nil {
		return transportError(gateway.KindAuth, err)
	}
	if resp.statusCode >= 400 {
		return parseError(gateway.KindAuth, resp.body, resp.statusCode)
	}
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	return decode(gateway.KindAuth, resp.body, out)
}

func (a *authService) establish(s *session, event gateway.AuthEventType) *models.Identity {
	a.mu.Lock()
	a.current = s
	a.mu.Unlock()

	identity := &models.Identity{}
	if s.User != nil {
		identity.ID = s.User.ID
		identity.Email = s.User.Email
	}
	a.notifier.Set(identity, event)
	a.scheduleRefresh(s)
	return identity
}

// expiry берет срок действия из claim exp токена, иначе из expires_in.
// Подпись не проверяется: токен пришел от самого сервера аутентификации.
func (a *authService) expiry(s *session) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return a.now().Add(time.Duration(s.ExpiresIn) * time.Second)
}

func (a *authService) scheduleRefresh(s *session) {
	if s.RefreshToken == "" {
		return
	}
	wait := a.expiry(s).Sub(a.now()) - refreshMargin
	if wait < 0 {
		wait = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(wait, func() { a.refresh(s.RefreshToken) })
}

func (a *authService) stopRefresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *authService) refresh(refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.client.config.Timeout)
	defer cancel()

	a.mu.Lock()
	stale := a.current == nil || a.current.RefreshToken != refreshToken
	a.mu.Unlock()
	if stale {
		return
	}

	var s session
	if err := a.post(ctx, "/token?grant_type=refresh_token", map[string]string{"refresh_token": refreshToken}, &s); err != nil {
		a.client.log.Error().Err(err).Msg("Не удалось обновить сессию")
		return
	}
	if s.User == nil {
		a.mu.Lock()
		if a.current != nil {
			s.User = a.current.User
		}
		a.mu.Unlock()
	}
	a.establish(&s, gateway.EventTokenRefreshed)
	a.client.log.Debug().Msg("Сессия обновлена")
}
