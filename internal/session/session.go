// Package session хранит клиентский кэш состояния аутентификации.
// Личность меняется только через SetIdentity и три действия SignUp, SignIn, SignOut.
package session

import (
	"context"
	"sync"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/logger"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/rs/zerolog"
)

// Guard - решение защитника маршрута.
type Guard int

const (
	// GuardPending - сессия еще не инициализирована, показывать нейтральную загрузку.
	GuardPending Guard = iota
	GuardRedirect
	GuardAllow
)

func (g Guard) String() string {
	switch g {
	case GuardPending:
		return "pending"
	case GuardRedirect:
		return "redirect"
	case GuardAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// State - снимок сессии.
type State struct {
	Identity    *models.Identity `json:"identity"`
	Initialized bool             `json:"initialized"`
	Status      models.Status    `json:"status"`
}

// SignUpResult сообщает, выдал ли бэкенд личность сразу или ждет подтверждения email.
type SignUpResult struct {
	Identity             *models.Identity
	ConfirmationRequired bool
}

// Store хранит личность пользователя и статус действий аутентификации.
type Store struct {
	auth gateway.Auth
	log  zerolog.Logger

	mu     sync.Mutex
	state  State
	subs   map[int]chan State
	nextID int
}

// New создает неинициализированное хранилище сессии.
func New(auth gateway.Auth) *Store {
	return &Store{
		auth:  auth,
		log:   logger.Component("session"),
		state: State{Status: models.Idle()},
		subs:  make(map[int]chan State),
	}
}

// SetIdentity заменяет личность и помечает сессию инициализированной. Ошибок не бывает.
func (s *Store) SetIdentity(identity *models.Identity) {
	s.update(func(st *State) {
		st.Identity = copyIdentity(identity)
		st.Initialized = true
	})
}

// SignUp регистрирует пользователя. Без подтверждения email личность сохраняется сразу.
func (s *Store) SignUp(ctx context.Context, email, password string) (SignUpResult, error) {
	s.setStatus(models.Loading())

	identity, err := s.auth.SignUp(ctx, email, password)
	if err != nil {
		s.fail("sign up", err)
		return SignUpResult{}, err
	}

	if identity == nil {
		s.log.Info().Str("email", email).Msg("Регистрация ожидает подтверждения email")
		s.setStatus(models.Idle())
		return SignUpResult{ConfirmationRequired: true}, nil
	}

	s.update(func(st *State) {
		st.Identity = copyIdentity(identity)
		st.Initialized = true
		st.Status = models.Idle()
	})
	return SignUpResult{Identity: copyIdentity(identity)}, nil
}

// SignIn при ошибке оставляет прежнюю личность и флаг Initialized.
func (s *Store) SignIn(ctx context.Context, email, password string) (*models.Identity, error) {
	s.setStatus(models.Loading())

	identity, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		s.fail("sign in", err)
		return nil, err
	}

	s.update(func(st *State) {
		st.Identity = copyIdentity(identity)
		st.Initialized = true
		st.Status = models.Idle()
	})
	return copyIdentity(identity), nil
}

// SignOut очищает личность при любом исходе: недоступный бэкенд не должен
// оставлять интерфейс в состоянии "вошел". Ошибка все равно попадает в статус.
func (s *Store) SignOut(ctx context.Context) error {
	s.setStatus(models.Loading())

	err := s.auth.SignOut(ctx)

	s.update(func(st *State) {
		st.Identity = nil
		st.Initialized = true
		if err != nil {
			st.Status = models.Failed(gateway.KindOf(err).String(), err.Error())
		} else {
			st.Status = models.Idle()
		}
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Ошибка выхода, локальная сессия очищена")
	}
	return err
}

// Listen подписывает хранилище на уведомления бэкенда о смене сессии.
func (s *Store) Listen() func() {
	return s.auth.OnChange(func(e gateway.AuthEvent) {
		s.log.Debug().Str("event", string(e.Type)).Msg("Событие аутентификации")
		s.SetIdentity(e.Identity)
	})
}

// Guard решает, что показать на защищенном маршруте.
func (s *Store) Guard() Guard {
	st := s.Snapshot()
	switch {
	case !st.Initialized:
		return GuardPending
	case st.Identity == nil:
		return GuardRedirect
	default:
		return GuardAllow
	}
}

func (s *Store) Identity() *models.Identity {
	return s.Snapshot().Identity
}

// Snapshot возвращает копию состояния.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Subscribe возвращает канал снимков состояния. Канал хранит только последний снимок:
// медленный подписчик пропускает промежуточные состояния, но не блокирует хранилище.
func (s *Store) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan State, 1)
	ch <- s.copyLocked()
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Store) setStatus(status models.Status) {
	s.update(func(st *State) { st.Status = status })
}

func (s *Store) fail(action string, err error) {
	kind := gateway.KindOf(err)
	s.log.Warn().Err(err).Str("action", action).Str("kind", kind.String()).Msg("Ошибка аутентификации")
	s.setStatus(models.Failed(kind.String(), err.Error()))
}

func (s *Store) update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.state)
	snapshot := s.copyLocked()
	for _, ch := range s.subs {
		publish(ch, snapshot)
	}
}

func (s *Store) copyLocked() State {
	st := s.state
	st.Identity = copyIdentity(s.state.Identity)
	return st
}

// publish кладет снимок в канал емкости 1, вытесняя непрочитанный.
func publish(ch chan State, st State) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

func copyIdentity(identity *models.Identity) *models.Identity {
	if identity == nil {
		return nil
	}
	c := *identity
	return &c
}
