package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/gateway/memory"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// мок для интерфейса gateway.Auth
type mockAuth struct {
	mock.Mock
}

func (m *mockAuth) SignUp(ctx context.Context, email, password string) (*models.Identity, error) {
	args := m.Called(ctx, email, password)
	identity, _ := args.Get(0).(*models.Identity)
	return identity, args.Error(1)
}

func (m *mockAuth) SignIn(ctx context.Context, email, password string) (*models.Identity, error) {
	args := m.Called(ctx, email, password)
	identity, _ := args.Get(0).(*models.Identity)
	return identity, args.Error(1)
}

func (m *mockAuth) SignOut(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockAuth) OnChange(fn func(gateway.AuthEvent)) func() {
	args := m.Called(fn)
	return args.Get(0).(func())
}

func TestStore(t *testing.T) {
	alice := &models.Identity{ID: "u1", Email: "alice@example.com"}

	t.Run("Guard follows state machine", func(t *testing.T) {
		store := New(&mockAuth{})
		assert.Equal(t, GuardPending, store.Guard(), "До инициализации показывается загрузка")

		store.SetIdentity(nil)
		assert.Equal(t, GuardRedirect, store.Guard())

		store.SetIdentity(alice)
		assert.Equal(t, GuardAllow, store.Guard())
	})

	t.Run("SignIn with wrong password keeps identity", func(t *testing.T) {
		auth := &mockAuth{}
		bad := &gateway.Error{Kind: gateway.KindAuth, Code: "invalid_credentials", Message: "Invalid login credentials", Err: gateway.ErrUnauthorized}
		auth.On("SignIn", mock.Anything, "alice@example.com", "wrong").Return(nil, bad)

		store := New(auth)
		store.SetIdentity(alice)

		identity, err := store.SignIn(context.Background(), "alice@example.com", "wrong")
		assert.Nil(t, identity)
		assert.ErrorIs(t, err, gateway.ErrUnauthorized)

		st := store.Snapshot()
		assert.Equal(t, alice, st.Identity, "Личность не должна меняться")
		assert.True(t, st.Initialized, "Флаг инициализации должен остаться")
		assert.True(t, st.Status.IsError())
		assert.Equal(t, "Invalid login credentials", st.Status.Message)
		assert.Equal(t, "auth", st.Status.Kind)
		auth.AssertExpectations(t)
	})

	t.Run("SignIn success replaces identity", func(t *testing.T) {
		auth := &mockAuth{}
		bob := &models.Identity{ID: "u2", Email: "bob@example.com"}
		auth.On("SignIn", mock.Anything, "bob@example.com", "secret").Return(bob, nil)

		store := New(auth)
		store.SetIdentity(alice)

		identity, err := store.SignIn(context.Background(), "bob@example.com", "secret")
		require.NoError(t, err)
		assert.Equal(t, bob, identity)
		assert.Equal(t, bob, store.Identity())
		assert.Equal(t, models.StatusIdle, store.Snapshot().Status.State)
	})

	t.Run("SignUp requiring confirmation", func(t *testing.T) {
		auth := &mockAuth{}
		auth.On("SignUp", mock.Anything, "new@example.com", "secret").Return(nil, nil)

		store := New(auth)
		store.SetIdentity(nil)

		result, err := store.SignUp(context.Background(), "new@example.com", "secret")
		require.NoError(t, err)
		assert.True(t, result.ConfirmationRequired)
		assert.Nil(t, result.Identity)
		assert.Nil(t, store.Identity(), "Автоматического входа быть не должно")
		assert.Equal(t, GuardRedirect, store.Guard())
	})

	t.Run("SignUp failure leaves identity", func(t *testing.T) {
		auth := &mockAuth{}
		auth.On("SignUp", mock.Anything, "taken@example.com", "secret").Return(nil, &gateway.Error{Kind: gateway.KindAuth, Message: "User already registered"})

		store := New(auth)
		_, err := store.SignUp(context.Background(), "taken@example.com", "secret")
		assert.Error(t, err)
		st := store.Snapshot()
		assert.False(t, st.Initialized)
		assert.Nil(t, st.Identity)
		assert.Equal(t, "User already registered", st.Status.Message)
	})

	t.Run("SignOut clears identity even on failure", func(t *testing.T) {
		auth := &mockAuth{}
		auth.On("SignOut", mock.Anything).Return(errors.New("network unreachable"))

		store := New(auth)
		store.SetIdentity(alice)

		err := store.SignOut(context.Background())
		assert.Error(t, err)

		st := store.Snapshot()
		assert.Nil(t, st.Identity, "Личность очищается независимо от исхода")
		assert.True(t, st.Status.IsError())
		assert.Equal(t, "unknown", st.Status.Kind)
		assert.Equal(t, GuardRedirect, store.Guard())
	})

	t.Run("Snapshot is a copy", func(t *testing.T) {
		store := New(&mockAuth{})
		store.SetIdentity(alice)

		st := store.Snapshot()
		st.Identity.Email = "mutated@example.com"
		assert.Equal(t, "alice@example.com", store.Identity().Email)
	})

	t.Run("Subscribe delivers latest snapshot", func(t *testing.T) {
		store := New(&mockAuth{})
		ch, unsubscribe := store.Subscribe()

		initial := <-ch
		assert.False(t, initial.Initialized)

		store.SetIdentity(nil)
		store.SetIdentity(alice)

		select {
		case st := <-ch:
			assert.Equal(t, alice, st.Identity, "Медленный подписчик получает последний снимок")
		case <-time.After(time.Second):
			t.Fatal("Снимок не доставлен")
		}

		unsubscribe()
		_, ok := <-ch
		assert.False(t, ok, "Канал закрывается после отписки")
	})
}

func TestStoreWithMemoryGateway(t *testing.T) {
	backend := memory.New(memory.Options{})
	store := New(backend.Gateway().Auth)

	unsubscribe := store.Listen()
	defer unsubscribe()

	assert.True(t, store.Snapshot().Initialized, "Начальная сессия инициализирует хранилище")
	assert.Equal(t, GuardRedirect, store.Guard())

	result, err := store.SignUp(context.Background(), "alice@example.com", "secret-password")
	require.NoError(t, err)
	require.NotNil(t, result.Identity)
	assert.Equal(t, GuardAllow, store.Guard())

	backend.RefreshSession()
	assert.Equal(t, result.Identity.ID, store.Identity().ID, "Обновление токена сохраняет личность")

	require.NoError(t, store.SignOut(context.Background()))
	assert.Nil(t, store.Identity())

	_, err = store.SignIn(context.Background(), "alice@example.com", "wrong-password")
	assert.Error(t, err)
	st := store.Snapshot()
	assert.Nil(t, st.Identity)
	assert.True(t, st.Initialized)
	assert.Equal(t, "Invalid login credentials", st.Status.Message)
}
