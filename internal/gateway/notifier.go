package gateway

import (
	"sync"

	"github.com/ButyrinIA/blogclient/internal/models"
)

// Notifier хранит текущую личность и рассылает AuthEvent подписчикам.
// Общий для всех адаптеров Auth.
type Notifier struct {
	mu        sync.Mutex
	current   *models.Identity
	listeners map[int]func(AuthEvent)
	nextID    int
}

func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[int]func(AuthEvent))}
}

func (n *Notifier) Current() *models.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return copyIdentity(n.current)
}

// Subscribe регистрирует fn и сразу доставляет ему EventInitialSession.
func (n *Notifier) Subscribe(fn func(AuthEvent)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	current := copyIdentity(n.current)
	n.mu.Unlock()

	fn(AuthEvent{Type: EventInitialSession, Identity: current})

	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

// Set меняет текущую личность и уведомляет подписчиков вне блокировки.
func (n *Notifier) Set(identity *models.Identity, event AuthEventType) {
	n.mu.Lock()
	n.current = copyIdentity(identity)
	listeners := make([]func(AuthEvent), 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(AuthEvent{Type: event, Identity: copyIdentity(identity)})
	}
}

func copyIdentity(identity *models.Identity) *models.Identity {
	if identity == nil {
		return nil
	}
	c := *identity
	return &c
}
