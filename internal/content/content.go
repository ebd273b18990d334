// Package content хранит загруженные посты, текущий пост и статус группы posts.
// Состояние меняется только через Dispatch; читатели получают копии.
package content

import (
	"sync"

	"github.com/ButyrinIA/blogclient/internal/models"
)

// Slot - часть состояния, которую перезаписывает операция чтения.
type Slot int

const (
	// SlotNone - операция записи: меняет только статус.
	SlotNone Slot = iota
	SlotList
	SlotCurrent
)

// Ticket выдается операции при старте. Завершение с устаревшим билетом
// не перезаписывает более свежее состояние.
type Ticket struct {
	Seq  uint64
	Slot Slot
}

// State - снимок хранилища контента.
type State struct {
	Posts      []models.Post `json:"posts"`
	TotalCount int           `json:"totalCount"`
	Cursor     models.Cursor `json:"cursor"`
	Current    *models.Post  `json:"current"`
	Status     models.Status `json:"status"`
}

// Pager строит состояние навигации по загруженной странице.
func (s State) Pager() models.Pager {
	return models.NewPager(s.Cursor.Page, s.Cursor.PageSize, s.TotalCount)
}

// Action - команда редьюсера. Каждое действие несет тикет операции.
type Action interface {
	ticket() Ticket
}

// Started переводит статус в loading.
type Started struct{ Ticket }

// ListLoaded заменяет страницу постов.
type ListLoaded struct {
	Ticket
	Cursor models.Cursor
	Page   models.PaginatedPosts
}

// PostLoaded заменяет текущий пост.
type PostLoaded struct {
	Ticket
	Post models.Post
}

// Succeeded завершает запись без изменения загруженных данных.
type Succeeded struct{ Ticket }

// Failed записывает ошибку в статус.
type Failed struct {
	Ticket
	Kind    string
	Message string
}

// CurrentCleared сбрасывает открытый пост, например после его удаления.
type CurrentCleared struct{ Ticket }

func (t Ticket) ticket() Ticket { return t }

// Store хранит посты, текущий пост и статус. Меняется только через Dispatch.
type Store struct {
	mu       sync.Mutex
	state    State
	seq      uint64
	statusAt uint64
	slotAt   map[Slot]uint64

	subs   map[int]chan State
	nextID int
}

// New создает пустое хранилище с курсором на первой странице.
func New(pageSize int) *Store {
	return &Store{
		state:  State{Cursor: models.Cursor{Page: 1, PageSize: pageSize}, Status: models.Idle()},
		slotAt: make(map[Slot]uint64),
		subs:   make(map[int]chan State),
	}
}

// Begin регистрирует старт операции. Последняя начатая операция владеет статусом,
// последнее начатое чтение слота владеет его данными.
func (s *Store) Begin(slot Slot) Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.statusAt = s.seq
	if slot != SlotNone {
		s.slotAt[slot] = s.seq
	}
	return Ticket{Seq: s.seq, Slot: slot}
}

// Dispatch применяет действие. Возвращает false, если действие устарело целиком.
func (s *Store) Dispatch(a Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := a.ticket()
	ownsStatus := t.Seq == s.statusAt
	ownsSlot := t.Slot == SlotNone || t.Seq == s.slotAt[t.Slot]

	applied := reduce(&s.state, a, ownsStatus, ownsSlot)
	if !applied {
		return false
	}

	snapshot := s.copyLocked()
	for _, ch := range s.subs {
		publish(ch, snapshot)
	}
	return true
}

func reduce(st *State, a Action, ownsStatus, ownsSlot bool) bool {
	switch a := a.(type) {
	case Started:
		if !ownsStatus {
			return false
		}
		st.Status = models.Loading()
		return true

	case ListLoaded:
		if !ownsSlot {
			return false
		}
		st.Posts = clonePosts(a.Page.Posts)
		st.TotalCount = a.Page.TotalCount
		st.Cursor = a.Cursor
		if ownsStatus {
			st.Status = models.Idle()
		}
		return true

	case PostLoaded:
		if !ownsSlot {
			return false
		}
		post := clonePost(a.Post)
		st.Current = &post
		if ownsStatus {
			st.Status = models.Idle()
		}
		return true

	case CurrentCleared:
		st.Current = nil
		return true

	case Succeeded:
		if !ownsStatus {
			return false
		}
		st.Status = models.Idle()
		return true

	case Failed:
		if !ownsStatus {
			return false
		}
		st.Status = models.Failed(a.Kind, a.Message)
		return true
	}
	return false
}

// Snapshot возвращает копию состояния.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Subscribe возвращает канал снимков и функцию отписки.
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

func (s *Store) copyLocked() State {
	st := s.state
	st.Posts = clonePosts(s.state.Posts)
	if s.state.Current != nil {
		post := clonePost(*s.state.Current)
		st.Current = &post
	}
	return st
}

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

func clonePosts(posts []models.Post) []models.Post {
	if posts == nil {
		return nil
	}
	out := make([]models.Post, len(posts))
	for i, p := range posts {
		out[i] = clonePost(p)
	}
	return out
}

func clonePost(p models.Post) models.Post {
	p.ImagePath = cloneString(p.ImagePath)
	p.SignedURL = cloneString(p.SignedURL)
	if p.Comments != nil {
		comments := make([]models.Comment, len(p.Comments))
		for i, c := range p.Comments {
			c.Text = cloneString(c.Text)
			c.ImagePath = cloneString(c.ImagePath)
			c.SignedURL = cloneString(c.SignedURL)
			comments[i] = c
		}
		p.Comments = comments
	}
	return p
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
