package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ButyrinIA/blogclient/internal/content"
	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/ButyrinIA/blogclient/internal/orchestration"
	"github.com/ButyrinIA/blogclient/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	maxUploadSize = 10 << 20
	writeWait     = 10 * time.Second
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpResponse struct {
	Identity             *models.Identity `json:"identity"`
	ConfirmationRequired bool             `json:"confirmationRequired"`
}

type listResponse struct {
	Posts      []models.Post `json:"posts"`
	TotalCount int           `json:"totalCount"`
	Pager      models.Pager  `json:"pager"`
}

// StateView - снимок обоих хранилищ, который видит интерфейс.
type StateView struct {
	Session session.State `json:"session"`
	Guard   string        `json:"guard"`
	Content content.State `json:"content"`
	Pager   models.Pager  `json:"pager"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", orchestration.ErrValidation))
		return
	}
	result, err := run(r, func(ctx context.Context) (session.SignUpResult, error) {
		return s.deps.Session.SignUp(ctx, in.Email, in.Password)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signUpResponse{Identity: result.Identity, ConfirmationRequired: result.ConfirmationRequired})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", orchestration.ErrValidation))
		return
	}
	identity, err := run(r, func(ctx context.Context) (*models.Identity, error) {
		return s.deps.Session.SignIn(ctx, in.Email, in.Password)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := runErr(r, s.deps.Session.SignOut); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Session.Snapshot())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stateView(s.deps.Session.Snapshot(), s.deps.Content.Snapshot()))
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: page must be a number", orchestration.ErrValidation))
			return
		}
		page = n
	}

	result, err := run(r, func(ctx context.Context) (*models.PaginatedPosts, error) {
		return s.deps.Orchestrator.ListPosts(ctx, page, 0)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Posts:      result.Posts,
		TotalCount: result.TotalCount,
		Pager:      models.NewPager(page, s.deps.Orchestrator.PageSize(), result.TotalCount),
	})
}

func (s *Server) handleReadPost(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	post, err := run(r, func(ctx context.Context) (*models.Post, error) {
		return s.deps.Orchestrator.ReadPost(ctx, id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	file, err := parseForm(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	in := orchestration.PostInput{
		Title:   r.FormValue("title"),
		Content: r.FormValue("content"),
		Image:   file,
	}
	post, err := run(r, func(ctx context.Context) (*models.Post, error) {
		return s.deps.Orchestrator.CreatePost(ctx, in)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	file, err := parseForm(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	in := orchestration.PostUpdate{
		Title:   r.FormValue("title"),
		Content: r.FormValue("content"),
		Image:   models.ImageChangeFromForm(file, formBool(r, "remove_image")),
	}
	post, err := run(r, func(ctx context.Context) (*models.Post, error) {
		return s.deps.Orchestrator.UpdatePost(ctx, id, in)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := runErr(r, func(ctx context.Context) error {
		return s.deps.Orchestrator.DeletePost(ctx, id, nil)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	file, err := parseForm(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	text := r.FormValue("text")
	postID := mux.Vars(r)["id"]
	in := orchestration.CommentInput{Text: &text, Image: file}
	comment, err := run(r, func(ctx context.Context) (*models.Comment, error) {
		return s.deps.Orchestrator.CreateComment(ctx, postID, in)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) handleUpdateComment(w http.ResponseWriter, r *http.Request) {
	file, err := parseForm(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	text := r.FormValue("text")
	commentID := mux.Vars(r)["commentID"]
	in := orchestration.CommentUpdate{
		Text:  &text,
		Image: models.ImageChangeFromForm(file, formBool(r, "remove_image")),
	}
	comment, err := run(r, func(ctx context.Context) (*models.Comment, error) {
		return s.deps.Orchestrator.UpdateComment(ctx, commentID, in)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	commentID := mux.Vars(r)["commentID"]
	err := runErr(r, func(ctx context.Context) error {
		return s.deps.Orchestrator.DeleteComment(ctx, commentID, nil)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, err := parseForm(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if file == nil {
		writeError(w, fmt.Errorf("%w: image file is required", orchestration.ErrValidation))
		return
	}
	upload := *file
	path, err := run(r, func(ctx context.Context) (string, error) {
		return s.deps.Orchestrator.UploadImage(ctx, upload)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

// handleWS шлет снимок состояния при каждом изменении любого из хранилищ.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Не удалось открыть WebSocket")
		return
	}
	defer conn.Close()

	sessionCh, unsubscribeSession := s.deps.Session.Subscribe()
	defer unsubscribeSession()
	contentCh, unsubscribeContent := s.deps.Content.Subscribe()
	defer unsubscribeContent()

	// чтение нужно только для обработки close-фреймов клиента
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sessionState := s.deps.Session.Snapshot()
	contentState := s.deps.Content.Snapshot()
	for {
		select {
		case st, ok := <-sessionCh:
			if !ok {
				return
			}
			sessionState = st
		case st, ok := <-contentCh:
			if !ok {
				return
			}
			contentState = st
		case <-closed:
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.stateView(sessionState, contentState)); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("WebSocket закрыт")
			}
			return
		}
	}
}

// run запускает операцию через orchestration.Dispatch. Обрыв соединения клиента
// прекращает только ожидание: начатая операция доходит до конца и обновляет хранилища.
func run[T any](r *http.Request, fn func(context.Context) (T, error)) (T, error) {
	return orchestration.Dispatch(r.Context(), fn).Wait(r.Context())
}

func runErr(r *http.Request, fn func(context.Context) error) error {
	_, err := run(r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (s *Server) stateView(sessionState session.State, contentState content.State) StateView {
	guard := session.GuardAllow
	switch {
	case !sessionState.Initialized:
		guard = session.GuardPending
	case sessionState.Identity == nil:
		guard = session.GuardRedirect
	}
	return StateView{
		Session: sessionState,
		Guard:   guard.String(),
		Content: contentState,
		Pager:   contentState.Pager(),
	}
}

// parseForm разбирает multipart или urlencoded форму и достает необязательный файл image.
func parseForm(w http.ResponseWriter, r *http.Request) (*models.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, fmt.Errorf("%w: %v", orchestration.ErrValidation, err)
	}

	f, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orchestration.ErrValidation, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) > maxUploadSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", orchestration.ErrValidation, maxUploadSize)
	}
	return &models.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func formBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.FormValue(key))
	return v
}

// httpStatus сопоставляет ошибку оркестрации с кодом ответа.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, orchestration.ErrValidation), errors.Is(err, models.ErrInvalidImageChange):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	}

	switch gateway.KindOf(err) {
	case gateway.KindAuth:
		return http.StatusBadRequest
	case gateway.KindQuery, gateway.KindWrite, gateway.KindStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{
		"error": orchestration.StatusMessage(err),
		"kind":  orchestration.StatusKind(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
