// Package orchestration связывает хранилища состояния с бэкендом: каждая операция -
// линейная цепочка вызовов gateway, результат которой попадает в content.Store.
package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ButyrinIA/blogclient/internal/content"
	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/logger"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/ButyrinIA/blogclient/internal/session"
	"github.com/rs/zerolog"
)

// ErrValidation - входные данные отклонены до обращения к бэкенду.
var ErrValidation = errors.New("validation failed")

// Config - параметры оркестрации: бакет картинок, время жизни подписанных URL и размер страницы.
type Config struct {
	Bucket       string
	SignedURLTTL time.Duration
	PageSize     int
	Now          func() time.Time
}

// PostInput - данные нового поста. Image может быть nil.
type PostInput struct {
	Title   string
	Content string
	Image   *models.Upload
}

// PostUpdate - новые поля поста и намерение для картинки.
type PostUpdate struct {
	Title   string
	Content string
	Image   models.ImageChange
}

// CommentInput - данные нового комментария: нужен текст или файл.
type CommentInput struct {
	Text  *string
	Image *models.Upload
}

// CommentUpdate заменяет текст целиком: nil или пустая строка очищают его.
type CommentUpdate struct {
	Text  *string
	Image models.ImageChange
}

// Orchestrator выполняет операции блога и записывает их результат в content.Store.
type Orchestrator struct {
	gw      gateway.Gateway
	content *content.Store
	session *session.Store
	cfg     Config
	metrics *Metrics
	log     zerolog.Logger

	images  *imagePipeline
	deletes *deletePipeline
	signer  *signer
}

// New создает оркестратор. Нулевые значения Config заменяются значениями по умолчанию.
func New(gw gateway.Gateway, contentStore *content.Store, sessionStore *session.Store, cfg Config, metrics *Metrics) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 5
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = time.Hour
	}

	log := logger.Component("orchestration")
	return &Orchestrator{
		gw:      gw,
		content: contentStore,
		session: sessionStore,
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		images:  &imagePipeline{objects: gw.Objects, bucket: cfg.Bucket, now: cfg.Now, log: log},
		deletes: &deletePipeline{objects: gw.Objects, bucket: cfg.Bucket},
		signer:  &signer{objects: gw.Objects, bucket: cfg.Bucket, ttl: cfg.SignedURLTTL, log: log},
	}
}

// PageSize возвращает размер страницы списка.
func (o *Orchestrator) PageSize() int {
	return o.cfg.PageSize
}

// ListPosts загружает страницу постов. pageSize <= 0 означает размер из конфигурации.
func (o *Orchestrator) ListPosts(ctx context.Context, page, pageSize int) (*models.PaginatedPosts, error) {
	if pageSize <= 0 {
		pageSize = o.cfg.PageSize
	}
	cursor := models.Cursor{Page: page, PageSize: pageSize}

	tk := o.content.Begin(content.SlotList)
	var out *models.PaginatedPosts
	err := o.observe("list_posts", tk, func() error {
		if !cursor.Valid() {
			return fmt.Errorf("%w: invalid page %d or page size %d", ErrValidation, page, pageSize)
		}

		from, to := cursor.Range()
		res, err := o.gw.Rows.Query(ctx, listQuery(from, to))
		if err != nil {
			return gateway.AsKind(gateway.KindQuery, err)
		}

		posts := make([]models.Post, 0, len(res.Records))
		for _, raw := range res.Records {
			row, err := parsePostRow(raw)
			if err != nil {
				return gateway.AsKind(gateway.KindQuery, err)
			}
			posts = append(posts, row.toPost())
		}

		paths := make([]string, 0, len(posts))
		for _, p := range posts {
			if p.ImagePath != nil {
				paths = append(paths, *p.ImagePath)
			}
		}
		urls, err := o.signer.resolve(ctx, paths)
		if err != nil {
			return err
		}
		for i := range posts {
			posts[i].SignedURL = lookup(urls, posts[i].ImagePath)
		}

		out = &models.PaginatedPosts{Posts: posts, TotalCount: res.TotalCount}
		o.content.Dispatch(content.ListLoaded{Ticket: tk, Cursor: cursor, Page: *out})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadPost загружает пост вместе с комментариями и их авторами одним запросом.
func (o *Orchestrator) ReadPost(ctx context.Context, id string) (*models.Post, error) {
	tk := o.content.Begin(content.SlotCurrent)
	var out *models.Post
	err := o.observe("read_post", tk, func() error {
		res, err := o.gw.Rows.Query(ctx, detailQuery(id))
		if err != nil {
			return gateway.AsKind(gateway.KindQuery, err)
		}
		if len(res.Records) == 0 {
			return gateway.NotFound(gateway.KindQuery, "Post")
		}

		row, err := parsePostRow(res.Records[0])
		if err != nil {
			return gateway.AsKind(gateway.KindQuery, err)
		}
		post := row.toPost()

		if post.ImagePath != nil {
			url, err := o.signer.one(ctx, *post.ImagePath)
			if err != nil {
				return err
			}
			post.SignedURL = &url
		}

		paths := make([]string, 0, len(post.Comments))
		for _, c := range post.Comments {
			if c.ImagePath != nil {
				paths = append(paths, *c.ImagePath)
			}
		}
		urls, err := o.signer.resolve(ctx, paths)
		if err != nil {
			return err
		}
		for i := range post.Comments {
			post.Comments[i].SignedURL = lookup(urls, post.Comments[i].ImagePath)
		}

		out = &post
		o.content.Dispatch(content.PostLoaded{Ticket: tk, Post: post})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UploadImage загружает файл текущего пользователя и возвращает путь объекта.
func (o *Orchestrator) UploadImage(ctx context.Context, file models.Upload) (string, error) {
	tk := o.content.Begin(content.SlotNone)
	var stored string
	err := o.observe("upload_image", tk, func() error {
		identity, err := o.requireIdentity()
		if err != nil {
			return err
		}
		if err := models.ReplaceImage(file).Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}

		stored, err = o.images.upload(ctx, identity.ID, file)
		if err != nil {
			return &StageError{Stage: StageUpload, Err: err}
		}
		o.content.Dispatch(content.Succeeded{Ticket: tk})
		return nil
	})
	return stored, err
}

// CreatePost загружает картинку, затем вставляет строку. Загруженные списки не меняются.
func (o *Orchestrator) CreatePost(ctx context.Context, in PostInput) (*models.Post, error) {
	tk := o.content.Begin(content.SlotNone)
	var out *models.Post
	err := o.observe("create_post", tk, func() error {
		identity, err := o.requireIdentity()
		if err != nil {
			return err
		}
		if err := validatePost(in.Title, in.Content); err != nil {
			return err
		}

		change := models.KeepImage()
		if in.Image != nil {
			change = models.ReplaceImage(*in.Image)
		}

		raw, err := o.images.Run(ctx, imagePlan{Owner: identity.ID, Change: change}, func(ctx context.Context, image imageColumn) (json.RawMessage, error) {
			payload := gateway.Record{
				"title":      in.Title,
				"content":    in.Content,
				"author_id":  identity.ID,
				"image_path": nullable(image.path),
			}
			raw, err := o.gw.Rows.Insert(ctx, gateway.TablePosts, payload)
			return raw, gateway.AsKind(gateway.KindWrite, err)
		})
		if err != nil {
			return err
		}

		post, err := o.writtenPost(raw, identity)
		if err != nil {
			return err
		}
		out = post
		o.content.Dispatch(content.Succeeded{Ticket: tk})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdatePost: загрузка новой картинки -> обновление строки -> удаление старой картинки.
func (o *Orchestrator) UpdatePost(ctx context.Context, id string, in PostUpdate) (*models.Post, error) {
	tk := o.content.Begin(content.SlotNone)
	var out *models.Post
	err := o.observe("update_post", tk, func() error {
		identity, err := o.requireIdentity()
		if err != nil {
			return err
		}
		if err := validatePost(in.Title, in.Content); err != nil {
			return err
		}
		owned, err := o.loadOwned(ctx, gateway.TablePosts, id, identity, "Post")
		if err != nil {
			return err
		}

		plan := imagePlan{Owner: identity.ID, Old: owned.ImagePath, Change: in.Image}
		raw, err := o.images.Run(ctx, plan, func(ctx context.Context, image imageColumn) (json.RawMessage, error) {
			payload := gateway.Record{"title": in.Title, "content": in.Content}
			image.apply(payload)
			return o.updateOne(ctx, gateway.TablePosts, id, payload, "Post")
		})
		if err != nil {
			return err
		}

		post, err := o.writtenPost(raw, identity)
		if err != nil {
			return err
		}
		out = post
		o.content.Dispatch(content.Succeeded{Ticket: tk})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePost удаляет картинку, затем строку. imagePath == nil означает путь из строки.
func (o *Orchestrator) DeletePost(ctx context.Context, id string, imagePath *string) error {
	tk := o.content.Begin(content.SlotNone)
	return o.observe("delete_post", tk, func() error {
		identity, err := o.requireIdentity()
		if err != nil {
			return err
		}
		owned, err := o.loadOwned(ctx, gateway.TablePosts, id, identity, "Post")
		if err != nil {
			return err
		}
		if imagePath == nil {
			imagePath = owned.ImagePath
		}

		err = o.deletes.Run(ctx, imagePath, func(ctx context.Context) error {
			return gateway.AsKind(gateway.KindWrite, o.gw.Rows.Delete(ctx, gateway.TablePosts, []gateway.Filter{gateway.Eq("id", id)}))
		})
		if err != nil {
			return err
		}

		if current := o.content.Snapshot().Current; current != nil && current.ID == id {
			o.content.Dispatch(content.CurrentCleared{Ticket: tk})
		}
		o.content.Dispatch(content.Succeeded{Ticket: tk})
		return nil
	})
}

// CreateComment загружает картинку, если она есть, и затем создает комментарий к посту.
func (o *Orchestrator) CreateComment(ctx context.Context, postID string, in CommentInput) (*models.Comment, error) {
	tk := o.content.Begin(content.SlotNone)
	var out *models.Comment
	err := o.observe("create_comment", tk, func() error {
		identity, err := o.requireIdentity()
		if err != nil {
			return err
		}
		text := normalizeText(in.Text)
		if text == nil && in.Image == nil {
			return fmt.Errorf("%w: comment needs text or an image", ErrValidation)
		}

		change := models.KeepImage()
		if in.Image != nil {
			change = models.ReplaceImage(*in.Image)
		}

		raw, err := o.images.Run(ctx, imagePlan{Owner: identity.ID, Change: change}, func(ctx context.Context, image imageColumn) (json.RawMessage, error) {
			payload := gateway.Record{
				"post_id":      postID,
				"author_id":    identity.ID,
				"text_content": nullable(text),
				"image_path":   nullable(image.path),
			}
			raw, err := o.gw.Rows.Insert(ctx, gateway.TableComments, payload)
			return raw, gateway.AsKind(gateway.KindWrite, err)
		})
		if err != nil {
			return err
		}

		comment, err := o.writtenComment(raw, identity)
		if err != nil {
			return err
		}
		out = comment
		o.content.Dispatch(content.Succeeded{Ticket: tk})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateComment применяет явное намерение по картинке: Keep, Remove или Replace.
func (o *Orchestrator) UpdateComment(ctx context.Context, commentID string, in CommentUpdate) (*models.Comment, error) {
	tk := o.content.Begin(content.SlotNone)
	var out *models.Comment
	err := o.observe("update_comment", tk, func() error {
		identity, err := o.requireIdentity()
		if err != nil {
			return err
		}
		owned, err := o.loadOwned(ctx, gateway.TableComments, commentID, identity, "Comment")
		if err != nil {
			return err
		}

		text := normalizeText(in.Text)
		hasImage := in.Image.Intent == models.ImageReplace ||
			(in.Image.Intent == models.ImageKeep && owned.ImagePath != nil)
		if text == nil && !hasImage {
			return fmt.Errorf("%w: comment needs text or an image", ErrValidation)
		}

		plan := imagePlan{Owner: identity.ID, Old: owned.ImagePath, Change: in.Image}
		raw, err := o.images.Run(ctx, plan, func(ctx context.Context, image imageColumn) (json.RawMessage, error) {
			payload := gateway.Record{"text_content": nullable(text)}
			image.apply(payload)
			return o.updateOne(ctx, gateway.TableComments, commentID, payload, "Comment")
		})
		if err != nil {
			return err
		}

		comment, err := o.writtenComment(raw, identity)
		if err != nil {
			return err
		}
		out = comment
		o.content.Dispatch(content.Succeeded{Ticket: tk})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteComment удаляет картинку комментария, затем строку. nil imagePath берется из строки.
func (o *Orchestrator) DeleteComment(ctx context.Context, commentID string, imagePath *string) error {
	tk := o.content.Begin(content.SlotNone)
	return o.observe("delete_comment", tk, func() error {
		identity, err := o.requireIdentity()
		if err != nil {
			return err
		}
		owned, err := o.loadOwned(ctx, gateway.TableComments, commentID, identity, "Comment")
		if err != nil {
			return err
		}
		if imagePath == nil {
			imagePath = owned.ImagePath
		}

		err = o.deletes.Run(ctx, imagePath, func(ctx context.Context) error {
			return gateway.AsKind(gateway.KindWrite, o.gw.Rows.Delete(ctx, gateway.TableComments, []gateway.Filter{gateway.Eq("id", commentID)}))
		})
		if err != nil {
			return err
		}
		o.content.Dispatch(content.Succeeded{Ticket: tk})
		return nil
	})
}

// SignURL подписывает один путь. Результат не кешируется.
func (o *Orchestrator) SignURL(ctx context.Context, path string) (string, error) {
	var url string
	err := o.instrument("sign_url", func() error {
		var err error
		url, err = o.signer.one(ctx, path)
		return err
	})
	return url, err
}

// SignURLs подписывает пути одним пакетным вызовом. Неподписанные пути отсутствуют в ответе.
func (o *Orchestrator) SignURLs(ctx context.Context, paths []string) (map[string]string, error) {
	var urls map[string]string
	err := o.instrument("sign_urls", func() error {
		var err error
		urls, err = o.signer.resolve(ctx, paths)
		return err
	})
	return urls, err
}

// observe переводит хранилище в loading, выполняет операцию и при ошибке
// записывает статус error. Успешный исход операция диспатчит сама.
func (o *Orchestrator) observe(operation string, tk content.Ticket, fn func() error) error {
	o.content.Dispatch(content.Started{Ticket: tk})
	err := o.instrument(operation, fn)
	if err != nil {
		o.content.Dispatch(content.Failed{Ticket: tk, Kind: StatusKind(err), Message: StatusMessage(err)})
	}
	return err
}

func (o *Orchestrator) instrument(operation string, fn func() error) error {
	start := time.Now()
	log := o.log.With().Str("operation", operation).Logger()
	log.Debug().Msg("Операция начата")

	err := fn()

	elapsed := time.Since(start)
	o.metrics.observe(operation, elapsed, err)
	if err != nil {
		event := log.Error()
		if errors.Is(err, ErrValidation) || errors.Is(err, gateway.ErrNotFound) || errors.Is(err, gateway.ErrUnauthorized) {
			event = log.Warn()
		}
		event.Err(err).
			Str("kind", StatusKind(err)).
			Dur("duration", elapsed).
			Msg("Операция завершилась ошибкой")
		return err
	}
	log.Info().Dur("duration", elapsed).Msg("Операция выполнена")
	return nil
}

func (o *Orchestrator) requireIdentity() (*models.Identity, error) {
	identity := o.session.Identity()
	if identity == nil {
		return nil, gateway.Unauthorized("Unauthorized User")
	}
	return identity, nil
}

// loadOwned читает строку и проверяет, что ее автор - текущий пользователь.
func (o *Orchestrator) loadOwned(ctx context.Context, table gateway.Table, id string, identity *models.Identity, what string) (ownedRow, error) {
	res, err := o.gw.Rows.Query(ctx, ownerQuery(table, id))
	if err != nil {
		return ownedRow{}, gateway.AsKind(gateway.KindQuery, err)
	}
	if len(res.Records) == 0 {
		return ownedRow{}, gateway.NotFound(gateway.KindQuery, what)
	}
	row := parseOwnedRow(res.Records[0])
	if row.AuthorID != identity.ID {
		return ownedRow{}, gateway.Unauthorized("Only the author can modify this " + strings.ToLower(what))
	}
	return row, nil
}

func (o *Orchestrator) updateOne(ctx context.Context, table gateway.Table, id string, payload gateway.Record, what string) (json.RawMessage, error) {
	rows, err := o.gw.Rows.Update(ctx, table, []gateway.Filter{gateway.Eq("id", id)}, payload)
	if err != nil {
		return nil, gateway.AsKind(gateway.KindWrite, err)
	}
	if len(rows) == 0 {
		return nil, gateway.NotFound(gateway.KindWrite, what)
	}
	return rows[0], nil
}

func (o *Orchestrator) writtenPost(raw json.RawMessage, identity *models.Identity) (*models.Post, error) {
	row, err := parsePostRow(raw)
	if err != nil {
		return nil, gateway.AsKind(gateway.KindWrite, err)
	}
	post := row.toPost()
	if post.AuthorEmail == "" && post.AuthorID == identity.ID {
		post.AuthorEmail = identity.Email
	}
	return &post, nil
}

func (o *Orchestrator) writtenComment(raw json.RawMessage, identity *models.Identity) (*models.Comment, error) {
	row, err := parseCommentRow(raw)
	if err != nil {
		return nil, gateway.AsKind(gateway.KindWrite, err)
	}
	comment := row.toComment()
	if comment.AuthorEmail == "" && comment.AuthorID == identity.ID {
		comment.AuthorEmail = identity.Email
	}
	return &comment, nil
}

func validatePost(title, content string) error {
	switch {
	case strings.TrimSpace(title) == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case strings.TrimSpace(content) == "":
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	return nil
}

func normalizeText(text *string) *string {
	if text == nil || strings.TrimSpace(*text) == "" {
		return nil
	}
	v := *text
	return &v
}

func lookup(urls map[string]string, path *string) *string {
	if path == nil {
		return nil
	}
	url, ok := urls[*path]
	if !ok {
		return nil
	}
	return &url
}

// StatusKind - вид ошибки для статуса хранилища и HTTP-ответа.
func StatusKind(err error) string {
	if errors.Is(err, ErrValidation) {
		return "validation"
	}
	return gateway.KindOf(err).String()
}

// StatusMessage - сообщение бэкенда без префикса шага.
func StatusMessage(err error) string {
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return gerr.Error()
	}
	var serr *StageError
	if errors.As(err, &serr) {
		return serr.Err.Error()
	}
	return err.Error()
}
