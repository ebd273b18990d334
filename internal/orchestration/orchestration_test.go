package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ButyrinIA/blogclient/internal/content"
	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/gateway/memory"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/ButyrinIA/blogclient/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucket = "blog-images"

// countingObjects считает вызовы подписи поверх настоящего хранилища объектов.
type countingObjects struct {
	gateway.Objects
	single atomic.Int32
	batch  atomic.Int32
}

func (c *countingObjects) SignURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	c.single.Add(1)
	return c.Objects.SignURL(ctx, bucket, path, ttl)
}

func (c *countingObjects) SignURLs(ctx context.Context, bucket string, paths []string, ttl time.Duration) ([]gateway.SignedURL, error) {
	c.batch.Add(1)
	return c.Objects.SignURLs(ctx, bucket, paths, ttl)
}

func (c *countingObjects) reset() {
	c.single.Store(0)
	c.batch.Store(0)
}

// ticker - часы, которые сдвигаются на секунду при каждом чтении.
func ticker() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

type fixture struct {
	backend  *memory.MemoryStorage
	objects  *countingObjects
	content  *content.Store
	session  *session.Store
	metrics  *Metrics
	orch     *Orchestrator
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := ticker()
	backend := memory.New(memory.Options{Now: now})
	gw := backend.Gateway()
	objects := &countingObjects{Objects: gw.Objects}
	gw.Objects = objects

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	contentStore := content.New(5)
	sessionStore := session.New(gw.Auth)

	orch := New(gw, contentStore, sessionStore, Config{
		Bucket:       bucket,
		SignedURLTTL: time.Hour,
		PageSize:     5,
		Now:          now,
	}, metrics)

	return &fixture{
		backend:  backend,
		objects:  objects,
		content:  contentStore,
		session:  sessionStore,
		metrics:  metrics,
		orch:     orch,
		registry: registry,
	}
}

func (f *fixture) signUp(t *testing.T, email string) *models.Identity {
	t.Helper()
	result, err := f.session.SignUp(context.Background(), email, "secret-password")
	require.NoError(t, err)
	require.NotNil(t, result.Identity)
	return result.Identity
}

func (f *fixture) signIn(t *testing.T, email string) {
	t.Helper()
	_, err := f.session.SignIn(context.Background(), email, "secret-password")
	require.NoError(t, err)
}

func png(name string) *models.Upload {
	return &models.Upload{Name: name, ContentType: "image/png", Data: []byte("\x89PNG fake " + name)}
}

func text(s string) *string { return &s }

func TestCreateAndRead(t *testing.T) {
	ctx := context.Background()

	t.Run("posts without file have no image", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")

		for _, title := range []string{"A", "B"} {
			post, err := f.orch.CreatePost(ctx, PostInput{Title: title, Content: "content " + title})
			require.NoError(t, err)
			assert.Nil(t, post.ImagePath)
			assert.Nil(t, post.SignedURL)
		}

		page, err := f.orch.ListPosts(ctx, 1, 5)
		require.NoError(t, err)
		require.Len(t, page.Posts, 2)
		assert.Equal(t, "B", page.Posts[0].Title, "Новые посты первыми")
		for _, p := range page.Posts {
			assert.Nil(t, p.ImagePath)
			assert.Nil(t, p.SignedURL)
			assert.Equal(t, models.ImageNone, p.ImageState())
			assert.Equal(t, "alice@example.com", p.AuthorEmail)
		}
		assert.Zero(t, f.objects.batch.Load(), "Без картинок подпись не запрашивается")
	})

	t.Run("round trip with file resolves URL", func(t *testing.T) {
		f := newFixture(t)
		alice := f.signUp(t, "alice@example.com")

		created, err := f.orch.CreatePost(ctx, PostInput{Title: "Cat", Content: "meow", Image: png("cat.png")})
		require.NoError(t, err)
		require.NotNil(t, created.ImagePath)
		assert.True(t, strings.HasPrefix(*created.ImagePath, alice.ID+"/"))
		assert.True(t, strings.HasSuffix(*created.ImagePath, "-cat.png"))
		assert.True(t, f.backend.ObjectExists(bucket, *created.ImagePath))
		assert.Equal(t, "alice@example.com", created.AuthorEmail)

		post, err := f.orch.ReadPost(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ImageResolved, post.ImageState())
		assert.Contains(t, *post.SignedURL, "/object/sign/"+bucket+"/"+*created.ImagePath)
		assert.Empty(t, post.Comments)

		st := f.content.Snapshot()
		require.NotNil(t, st.Current)
		assert.Equal(t, created.ID, st.Current.ID)
		assert.Equal(t, models.StatusIdle, st.Status.State)
	})

	t.Run("create requires identity", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orch.CreatePost(ctx, PostInput{Title: "A", Content: "a"})
		assert.ErrorIs(t, err, gateway.ErrUnauthorized)

		st := f.content.Snapshot()
		assert.Equal(t, "Unauthorized User", st.Status.Message)
		assert.Equal(t, "auth", st.Status.Kind)
	})

	t.Run("create validates input", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")

		_, err := f.orch.CreatePost(ctx, PostInput{Title: "  ", Content: "a"})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, "validation", f.content.Snapshot().Status.Kind)

		_, err = f.orch.CreatePost(ctx, PostInput{Title: "A", Content: "a", Image: &models.Upload{Name: "empty.png"}})
		assert.ErrorIs(t, err, ErrValidation, "Пустой файл отклоняется до загрузки")
	})

	t.Run("upload failure aborts before row write", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		f.backend.FailNext(memory.OpPut, errors.New("bucket unavailable"))

		_, err := f.orch.CreatePost(ctx, PostInput{Title: "A", Content: "a", Image: png("a.png")})
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageUpload, stageErr.Stage)
		assert.Equal(t, "storage", f.content.Snapshot().Status.Kind)
		assert.Equal(t, "bucket unavailable", f.content.Snapshot().Status.Message)

		page, err := f.orch.ListPosts(ctx, 1, 5)
		require.NoError(t, err)
		assert.Empty(t, page.Posts, "Строка не должна появиться")
	})

	t.Run("read missing post", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orch.ReadPost(ctx, "missing")
		assert.ErrorIs(t, err, gateway.ErrNotFound)
		st := f.content.Snapshot()
		assert.True(t, st.Status.IsError())
		assert.Nil(t, st.Current)
	})
}

func TestListPosts(t *testing.T) {
	ctx := context.Background()

	t.Run("page bound and pager", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		for i := 1; i <= 12; i++ {
			_, err := f.orch.CreatePost(ctx, PostInput{Title: fmt.Sprintf("post %d", i), Content: "c"})
			require.NoError(t, err)
		}

		first, err := f.orch.ListPosts(ctx, 1, 5)
		require.NoError(t, err)
		require.Len(t, first.Posts, 5)
		assert.Equal(t, "post 12", first.Posts[0].Title)
		assert.Equal(t, "post 8", first.Posts[4].Title)
		for i := 1; i < len(first.Posts); i++ {
			assert.False(t, first.Posts[i].CreatedAt.After(first.Posts[i-1].CreatedAt), "Порядок по убыванию created_at")
		}

		last, err := f.orch.ListPosts(ctx, 3, 5)
		require.NoError(t, err)
		assert.Len(t, last.Posts, 2)
		assert.Equal(t, 12, last.TotalCount)

		pager := f.content.Snapshot().Pager()
		assert.Equal(t, 3, pager.Page)
		assert.Equal(t, 3, pager.TotalPages)
		assert.False(t, pager.HasNext)
		assert.True(t, pager.HasPrev)
	})

	t.Run("one batched signing call per read", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		for i := 1; i <= 6; i++ {
			_, err := f.orch.CreatePost(ctx, PostInput{Title: fmt.Sprintf("post %d", i), Content: "c", Image: png(fmt.Sprintf("%d.png", i))})
			require.NoError(t, err)
		}
		f.objects.reset()

		page, err := f.orch.ListPosts(ctx, 1, 5)
		require.NoError(t, err)
		require.Len(t, page.Posts, 5)
		for _, p := range page.Posts {
			assert.Equal(t, models.ImageResolved, p.ImageState())
		}
		assert.EqualValues(t, 1, f.objects.batch.Load())
		assert.Zero(t, f.objects.single.Load())

		_, err = f.orch.ListPosts(ctx, 1, 5)
		require.NoError(t, err)
		assert.EqualValues(t, 2, f.objects.batch.Load(), "URL не кешируются между чтениями")
	})

	t.Run("unsigned item stays unresolved", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		lost, err := f.orch.CreatePost(ctx, PostInput{Title: "lost", Content: "c", Image: png("lost.png")})
		require.NoError(t, err)
		_, err = f.orch.CreatePost(ctx, PostInput{Title: "kept", Content: "c", Image: png("kept.png")})
		require.NoError(t, err)

		require.NoError(t, f.backend.Gateway().Objects.Remove(ctx, bucket, []string{*lost.ImagePath}))

		page, err := f.orch.ListPosts(ctx, 1, 5)
		require.NoError(t, err)
		require.Len(t, page.Posts, 2)
		assert.Equal(t, models.ImageResolved, page.Posts[0].ImageState())
		assert.Equal(t, models.ImageUnresolved, page.Posts[1].ImageState())
	})

	t.Run("batch signing failure aborts read", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		_, err := f.orch.CreatePost(ctx, PostInput{Title: "a", Content: "c", Image: png("a.png")})
		require.NoError(t, err)

		f.backend.FailNext(memory.OpSign, errors.New("storage down"))
		_, err = f.orch.ListPosts(ctx, 1, 5)
		require.Error(t, err)

		st := f.content.Snapshot()
		assert.Equal(t, "storage", st.Status.Kind)
		assert.Empty(t, st.Posts, "Частичная страница не записывается")
	})

	t.Run("query failure keeps previous page", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		_, err := f.orch.CreatePost(ctx, PostInput{Title: "a", Content: "c"})
		require.NoError(t, err)
		_, err = f.orch.ListPosts(ctx, 1, 5)
		require.NoError(t, err)

		f.backend.FailNext(memory.OpQuery, errors.New("network down"))
		_, err = f.orch.ListPosts(ctx, 1, 5)
		require.Error(t, err)

		st := f.content.Snapshot()
		assert.Equal(t, "network down", st.Status.Message)
		assert.Equal(t, "query", st.Status.Kind)
		assert.Len(t, st.Posts, 1)
	})

	t.Run("invalid cursor", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.ListPosts(ctx, 0, 5)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("default page size", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.ListPosts(ctx, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 5, f.content.Snapshot().Cursor.PageSize)
	})
}

func TestUpdatePost(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *models.Post) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		post, err := f.orch.CreatePost(ctx, PostInput{Title: "A", Content: "a", Image: png("old.png")})
		require.NoError(t, err)
		return f, post
	}

	t.Run("replace removes old object after write", func(t *testing.T) {
		f, post := setup(t)
		old := *post.ImagePath

		updated, err := f.orch.UpdatePost(ctx, post.ID, PostUpdate{Title: "A2", Content: "a2", Image: models.ReplaceImage(*png("new.png"))})
		require.NoError(t, err)
		require.NotNil(t, updated.ImagePath)
		assert.NotEqual(t, old, *updated.ImagePath)
		assert.Equal(t, "A2", updated.Title)
		assert.False(t, f.backend.ObjectExists(bucket, old))
		assert.True(t, f.backend.ObjectExists(bucket, *updated.ImagePath))

		read, err := f.orch.ReadPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ImageResolved, read.ImageState())
	})

	t.Run("keep leaves image", func(t *testing.T) {
		f, post := setup(t)

		updated, err := f.orch.UpdatePost(ctx, post.ID, PostUpdate{Title: "A2", Content: "a2", Image: models.KeepImage()})
		require.NoError(t, err)
		require.NotNil(t, updated.ImagePath)
		assert.Equal(t, *post.ImagePath, *updated.ImagePath)
		assert.True(t, f.backend.ObjectExists(bucket, *post.ImagePath))
	})

	t.Run("remove clears column and object", func(t *testing.T) {
		f, post := setup(t)

		updated, err := f.orch.UpdatePost(ctx, post.ID, PostUpdate{Title: "A", Content: "a", Image: models.RemoveImage()})
		require.NoError(t, err)
		assert.Nil(t, updated.ImagePath)
		assert.False(t, f.backend.ObjectExists(bucket, *post.ImagePath))
	})

	t.Run("write failure keeps old object", func(t *testing.T) {
		f, post := setup(t)
		f.backend.FailNext(memory.OpUpdate, errors.New("row locked"))

		_, err := f.orch.UpdatePost(ctx, post.ID, PostUpdate{Title: "A", Content: "a", Image: models.ReplaceImage(*png("new.png"))})
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageWrite, stageErr.Stage)
		assert.True(t, f.backend.ObjectExists(bucket, *post.ImagePath), "Строка все еще ссылается на старый объект")

		read, err := f.orch.ReadPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, *post.ImagePath, *read.ImagePath)
		assert.Equal(t, models.ImageResolved, read.ImageState())
	})

	t.Run("cleanup failure does not fail update", func(t *testing.T) {
		f, post := setup(t)
		f.backend.FailNext(memory.OpRemove, errors.New("remove failed"))

		updated, err := f.orch.UpdatePost(ctx, post.ID, PostUpdate{Title: "A", Content: "a", Image: models.RemoveImage()})
		require.NoError(t, err)
		assert.Nil(t, updated.ImagePath)
		assert.Equal(t, models.StatusIdle, f.content.Snapshot().Status.State)
	})

	t.Run("only author may update", func(t *testing.T) {
		f, post := setup(t)
		f.signUp(t, "bob@example.com")

		_, err := f.orch.UpdatePost(ctx, post.ID, PostUpdate{Title: "hijack", Content: "x", Image: models.KeepImage()})
		assert.ErrorIs(t, err, gateway.ErrUnauthorized)
		assert.Equal(t, "auth", f.content.Snapshot().Status.Kind)

		f.signIn(t, "alice@example.com")
		read, err := f.orch.ReadPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, "A", read.Title)
	})

	t.Run("missing post", func(t *testing.T) {
		f, _ := setup(t)
		_, err := f.orch.UpdatePost(ctx, "missing", PostUpdate{Title: "A", Content: "a"})
		assert.ErrorIs(t, err, gateway.ErrNotFound)
	})
}

func TestDeletePost(t *testing.T) {
	ctx := context.Background()

	t.Run("removes object then row", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		post, err := f.orch.CreatePost(ctx, PostInput{Title: "A", Content: "a", Image: png("a.png")})
		require.NoError(t, err)
		_, err = f.orch.CreateComment(ctx, post.ID, CommentInput{Text: text("hi")})
		require.NoError(t, err)

		_, err = f.orch.ReadPost(ctx, post.ID)
		require.NoError(t, err)

		require.NoError(t, f.orch.DeletePost(ctx, post.ID, post.ImagePath))
		assert.False(t, f.backend.ObjectExists(bucket, *post.ImagePath))
		assert.Nil(t, f.content.Snapshot().Current, "Удаленный пост больше не открыт")

		_, err = f.orch.ReadPost(ctx, post.ID)
		assert.ErrorIs(t, err, gateway.ErrNotFound)
	})

	t.Run("object failure aborts row deletion", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		post, err := f.orch.CreatePost(ctx, PostInput{Title: "A", Content: "a", Image: png("a.png")})
		require.NoError(t, err)

		f.backend.FailNext(memory.OpRemove, errors.New("remove failed"))
		err = f.orch.DeletePost(ctx, post.ID, nil)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageRemoveObject, stageErr.Stage)
		assert.Equal(t, "remove failed", f.content.Snapshot().Status.Message)

		read, err := f.orch.ReadPost(ctx, post.ID)
		require.NoError(t, err, "Строка должна остаться")
		assert.Equal(t, post.ID, read.ID)
	})

	t.Run("page clamps after delete", func(t *testing.T) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		var oldestID string
		for i := 1; i <= 6; i++ {
			post, err := f.orch.CreatePost(ctx, PostInput{Title: fmt.Sprintf("post %d", i), Content: "c"})
			require.NoError(t, err)
			if i == 1 {
				oldestID = post.ID
			}
		}
		_, err := f.orch.ListPosts(ctx, 2, 5)
		require.NoError(t, err)

		require.NoError(t, f.orch.DeletePost(ctx, oldestID, nil))
		page, err := f.orch.ListPosts(ctx, 2, 5)
		require.NoError(t, err)
		assert.Empty(t, page.Posts)
		assert.Equal(t, 1, models.NewPager(2, 5, page.TotalCount).Clamp())
	})
}

func TestComments(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *models.Post) {
		f := newFixture(t)
		f.signUp(t, "alice@example.com")
		post, err := f.orch.CreatePost(ctx, PostInput{Title: "A", Content: "a", Image: png("post.png")})
		require.NoError(t, err)
		return f, post
	}

	t.Run("read includes ordered comments with resolved images", func(t *testing.T) {
		f, post := setup(t)
		_, err := f.orch.CreateComment(ctx, post.ID, CommentInput{Text: text("first")})
		require.NoError(t, err)

		f.signUp(t, "bob@example.com")
		_, err = f.orch.CreateComment(ctx, post.ID, CommentInput{Image: png("reply.png")})
		require.NoError(t, err)
		_, err = f.orch.CreateComment(ctx, post.ID, CommentInput{Text: text("third"), Image: png("third.png")})
		require.NoError(t, err)

		f.objects.reset()
		read, err := f.orch.ReadPost(ctx, post.ID)
		require.NoError(t, err)
		require.Len(t, read.Comments, 3)
		assert.Equal(t, 3, read.CommentCount)

		assert.Equal(t, "first", *read.Comments[0].Text)
		assert.Equal(t, "alice@example.com", read.Comments[0].AuthorEmail)
		assert.Equal(t, models.ImageNone, read.Comments[0].ImageState())

		assert.Nil(t, read.Comments[1].Text)
		assert.Equal(t, "bob@example.com", read.Comments[1].AuthorEmail)
		assert.Equal(t, models.ImageResolved, read.Comments[1].ImageState())
		assert.Equal(t, models.ImageResolved, read.Comments[2].ImageState())

		assert.EqualValues(t, 1, f.objects.single.Load(), "Один вызов для картинки поста")
		assert.EqualValues(t, 1, f.objects.batch.Load(), "Один пакетный вызов для комментариев")

		page, err := f.orch.ListPosts(ctx, 1, 5)
		require.NoError(t, err)
		assert.Equal(t, 3, page.Posts[0].CommentCount)
	})

	t.Run("comment needs text or image", func(t *testing.T) {
		f, post := setup(t)
		_, err := f.orch.CreateComment(ctx, post.ID, CommentInput{Text: text("   ")})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("tri-state update", func(t *testing.T) {
		f, post := setup(t)
		comment, err := f.orch.CreateComment(ctx, post.ID, CommentInput{Text: text("hi"), Image: png("c.png")})
		require.NoError(t, err)
		old := *comment.ImagePath

		kept, err := f.orch.UpdateComment(ctx, comment.ID, CommentUpdate{Text: text("edited"), Image: models.KeepImage()})
		require.NoError(t, err)
		assert.Equal(t, "edited", *kept.Text)
		require.NotNil(t, kept.ImagePath)
		assert.Equal(t, old, *kept.ImagePath)

		replaced, err := f.orch.UpdateComment(ctx, comment.ID, CommentUpdate{Text: text("edited"), Image: models.ReplaceImage(*png("d.png"))})
		require.NoError(t, err)
		require.NotNil(t, replaced.ImagePath)
		assert.NotEqual(t, old, *replaced.ImagePath)
		assert.False(t, f.backend.ObjectExists(bucket, old))

		removed, err := f.orch.UpdateComment(ctx, comment.ID, CommentUpdate{Text: text("edited"), Image: models.RemoveImage()})
		require.NoError(t, err)
		assert.Nil(t, removed.ImagePath)
		assert.False(t, f.backend.ObjectExists(bucket, *replaced.ImagePath))
	})

	t.Run("update cannot leave comment empty", func(t *testing.T) {
		f, post := setup(t)
		comment, err := f.orch.CreateComment(ctx, post.ID, CommentInput{Image: png("c.png")})
		require.NoError(t, err)

		_, err = f.orch.UpdateComment(ctx, comment.ID, CommentUpdate{Image: models.RemoveImage()})
		assert.ErrorIs(t, err, ErrValidation)
		assert.True(t, f.backend.ObjectExists(bucket, *comment.ImagePath))
	})

	t.Run("delete comment", func(t *testing.T) {
		f, post := setup(t)
		comment, err := f.orch.CreateComment(ctx, post.ID, CommentInput{Text: text("bye"), Image: png("c.png")})
		require.NoError(t, err)

		require.NoError(t, f.orch.DeleteComment(ctx, comment.ID, nil))
		assert.False(t, f.backend.ObjectExists(bucket, *comment.ImagePath))

		read, err := f.orch.ReadPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Empty(t, read.Comments)
	})

	t.Run("comment on missing post", func(t *testing.T) {
		f, _ := setup(t)
		_, err := f.orch.CreateComment(ctx, "missing", CommentInput{Text: text("hi")})
		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageWrite, stageErr.Stage)
		assert.Equal(t, "write", f.content.Snapshot().Status.Kind)
	})
}

func TestSignURLs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "alice@example.com")

	path, err := f.orch.UploadImage(ctx, *png("a.png"))
	require.NoError(t, err)

	url, err := f.orch.SignURL(ctx, path)
	require.NoError(t, err)
	assert.Contains(t, url, path)

	urls, err := f.orch.SignURLs(ctx, []string{path, path, "missing.png"})
	require.NoError(t, err)
	assert.Len(t, urls, 1, "Неподписанные пути отсутствуют")
	assert.Contains(t, urls, path)
	assert.EqualValues(t, 1, f.objects.batch.Load())

	_, err = f.orch.SignURL(ctx, "missing.png")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "alice@example.com")

	_, err := f.orch.CreatePost(ctx, PostInput{Title: "A", Content: "a"})
	require.NoError(t, err)
	_, err = f.orch.CreatePost(ctx, PostInput{Title: "", Content: "a"})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.operations.WithLabelValues("create_post", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.operations.WithLabelValues("create_post", "error")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.observe("noop", time.Millisecond, nil) })
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.signUp(t, "alice@example.com")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	future := Dispatch(cancelled, func(ctx context.Context) (*models.Post, error) {
		return f.orch.CreatePost(ctx, PostInput{Title: "A", Content: "a"})
	})

	_, err := future.Wait(cancelled)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}

	post, err := future.Result()
	require.NoError(t, err, "Операция доходит до конца несмотря на отмену ожидания")
	assert.Equal(t, "A", post.Title)

	select {
	case <-future.Done():
	default:
		t.Fatal("Done должен быть закрыт")
	}
}
