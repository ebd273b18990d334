package orchestration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePostRow(t *testing.T) {
	t.Run("list shape with count aggregate", func(t *testing.T) {
		raw := json.RawMessage(`{
			"id": "p1",
			"title": "Hello",
			"content": "World",
			"author_id": "u1",
			"image_path": null,
			"created_at": "2024-03-01T12:00:00.123456Z",
			"author": {"email": "alice@example.com"},
			"comments": [{"count": 4}]
		}`)

		row, err := parsePostRow(raw)
		require.NoError(t, err)
		post := row.toPost()

		assert.Equal(t, "p1", post.ID)
		assert.Equal(t, "alice@example.com", post.AuthorEmail)
		assert.Nil(t, post.ImagePath)
		assert.Equal(t, 4, post.CommentCount)
		assert.Nil(t, post.Comments, "Агрегат не превращается в список")
		assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC), post.CreatedAt)
	})

	t.Run("detail shape with comments", func(t *testing.T) {
		raw := json.RawMessage(`{
			"id": "p1",
			"author_id": "u1",
			"image_path": "u1/1-a.png",
			"author": {"email": "alice@example.com"},
			"comments": [
				{"id": "c1", "post_id": "p1", "author_id": "u2", "text_content": "hi", "image_path": null, "author": {"email": "bob@example.com"}},
				{"id": "c2", "post_id": "p1", "author_id": "u1", "text_content": null, "image_path": "u1/2-b.png", "author": null}
			]
		}`)

		row, err := parsePostRow(raw)
		require.NoError(t, err)
		post := row.toPost()

		require.NotNil(t, post.ImagePath)
		assert.Equal(t, "u1/1-a.png", *post.ImagePath)
		require.Len(t, post.Comments, 2)
		assert.Equal(t, 2, post.CommentCount)
		assert.Equal(t, "bob@example.com", post.Comments[0].AuthorEmail)
		assert.Equal(t, "hi", *post.Comments[0].Text)
		assert.Nil(t, post.Comments[1].Text)
		assert.Empty(t, post.Comments[1].AuthorEmail)
		assert.Equal(t, "u1/2-b.png", *post.Comments[1].ImagePath)
	})

	t.Run("empty comment list", func(t *testing.T) {
		row, err := parsePostRow(json.RawMessage(`{"id":"p1","comments":[]}`))
		require.NoError(t, err)
		post := row.toPost()
		assert.NotNil(t, post.Comments)
		assert.Empty(t, post.Comments)
	})

	t.Run("denormalized email", func(t *testing.T) {
		row, err := parsePostRow(json.RawMessage(`{"id":"p1","users":{"user_email":"carol@example.com"}}`))
		require.NoError(t, err)
		assert.Equal(t, "carol@example.com", row.AuthorEmail)

		row, err = parsePostRow(json.RawMessage(`{"id":"p1","author_email":"dave@example.com"}`))
		require.NoError(t, err)
		assert.Equal(t, "dave@example.com", row.AuthorEmail)
	})

	t.Run("invalid records", func(t *testing.T) {
		_, err := parsePostRow(json.RawMessage(`[]`))
		assert.Error(t, err)

		_, err = parsePostRow(json.RawMessage(`{"title":"no id"}`))
		assert.Error(t, err)

		_, err = parsePostRow(json.RawMessage(`{"id":"p1","created_at":"yesterday"}`))
		assert.Equal(t, gateway.KindQuery, gateway.KindOf(err))
	})
}

func TestParseOwnedRow(t *testing.T) {
	row := parseOwnedRow(json.RawMessage(`{"id":"c1","author_id":"u1","image_path":null}`))
	assert.Equal(t, "c1", row.ID)
	assert.Equal(t, "u1", row.AuthorID)
	assert.Nil(t, row.ImagePath)
}
