package orchestration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/tidwall/gjson"
)

// postRow - запись posts в форме ответа бэкенда, включая встроенные author и comments.
// Единственное место, где разбирается форма записи.
type postRow struct {
	ID           string
	Title        string
	Content      string
	AuthorID     string
	AuthorEmail  string
	ImagePath    *string
	CreatedAt    time.Time
	CommentCount int
	Comments     []commentRow
	withComments bool
}

type commentRow struct {
	ID          string
	PostID      string
	AuthorID    string
	AuthorEmail string
	Text        *string
	ImagePath   *string
	CreatedAt   time.Time
}

// ownedRow - минимум для проверки авторства перед изменением.
type ownedRow struct {
	ID        string
	AuthorID  string
	ImagePath *string
}

func parsePostRow(raw json.RawMessage) (postRow, error) {
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return postRow{}, fmt.Errorf("post record is not an object: %s", truncate(raw))
	}

	row := postRow{
		ID:          r.Get("id").String(),
		Title:       r.Get("title").String(),
		Content:     r.Get("content").String(),
		AuthorID:    r.Get("author_id").String(),
		AuthorEmail: authorEmail(r),
		ImagePath:   optionalString(r.Get("image_path")),
	}
	if row.ID == "" {
		return postRow{}, fmt.Errorf("post record without id: %s", truncate(raw))
	}

	createdAt, err := parseTime(r.Get("created_at"))
	if err != nil {
		return postRow{}, err
	}
	row.CreatedAt = createdAt

	// comments приходит либо агрегатом [{"count": n}], либо списком строк
	comments := r.Get("comments")
	if comments.IsArray() {
		items := comments.Array()
		if len(items) == 1 && items[0].Get("count").Exists() && !items[0].Get("id").Exists() {
			row.CommentCount = int(items[0].Get("count").Int())
		} else {
			row.withComments = true
			row.Comments = make([]commentRow, 0, len(items))
			for _, item := range items {
				c, err := parseCommentRow(json.RawMessage(item.Raw))
				if err != nil {
					return postRow{}, err
				}
				row.Comments = append(row.Comments, c)
			}
			row.CommentCount = len(row.Comments)
		}
	}
	return row, nil
}

func parseCommentRow(raw json.RawMessage) (commentRow, error) {
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return commentRow{}, fmt.Errorf("comment record is not an object: %s", truncate(raw))
	}

	row := commentRow{
		ID:          r.Get("id").String(),
		PostID:      r.Get("post_id").String(),
		AuthorID:    r.Get("author_id").String(),
		AuthorEmail: authorEmail(r),
		Text:        optionalString(r.Get("text_content")),
		ImagePath:   optionalString(r.Get("image_path")),
	}
	if row.ID == "" {
		return commentRow{}, fmt.Errorf("comment record without id: %s", truncate(raw))
	}

	createdAt, err := parseTime(r.Get("created_at"))
	if err != nil {
		return commentRow{}, err
	}
	row.CreatedAt = createdAt
	return row, nil
}

func parseOwnedRow(raw json.RawMessage) ownedRow {
	r := gjson.ParseBytes(raw)
	return ownedRow{
		ID:        r.Get("id").String(),
		AuthorID:  r.Get("author_id").String(),
		ImagePath: optionalString(r.Get("image_path")),
	}
}

func (r postRow) toPost() models.Post {
	p := models.Post{
		ID:           r.ID,
		Title:        r.Title,
		Content:      r.Content,
		AuthorID:     r.AuthorID,
		AuthorEmail:  r.AuthorEmail,
		ImagePath:    r.ImagePath,
		CommentCount: r.CommentCount,
		CreatedAt:    r.CreatedAt,
	}
	if r.withComments {
		p.Comments = make([]models.Comment, 0, len(r.Comments))
		for _, c := range r.Comments {
			p.Comments = append(p.Comments, c.toComment())
		}
	}
	return p
}

func (r commentRow) toComment() models.Comment {
	return models.Comment{
		ID:          r.ID,
		PostID:      r.PostID,
		AuthorID:    r.AuthorID,
		AuthorEmail: r.AuthorEmail,
		Text:        r.Text,
		ImagePath:   r.ImagePath,
		CreatedAt:   r.CreatedAt,
	}
}

// authorEmail находит email автора: во встроенном author, во встроенном users
// или в денормализованной колонке.
func authorEmail(r gjson.Result) string {
	for _, path := range []string{"author.email", "users.user_email", "users.email", "author_email", "user_email"} {
		if v := r.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func optionalString(v gjson.Result) *string {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	s := v.String()
	return &s
}

func parseTime(v gjson.Result) (time.Time, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String())
	if err != nil {
		return time.Time{}, gateway.Errorf(gateway.KindQuery, err, "invalid created_at %q: %v", v.String(), err)
	}
	return t, nil
}

func truncate(raw json.RawMessage) string {
	const max = 120
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
