package models

import "time"

type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type Post struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	AuthorID     string    `json:"authorId"`
	AuthorEmail  string    `json:"authorEmail"`
	ImagePath    *string   `json:"imagePath"`
	SignedURL    *string   `json:"signedUrl,omitempty"`
	CommentCount int       `json:"commentCount"`
	CreatedAt    time.Time `json:"createdAt"`
	Comments     []Comment `json:"comments,omitempty"`
}

func (p *Post) ImageState() ImageState {
	return imageState(p.ImagePath, p.SignedURL)
}

type Comment struct {
	ID          string    `json:"id"`
	PostID      string    `json:"postId"`
	AuthorID    string    `json:"authorId"`
	AuthorEmail string    `json:"authorEmail"`
	Text        *string   `json:"text"`
	ImagePath   *string   `json:"imagePath"`
	SignedURL   *string   `json:"signedUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (c *Comment) ImageState() ImageState {
	return imageState(c.ImagePath, c.SignedURL)
}

// ImageState различает "нет картинки" и "картинка есть, но URL еще не получен".
type ImageState int

const (
	ImageNone ImageState = iota
	ImageUnresolved
	ImageResolved
)

func imageState(path, url *string) ImageState {
	switch {
	case path == nil:
		return ImageNone
	case url == nil:
		return ImageUnresolved
	default:
		return ImageResolved
	}
}

type PaginatedPosts struct {
	Posts      []Post `json:"posts"`
	TotalCount int    `json:"totalCount"`
}
