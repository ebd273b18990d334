package models

import (
	"errors"
	"fmt"
)

// Upload - файл, приложенный к посту или комментарию.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// ImageIntent - явное намерение по картинке при редактировании.
type ImageIntent int

const (
	ImageKeep ImageIntent = iota
	ImageRemove
	ImageReplace
)

func (i ImageIntent) String() string {
	switch i {
	case ImageKeep:
		return "keep"
	case ImageRemove:
		return "remove"
	case ImageReplace:
		return "replace"
	default:
		return fmt.Sprintf("ImageIntent(%d)", int(i))
	}
}

// ImageChange объединяет намерение и файл. Replace требует файл, Keep и Remove - нет.
type ImageChange struct {
	Intent ImageIntent
	Upload *Upload
}

func KeepImage() ImageChange   { return ImageChange{Intent: ImageKeep} }
func RemoveImage() ImageChange { return ImageChange{Intent: ImageRemove} }

func ReplaceImage(u Upload) ImageChange {
	return ImageChange{Intent: ImageReplace, Upload: &u}
}

// ImageChangeFromForm строит изменение из полей формы: новый файл всегда означает замену,
// без файла флаг удаления отличает Remove от Keep.
func ImageChangeFromForm(u *Upload, removeImage bool) ImageChange {
	switch {
	case u != nil:
		return ReplaceImage(*u)
	case removeImage:
		return RemoveImage()
	default:
		return KeepImage()
	}
}

var ErrInvalidImageChange = errors.New("invalid image change")

func (c ImageChange) Validate() error {
	switch c.Intent {
	case ImageReplace:
		if c.Upload == nil || len(c.Upload.Data) == 0 || c.Upload.Name == "" {
			return fmt.Errorf("%w: replace requires a non-empty file", ErrInvalidImageChange)
		}
	case ImageKeep, ImageRemove:
		if c.Upload != nil {
			return fmt.Errorf("%w: %s must not carry a file", ErrInvalidImageChange, c.Intent)
		}
	default:
		return fmt.Errorf("%w: unknown intent %d", ErrInvalidImageChange, int(c.Intent))
	}
	return nil
}
