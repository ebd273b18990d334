package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/models"
	"github.com/rs/zerolog"
)

// Stage - именованный шаг многошаговой операции.
type Stage string

const (
	StageUpload       Stage = "upload"
	StageWrite        Stage = "write"
	StageCleanup      Stage = "cleanup"
	StageRemoveObject Stage = "remove_object"
	StageDeleteRow    Stage = "delete_row"
)

// StageError сообщает, на каком шаге оборвалась операция.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// imageColumn - значение колонки image_path для шага записи.
// set=false означает, что колонка не входит в payload.
type imageColumn struct {
	set  bool
	path *string
}

func (c imageColumn) apply(payload gateway.Record) {
	if c.set {
		payload["image_path"] = nullable(c.path)
	}
}

type imagePlan struct {
	Owner  string
	Old    *string
	Change models.ImageChange
}

// imagePipeline выполняет upload -> write -> cleanup строго в этом порядке:
// строка никогда не ссылается на еще не загруженный или уже удаленный объект.
type imagePipeline struct {
	objects gateway.Objects
	bucket  string
	now     func() time.Time
	log     zerolog.Logger
}

func (p *imagePipeline) Run(ctx context.Context, plan imagePlan, write func(context.Context, imageColumn) (json.RawMessage, error)) (json.RawMessage, error) {
	if err := plan.Change.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var column imageColumn
	switch plan.Change.Intent {
	case models.ImageReplace:
		uploaded, err := p.upload(ctx, plan.Owner, *plan.Change.Upload)
		if err != nil {
			return nil, &StageError{Stage: StageUpload, Err: err}
		}
		column = imageColumn{set: true, path: &uploaded}
	case models.ImageRemove:
		column = imageColumn{set: true}
	}

	record, err := write(ctx, column)
	if err != nil {
		// загруженный объект остается сиротой: компенсирующего отката нет
		return nil, &StageError{Stage: StageWrite, Err: err}
	}

	if column.set && plan.Old != nil && (column.path == nil || *column.path != *plan.Old) {
		if err := p.objects.Remove(ctx, p.bucket, []string{*plan.Old}); err != nil {
			// строка уже согласована, старый объект просто остается в хранилище
			p.log.Warn().
				Err(&StageError{Stage: StageCleanup, Err: err}).
				Str("path", *plan.Old).
				Msg("Не удалось удалить старую картинку")
		}
	}
	return record, nil
}

// upload кладет файл по пути <owner>/<unixMillis>-<имя файла>.
func (p *imagePipeline) upload(ctx context.Context, owner string, file models.Upload) (string, error) {
	key := objectPath(owner, file.Name, p.now())
	stored, err := p.objects.Put(ctx, p.bucket, key, file.Data, gateway.PutOptions{ContentType: file.ContentType})
	if err != nil {
		return "", gateway.AsKind(gateway.KindStorage, err)
	}
	if stored == "" {
		stored = key
	}
	return stored, nil
}

func objectPath(owner, filename string, now time.Time) string {
	return fmt.Sprintf("%s/%d-%s", owner, now.UnixMilli(), sanitizeFilename(filename))
}

// sanitizeFilename оставляет только базовое имя без разделителей пути.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '?' || r == '#' || r == '%':
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

// deletePipeline удаляет объект, затем строку. Сбой удаления объекта
// оставляет строку нетронутой.
type deletePipeline struct {
	objects gateway.Objects
	bucket  string
}

func (p *deletePipeline) Run(ctx context.Context, imagePath *string, deleteRow func(context.Context) error) error {
	if imagePath != nil {
		if err := p.objects.Remove(ctx, p.bucket, []string{*imagePath}); err != nil {
			return &StageError{Stage: StageRemoveObject, Err: gateway.AsKind(gateway.KindStorage, err)}
		}
	}
	if err := deleteRow(ctx); err != nil {
		return &StageError{Stage: StageDeleteRow, Err: err}
	}
	return nil
}

// nullable превращает nil-указатель в нетипизированный nil для payload.
func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
