package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/rs/zerolog"
)

// errUnsigned - бэкенд не подписал отдельный путь, остальные пути пакета в порядке.
var errUnsigned = errors.New("path not signed")

type signer struct {
	objects gateway.Objects
	bucket  string
	ttl     time.Duration
	log     zerolog.Logger
}

// resolve подписывает пути одним пакетным вызовом. Загрузчик создается на каждый вызов,
// поэтому URL не переживают операцию чтения. Емкость пакета равна числу уникальных путей,
// и пакет уходит сразу после последнего Load.
//
// Ошибка всего пакета прерывает чтение. Неподписанный отдельный путь только логируется:
// у записи остается путь без URL.
func (s *signer) resolve(ctx context.Context, paths []string) (map[string]string, error) {
	unique := uniquePaths(paths)
	urls := make(map[string]string, len(unique))
	if len(unique) == 0 {
		return urls, nil
	}

	var batchErr error
	loader := dataloader.NewBatchedLoader(
		func(ctx context.Context, keys []string) []*dataloader.Result[string] {
			results := make([]*dataloader.Result[string], len(keys))

			signed, err := s.objects.SignURLs(ctx, s.bucket, keys, s.ttl)
			if err != nil {
				batchErr = gateway.AsKind(gateway.KindStorage, err)
				for i := range keys {
					results[i] = &dataloader.Result[string]{Error: batchErr}
				}
				return results
			}

			byPath := make(map[string]gateway.SignedURL, len(signed))
			for _, item := range signed {
				byPath[item.Path] = item
			}
			for i, key := range keys {
				item, ok := byPath[key]
				switch {
				case !ok:
					results[i] = &dataloader.Result[string]{Error: errUnsigned}
				case item.Error != "" || item.URL == "":
					results[i] = &dataloader.Result[string]{Error: errors.Join(errUnsigned, errors.New(item.Error))}
				default:
					results[i] = &dataloader.Result[string]{Data: item.URL}
				}
			}
			return results
		},
		dataloader.WithBatchCapacity[string, string](len(unique)),
		dataloader.WithWait[string, string](time.Second),
	)

	thunks := make([]dataloader.Thunk[string], len(unique))
	for i, p := range unique {
		thunks[i] = loader.Load(ctx, p)
	}

	for i, thunk := range thunks {
		url, err := thunk()
		if err != nil {
			if errors.Is(err, errUnsigned) {
				s.log.Warn().Err(err).Str("path", unique[i]).Msg("Картинка осталась без подписанного URL")
				continue
			}
			return nil, err
		}
		urls[unique[i]] = url
	}
	if batchErr != nil {
		return nil, batchErr
	}
	return urls, nil
}

func (s *signer) one(ctx context.Context, path string) (string, error) {
	url, err := s.objects.SignURL(ctx, s.bucket, path, s.ttl)
	if err != nil {
		return "", gateway.AsKind(gateway.KindStorage, err)
	}
	return url, nil
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
