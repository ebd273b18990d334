package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/golang-jwt/jwt/v5"
)

type object struct {
	data        []byte
	contentType string
}

type objectStore struct {
	owner *MemoryStorage

	mu      sync.RWMutex
	objects map[string]object
}

// signClaims повторяет формат токена подписанных URL Supabase Storage.
type signClaims struct {
	URL string `json:"url"`
	jwt.RegisteredClaims
}

func newObjectStore(owner *MemoryStorage) *objectStore {
	return &objectStore{owner: owner, objects: make(map[string]object)}
}

func objectKey(bucket, path string) string {
	return bucket + "/" + strings.TrimPrefix(path, "/")
}

func (o *objectStore) Put(ctx context.Context, bucket, path string, data []byte, opts gateway.PutOptions) (string, error) {
	if err := o.owner.injected(OpPut); err != nil {
		return "", gateway.AsKind(gateway.KindStorage, err)
	}
	if path == "" {
		return "", gateway.NewError(gateway.KindStorage, "object path is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	key := objectKey(bucket, path)
	if _, exists := o.objects[key]; exists && !opts.Overwrite {
		return "", &gateway.Error{Kind: gateway.KindStorage, Code: "Duplicate", Message: "The resource already exists", StatusCode: 409, Err: gateway.ErrConflict}
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	o.objects[key] = object{data: append([]byte(nil), data...), contentType: contentType}
	return path, nil
}

func (o *objectStore) SignURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if err := o.owner.injected(OpSign); err != nil {
		return "", gateway.AsKind(gateway.KindStorage, err)
	}
	return o.sign(bucket, path, ttl)
}

func (o *objectStore) SignURLs(ctx context.Context, bucket string, paths []string, ttl time.Duration) ([]gateway.SignedURL, error) {
	if err := o.owner.injected(OpSign); err != nil {
		return nil, gateway.AsKind(gateway.KindStorage, err)
	}
	out := make([]gateway.SignedURL, 0, len(paths))
	for _, p := range paths {
		signed, err := o.sign(bucket, p, ttl)
		if err != nil {
			out = append(out, gateway.SignedURL{Path: p, Error: err.Error()})
			continue
		}
		out = append(out, gateway.SignedURL{Path: p, URL: signed})
	}
	return out, nil
}

func (o *objectStore) sign(bucket, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", gateway.NewError(gateway.KindStorage, "expiresIn must be positive")
	}

	o.mu.RLock()
	_, exists := o.objects[objectKey(bucket, path)]
	o.mu.RUnlock()
	if !exists {
		return "", gateway.NotFound(gateway.KindStorage, "Object")
	}

	now := o.owner.opts.Now()
	claims := signClaims{
		URL: objectKey(bucket, path),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(o.owner.opts.SigningSecret))
	if err != nil {
		return "", gateway.Errorf(gateway.KindStorage, err, "sign url: %v", err)
	}

	return fmt.Sprintf("%s/object/sign/%s?token=%s",
		strings.TrimRight(o.owner.opts.PublicURL, "/"), objectKey(bucket, path), url.QueryEscape(token)), nil
}

func (o *objectStore) Remove(ctx context.Context, bucket string, paths []string) error {
	if err := o.owner.injected(OpRemove); err != nil {
		return gateway.AsKind(gateway.KindStorage, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range paths {
		delete(o.objects, objectKey(bucket, p))
	}
	return nil
}

// Exists сообщает, хранится ли объект. Используется в тестах инвариантов порядка шагов.
func (o *objectStore) Exists(bucket, path string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.objects[objectKey(bucket, path)]
	return ok
}

func (o *objectStore) clear() {
	o.mu.Lock()
	o.objects = make(map[string]object)
	o.mu.Unlock()
}

var errInvalidSignature = errors.New("invalid signature")

// verify проверяет токен и возвращает ключ объекта, на который он выдан.
func (o *objectStore) verify(token string) (string, error) {
	var claims signClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(o.owner.opts.SigningSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(o.owner.opts.Now),
	)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errInvalidSignature
	}
	return claims.URL, nil
}

// ObjectExists сообщает, хранится ли объект в бакете.
func (s *MemoryStorage) ObjectExists(bucket, path string) bool {
	return s.objects.Exists(bucket, path)
}

// Handler отдает объекты по подписанным URL: GET {PublicURL}/object/sign/{bucket}/{path}?token=...
// Монтируется с обрезанным префиксом PublicURL.
func (s *MemoryStorage) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/object/sign/")
		if key == r.URL.Path || key == "" {
			http.NotFound(w, r)
			return
		}

		signedKey, err := s.objects.verify(r.URL.Query().Get("token"))
		if err != nil || signedKey != key {
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}

		s.objects.mu.RLock()
		obj, ok := s.objects.objects[key]
		s.objects.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Cache-Control", "private, max-age=0")
		_, _ = w.Write(obj.data)
	})
}
