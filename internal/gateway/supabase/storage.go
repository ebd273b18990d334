package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
)

type storageClient struct {
	client *Client
}

func (s *storageClient) objectURL(kind, bucket, path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/object/%s%s/%s", s.client.storageURL, kind, url.PathEscape(bucket), strings.Join(segments, "/"))
}

func (s *storageClient) Put(ctx context.Context, bucket, path string, data []byte, opts gateway.PutOptions) (string, error) {
	headers := map[string]string{"Content-Type": opts.ContentType}
	if headers["Content-Type"] == "" {
		headers["Content-Type"] = "application/octet-stream"
	}
	if opts.Overwrite {
		headers["x-upsert"] = "true"
	}

	resp, err := s.client.request(ctx, http.MethodPost, s.objectURL("", bucket, path), data, headers, false)
	if err != nil {
		return "", transportError(gateway.KindStorage, err)
	}
	if resp.statusCode >= 400 {
		return "", parseError(gateway.KindStorage, resp.body, resp.statusCode)
	}

	var result struct {
		Key string `json:"Key"`
	}
	if err := decode(gateway.KindStorage, resp.body, &result); err != nil {
		return "", err
	}
	// Key приходит вместе с именем бакета
	if key := strings.TrimPrefix(result.Key, bucket+"/"); key != "" {
		return key, nil
	}
	return path, nil
}

func (s *storageClient) SignURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(map[string]int{"expiresIn": expiresIn(ttl)})
	if err != nil {
		return "", gateway.Errorf(gateway.KindStorage, err, "marshal request: %v", err)
	}

	resp, err := s.client.request(ctx, http.MethodPost, s.objectURL("sign/", bucket, path), body, nil, true)
	if err != nil {
		return "", transportError(gateway.KindStorage, err)
	}
	if resp.statusCode >= 400 {
		return "", parseError(gateway.KindStorage, resp.body, resp.statusCode)
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := decode(gateway.KindStorage, resp.body, &result); err != nil {
		return "", err
	}
	if result.SignedURL == "" {
		return "", gateway.NewError(gateway.KindStorage, "empty signed URL")
	}
	return s.absolute(result.SignedURL), nil
}

func (s *storageClient) SignURLs(ctx context.Context, bucket string, paths []string, ttl time.Duration) ([]gateway.SignedURL, error) {
	body, err := json.Marshal(map[string]any{"expiresIn": expiresIn(ttl), "paths": paths})
	if err != nil {
		return nil, gateway.Errorf(gateway.KindStorage, err, "marshal request: %v", err)
	}

	resp, err := s.client.request(ctx, http.MethodPost, fmt.Sprintf("%s/object/sign/%s", s.client.storageURL, url.PathEscape(bucket)), body, nil, true)
	if err != nil {
		return nil, transportError(gateway.KindStorage, err)
	}
	if resp.statusCode >= 400 {
		return nil, parseError(gateway.KindStorage, resp.body, resp.statusCode)
	}

	var items []struct {
		Path      string  `json:"path"`
		SignedURL *string `json:"signedURL"`
		Error     *string `json:"error"`
	}
	if err := decode(gateway.KindStorage, resp.body, &items); err != nil {
		return nil, err
	}

	out := make([]gateway.SignedURL, 0, len(items))
	for _, item := range items {
		signed := gateway.SignedURL{Path: item.Path}
		switch {
		case item.Error != nil && *item.Error != "":
			signed.Error = *item.Error
		case item.SignedURL == nil || *item.SignedURL == "":
			signed.Error = "Object not found"
		default:
			signed.URL = s.absolute(*item.SignedURL)
		}
		out = append(out, signed)
	}
	return out, nil
}

func (s *storageClient) Remove(ctx context.Context, bucket string, paths []string) error {
	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return gateway.Errorf(gateway.KindStorage, err, "marshal request: %v", err)
	}

	resp, err := s.client.request(ctx, http.MethodDelete, fmt.Sprintf("%s/object/%s", s.client.storageURL, url.PathEscape(bucket)), body, nil, true)
	if err != nil {
		return transportError(gateway.KindStorage, err)
	}
	if resp.statusCode >= 400 {
		return parseError(gateway.KindStorage, resp.body, resp.statusCode)
	}
	return nil
}

// absolute превращает относительный signedURL ответа Storage в полный адрес.
func (s *storageClient) absolute(signed string) string {
	if strings.HasPrefix(signed, "http://") || strings.HasPrefix(signed, "https://") {
		return signed
	}
	return s.client.storageURL + "/" + strings.TrimPrefix(signed, "/")
}

func expiresIn(ttl time.Duration) int {
	secs := int(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
