// Package s3store хранит изображения в S3-совместимом хранилище (AWS S3, MinIO, R2).
// Логический бакет gateway становится префиксом ключа внутри одного бакета S3.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	ForcePathStyle  bool
}

// Objects хранит картинки в одном бакете S3. Бакет gateway становится префиксом ключа.
type Objects struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New создает клиент S3 со статическими ключами.
func New(cfg Config) (*Objects, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := func(o *s3.Options) {
		o.Region = cfg.Region
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}
	client := s3.New(s3.Options{}, opts)

	logger.Get().Info().
		Str("bucket", cfg.Bucket).
		Str("endpoint", cfg.Endpoint).
		Msg("Хранилище S3 инициализировано")

	return &Objects{client: client, presign: s3.NewPresignClient(client), bucket: cfg.Bucket}, nil
}

func objectKey(bucket, path string) string {
	return bucket + "/" + strings.TrimPrefix(path, "/")
}

func (o *Objects) Put(ctx context.Context, bucket, path string, data []byte, opts gateway.PutOptions) (string, error) {
	key := objectKey(bucket, path)

	if !opts.Overwrite {
		exists, err := o.exists(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			return "", &gateway.Error{Kind: gateway.KindStorage, Code: "Duplicate", Message: "The resource already exists", StatusCode: http.StatusConflict, Err: gateway.ErrConflict}
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", wrapError(err, "s3 upload failed")
	}
	return path, nil
}

// SignURL выдает presigned GET. Подпись вычисляется локально, наличие объекта не проверяется.
func (o *Objects) SignURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", gateway.NewError(gateway.KindStorage, "expiresIn must be positive")
	}
	result, err := o.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(objectKey(bucket, path)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", wrapError(err, "presign failed")
	}
	return result.URL, nil
}

func (o *Objects) SignURLs(ctx context.Context, bucket string, paths []string, ttl time.Duration) ([]gateway.SignedURL, error) {
	out := make([]gateway.SignedURL, 0, len(paths))
	for _, p := range paths {
		signed, err := o.SignURL(ctx, bucket, p, ttl)
		if err != nil {
			out = append(out, gateway.SignedURL{Path: p, Error: err.Error()})
			continue
		}
		out = append(out, gateway.SignedURL{Path: p, URL: signed})
	}
	return out, nil
}

func (o *Objects) Remove(ctx context.Context, bucket string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	ids := make([]types.ObjectIdentifier, 0, len(paths))
	for _, p := range paths {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(objectKey(bucket, p))})
	}

	out, err := o.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(o.bucket),
		Delete: &types.Delete{Objects: ids},
	})
	if err != nil {
		return wrapError(err, "s3 delete failed")
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return gateway.NewError(gateway.KindStorage, fmt.Sprintf("s3 delete failed for %s: %s", aws.ToString(first.Key), aws.ToString(first.Message)))
	}
	return nil
}

func (o *Objects) exists(ctx context.Context, key string) (bool, error) {
	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if statusCode(err) == http.StatusNotFound {
		return false, nil
	}
	return false, wrapError(err, "s3 head failed")
}

func statusCode(err error) int {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}

func wrapError(err error, msg string) error {
	gerr := gateway.Errorf(gateway.KindStorage, err, "%s: %v", msg, err)
	gerr.StatusCode = statusCode(err)
	switch gerr.StatusCode {
	case http.StatusNotFound:
		gerr.Err = errors.Join(err, gateway.ErrNotFound)
	case http.StatusForbidden, http.StatusUnauthorized:
		gerr.Err = errors.Join(err, gateway.ErrUnauthorized)
	}
	return gerr
}
