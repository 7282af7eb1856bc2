package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxObjectBytes caps every uploaded file (definition or image).
const MaxObjectBytes int64 = 5 * 1024 * 1024

// ObjectStorage stores character definition files and preview images in two
// MinIO/S3 buckets and hands out public URLs for the stored objects.
type ObjectStorage struct {
	client            *minio.Client
	definitionsBucket string
	imagesBucket      string
	publicURL         string
}

// NewObjectStorageFromEnv initialises ObjectStorage from MINIO_* environment
// variables. It returns (nil, nil) when the core variables are unset so the
// caller can treat storage as not configured.
func NewObjectStorageFromEnv() (*ObjectStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	if endpoint == "" || accessKey == "" || secretKey == "" {
		return nil, nil
	}

	definitionsBucket := strings.TrimSpace(os.Getenv("MINIO_DEFINITIONS_BUCKET"))
	if definitionsBucket == "" {
		definitionsBucket = "character-files"
	}
	imagesBucket := strings.TrimSpace(os.Getenv("MINIO_IMAGES_BUCKET"))
	if imagesBucket == "" {
		imagesBucket = "character-images"
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, bucket := range []string{definitionsBucket, imagesBucket} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("storage: check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &ObjectStorage{
		client:            client,
		definitionsBucket: definitionsBucket,
		imagesBucket:      imagesBucket,
		publicURL:         strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// UploadImage stores a preview image under characters/<ownerID>/<uuid>.<ext>
// in the images bucket and returns its public URL.
func (s *ObjectStorage) UploadImage(ctx context.Context, fileHeader *multipart.FileHeader, ownerID uint64) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: object storage not configured")
	}
	if fileHeader == nil {
		return "", errors.New("storage: image file not provided")
	}

	data, err := readCapped(fileHeader)
	if err != nil {
		return "", err
	}

	contentType := strings.TrimSpace(fileHeader.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !isAllowedImageContent(contentType) {
		return "", fmt.Errorf("storage: unsupported image content type %q", contentType)
	}

	objectName := ObjectKey(ownerID, imageExtension(fileHeader.Filename, contentType))
	return s.put(ctx, s.imagesBucket, objectName, data, contentType)
}

// UploadDefinition stores an already validated definition file under
// characters/<ownerID>/<uuid>.json in the definitions bucket and returns its
// public URL.
func (s *ObjectStorage) UploadDefinition(ctx context.Context, data []byte, ownerID uint64) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: object storage not configured")
	}
	if len(data) == 0 {
		return "", errors.New("storage: definition file is empty")
	}
	if int64(len(data)) > MaxObjectBytes {
		return "", fmt.Errorf("storage: definition size exceeds %d bytes", MaxObjectBytes)
	}

	objectName := ObjectKey(ownerID, ".json")
	return s.put(ctx, s.definitionsBucket, objectName, data, "application/json")
}

// Remove deletes the object behind the given public URL. URLs that do not
// belong to this storage are ignored.
func (s *ObjectStorage) Remove(ctx context.Context, objectURL string) error {
	if s == nil || s.client == nil {
		return nil
	}
	bucket, objectName, ok := s.resolveURL(objectURL)
	if !ok {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, bucket, objectName, minio.RemoveObjectOptions{})
}

// ObjectKey builds a collision-resistant object name namespaced by the
// uploading user's identifier.
func ObjectKey(ownerID uint64, ext string) string {
	return path.Join("characters", fmt.Sprintf("%d", ownerID), uuid.NewString()+ext)
}

func (s *ObjectStorage) put(ctx context.Context, bucket, objectName string, data []byte, contentType string) (string, error) {
	uploadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=604800",
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload object: %w", err)
	}

	return s.buildPublicURL(bucket, objectName), nil
}

func readCapped(fileHeader *multipart.FileHeader) ([]byte, error) {
	if fileHeader.Size > 0 && fileHeader.Size > MaxObjectBytes {
		return nil, fmt.Errorf("storage: file size exceeds %d bytes", MaxObjectBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("storage: open file: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, MaxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	if written > MaxObjectBytes {
		return nil, fmt.Errorf("storage: file size exceeds %d bytes", MaxObjectBytes)
	}

	return buffer.Bytes(), nil
}

func (s *ObjectStorage) buildPublicURL(bucket, objectName string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicURL, bucket, strings.TrimPrefix(objectName, "/"))
}

// resolveURL maps a public URL back onto the owning bucket and object name.
func (s *ObjectStorage) resolveURL(raw string) (string, string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}

	target, err := url.Parse(trimmed)
	if err != nil {
		return "", "", false
	}
	base, err := url.Parse(s.publicURL)
	if err != nil || base.Host == "" || base.Host != target.Host {
		return "", "", false
	}

	objectPath := strings.TrimPrefix(target.Path, "/")
	for _, bucket := range []string{s.definitionsBucket, s.imagesBucket} {
		if strings.HasPrefix(objectPath, bucket+"/") {
			objectName := strings.TrimPrefix(objectPath, bucket+"/")
			if objectName != "" {
				return bucket, objectName, true
			}
		}
	}

	return "", "", false
}

func isAllowedImageContent(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return true
	case "image/jpeg", "image/pjpeg":
		return true
	case "image/webp":
		return true
	case "image/gif":
		return true
	default:
		return false
	}
}

func imageExtension(filename, contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png", "image/x-png":
		return ".png"
	case "image/jpeg", "image/pjpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext == "" {
		return ".bin"
	}
	return ext
}
