package app

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	cfg "snapup/src/configuration"
)

type ClientMinio interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
}

type (
	// Gallery is the photo library uploads are picked from.
	Gallery struct {
		bucketName string
		linkExpiry time.Duration
		client     ClientMinio
		log        logrus.FieldLogger
	}

	GalleryImage struct {
		Key          string    `json:"key"`
		URL          string    `json:"url"`
		Size         int64     `json:"size"`
		LastModified time.Time `json:"last_modified"`
	}
)

// maxGalleryImage bounds how much of one object Open reads into memory.
const maxGalleryImage = 32 << 20

var imageAvailableFormats = []string{"png", "jpg", "jpeg", "tiff", "bmp"}

func NewGallery(config *cfg.S3Properties, logger logrus.FieldLogger) (*Gallery, error) {
	minioClient, err := minio.New(config.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", config.Host, err)
	}
	return NewGalleryWithClient(minioClient, config.Bucket, config.LinkExpiry, logger), nil
}

func NewGalleryWithClient(client ClientMinio, bucketName string, linkExpiry time.Duration, logger logrus.FieldLogger) *Gallery {
	return &Gallery{
		bucketName: bucketName,
		linkExpiry: linkExpiry,
		client:     client,
		log:        logger.WithField("bucket", bucketName),
	}
}

// ListImages returns the images under prefix with presigned download links.
func (g *Gallery) ListImages(ctx context.Context, prefix string) ([]GalleryImage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make([]GalleryImage, 0)
	objectCh := g.client.ListObjects(ctx, g.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return result, fmt.Errorf("list %s/%s: %w", g.bucketName, prefix, object.Err)
		}
		if !checkIn(object.Key, imageAvailableFormats) {
			continue
		}
		reqParams := make(url.Values)
		reqParams.Set("response-content-disposition", fmt.Sprintf("attachment; filename=\"%s\"", path.Base(object.Key)))
		presignedURL, err := g.client.PresignedGetObject(ctx, g.bucketName, object.Key, g.linkExpiry, reqParams)
		if err != nil {
			return result, fmt.Errorf("presign %s: %w", object.Key, err)
		}
		result = append(result, GalleryImage{
			Key:          object.Key,
			URL:          presignedURL.String(),
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}
	g.log.Debugf("listed %d images under %q", len(result), prefix)
	return result, nil
}

// Open reads one image into an UploadRequest named after the object key.
func (g *Gallery) Open(ctx context.Context, key string) (*UploadRequest, error) {
	if !checkIn(key, imageAvailableFormats) {
		return nil, fmt.Errorf("%s is not an image", key)
	}
	object, err := g.client.GetObject(ctx, g.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, maxGalleryImage+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(data) > maxGalleryImage {
		return nil, fmt.Errorf("%s is larger than %d bytes", key, maxGalleryImage)
	}
	return &UploadRequest{Image: data, Filename: path.Base(key)}, nil
}

func checkIn(key string, filters []string) bool {
	parsed := strings.Split(strings.ToLower(key), ".")
	if len(parsed) > 1 {
		for _, f := range filters {
			if f == parsed[len(parsed)-1] {
				return true
			}
		}
	}
	return false
}
