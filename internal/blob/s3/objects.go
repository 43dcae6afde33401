package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

const (
	// minPartSize is the S3 multipart minimum.
	minPartSize int64 = 5 * 1024 * 1024
	// jsonlContentType is used when a caller passes none.
	jsonlContentType = "application/x-ndjson"
)

// Objects reads and writes objects in one bucket. Uploads carry a SHA-256
// checksum so a truncated archive is rejected by the store.
type Objects struct {
	api    *s3.Client
	bucket string
}

// NewObjects binds c's bucket.
func NewObjects(c *Client) *Objects {
	return &Objects{api: c.api, bucket: c.bucket}
}

// Put uploads data with a single PutObject.
func (o *Objects) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if contentType == "" {
		contentType = jsonlContentType
	}
	_, err := o.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(o.bucket),
		Key:               aws.String(key),
		Body:              data,
		ContentType:       aws.String(contentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", key, err)
	}
	return nil
}

// PutMultipart streams data through the upload manager. partSize is raised
// to the 5 MiB minimum; a failed upload aborts its parts.
func (o *Objects) PutMultipart(ctx context.Context, key string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(o.api, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
		u.Concurrency = 2
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(o.bucket),
		Key:               aws.String(key),
		Body:              data,
		ContentType:       aws.String(jsonlContentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart put %s: %w", key, err)
	}
	return nil
}

// List returns the objects under prefix, skipping folder placeholders.
func (o *Objects) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	pages := s3.NewListObjectsV2Paginator(o.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})
	var out []domain.BlobInfo
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			out = append(out, domain.BlobInfo{
				Path:         key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

// Exists reports whether key is stored. Only a not-found answer gives
// false with a nil error.
func (o *Objects) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("s3blob: head %s: %w", key, err)
	}
}

// isNotFound matches the typed SDK errors and the bare 404 some
// S3-compatible stores send for HeadObject.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &nsk) || errors.As(err, &nf) ||
		(errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound)
}

var (
	_ domain.BlobWriter = (*Objects)(nil)
	_ domain.BlobReader = (*Objects)(nil)
)
