// Package s3store adapts an S3-compatible bucket (Cloudflare R2, MinIO, AWS S3)
// to storage.Store. Range and conditional headers are passed through to the
// service, which evaluates them against its own freshness semantics.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"edge-relays/internal/config"
	"edge-relays/internal/storage"
)

// Store reads objects from a single bucket.
type Store struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// New creates a Store from the [storage] config section. Requests are signed
// with the static access keys when given and sent anonymously otherwise.
// The SDK retryer is disabled: retry policy belongs to the caller.
func New(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	sc := cfg.Storage
	if sc.Bucket == "" {
		return nil, errors.New("s3store: storage.bucket is required")
	}

	opts := s3.Options{
		Region:       sc.Region,
		UsePathStyle: sc.PathStyle,
		Retryer:      aws.NopRetryer{},
	}
	if sc.Endpoint != "" {
		opts.BaseEndpoint = aws.String(sc.Endpoint)
	}
	if sc.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, "")
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}

	return &Store{
		client: s3.New(opts),
		bucket: sc.Bucket,
		logger: logger.With("component", "s3_store"),
	}, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string, rng *storage.Range, cond storage.Conditions) (*storage.Object, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		in.Range = aws.String(rng.String())
	}
	if cond.IfMatch != "" {
		in.IfMatch = aws.String(cond.IfMatch)
	}
	if cond.IfNoneMatch != "" {
		in.IfNoneMatch = aws.String(cond.IfNoneMatch)
	}
	if !cond.IfModifiedSince.IsZero() {
		in.IfModifiedSince = aws.Time(cond.IfModifiedSince)
	}
	if !cond.IfUnmodifiedSince.IsZero() {
		in.IfUnmodifiedSince = aws.Time(cond.IfUnmodifiedSince)
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return s.mapError(ctx, key, err)
	}

	obj := &storage.Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         storage.TrimETag(aws.ToString(out.ETag)),
		LastModified: aws.ToTime(out.LastModified),
		Metadata: storage.HTTPMetadata{
			ContentType:        aws.ToString(out.ContentType),
			ContentLanguage:    aws.ToString(out.ContentLanguage),
			ContentDisposition: aws.ToString(out.ContentDisposition),
			ContentEncoding:    aws.ToString(out.ContentEncoding),
			CacheControl:       aws.ToString(out.CacheControl),
		},
		Body: out.Body,
	}

	if cr := aws.ToString(out.ContentRange); cr != "" {
		span, total, err := storage.ParseContentRange(cr)
		if err != nil {
			_ = out.Body.Close()
			return nil, fmt.Errorf("get %q: %w", key, err)
		}
		obj.Size = total
		obj.Range = span
		obj.Ranged = true
	}

	return obj, nil
}

// mapError translates service status codes into storage semantics. A failed
// precondition (304, 412) becomes an object without a body.
func (s *Store) mapError(ctx context.Context, key string, err error) (*storage.Object, error) {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, storage.ErrNotFound
	}

	var re *awshttp.ResponseError
	if !errors.As(err, &re) {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}

	switch re.HTTPStatusCode() {
	case http.StatusNotFound:
		return nil, storage.ErrNotFound
	case http.StatusNotModified, http.StatusPreconditionFailed:
		obj := &storage.Object{Key: key}
		if re.Response != nil {
			obj.ETag = storage.TrimETag(re.Response.Header.Get("ETag"))
		}
		return obj, nil
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, &storage.RangeError{Size: s.size(ctx, key)}
	default:
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
}

// size looks up the object size for a 416 response. It returns 0 when the
// lookup fails.
func (s *Store) size(ctx context.Context, key string) int64 {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Debug("head object after 416 failed", "key", key, "err", err)
		return 0
	}
	return aws.ToInt64(out.ContentLength)
}
