package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
)

// objectAPI is the subset of the S3 client the store calls. Tests fake it.
type objectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// NewS3Store builds the bulk object copy backend from the configured
// credentials chain. Regions map to buckets; a change is one object copied
// from the source region's bucket into the target region's bucket.
func NewS3Store(ctx context.Context, log logrus.FieldLogger, conf config.S3) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
		}
		o.UsePathStyle = conf.PathStyle
	})

	return newS3Store(log, client, conf.KeyPrefix), nil
}

func newS3Store(log logrus.FieldLogger, api objectAPI, keyPrefix string) *S3Store {
	return &S3Store{
		log:       log.WithField("component", "s3_store"),
		api:       api,
		keyPrefix: keyPrefix,
	}
}

// S3Store discovers pending changes by listing the source region's bucket
// and applies them with server-side object copies. Change tokens are the
// RFC 3339 timestamp of the newest object already synced.
type S3Store struct {
	log       logrus.FieldLogger
	api       objectAPI
	keyPrefix string
}

// ChangesSince lists objects in the source bucket modified after the token
// and filters out those the target already holds with an identical ETag.
// The Ref of each change carries the source ETag so a later transfer can
// detect concurrent destination writes.
func (s *S3Store) ChangesSince(ctx context.Context, source, target topology.Region, token string) ([]datastore.Change, string, error) {
	since, err := parseTimeToken(token)
	if err != nil {
		return nil, "", err
	}

	var changes []datastore.Change
	newest := since

	input := &s3.ListObjectsV2Input{Bucket: aws.String(source.Bucket)}
	if s.keyPrefix != "" {
		input.Prefix = aws.String(s.keyPrefix)
	}

	for {
		page, err := s.api.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, "", fmt.Errorf("list objects in %q: %w", source.Bucket, err)
		}

		for _, object := range page.Contents {
			modified := aws.ToTime(object.LastModified)
			if !modified.After(since) {
				continue
			}
			if modified.After(newest) {
				newest = modified
			}

			key := aws.ToString(object.Key)
			etag := aws.ToString(object.ETag)

			applied, err := s.headObject(ctx, target.Bucket, key)
			if err != nil {
				return nil, "", err
			}
			if applied != nil && aws.ToString(applied.ETag) == etag {
				continue
			}

			changes = append(changes, datastore.Change{
				ID:        fmt.Sprintf("%s/%s@%s", source.Bucket, key, strings.Trim(etag, `"`)),
				Path:      key,
				SizeBytes: aws.ToInt64(object.Size),
				Ref:       etag,
			})
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}

	return changes, formatTimeToken(newest), nil
}

// Transfer copies the object into the target bucket. A destination object
// that changed since the change was discovered surfaces as ErrConflict.
func (s *S3Store) Transfer(ctx context.Context, change datastore.Change, pair topology.Pair, _ float64) error {
	applied, err := s.headObject(ctx, pair.Target.Bucket, change.Path)
	if err != nil {
		return err
	}

	if applied != nil {
		appliedETag := aws.ToString(applied.ETag)
		if appliedETag == change.Ref {
			// Already applied; retries after a cancelled cycle land here.
			return nil
		}

		source, err := s.headObject(ctx, pair.Source.Bucket, change.Path)
		if err != nil {
			return err
		}
		if source == nil || aws.ToString(source.ETag) != appliedETag {
			return fmt.Errorf("object %q in %q: %w", change.Path, pair.Target.Bucket, ErrConflict)
		}
	}

	return s.copy(ctx, change, pair)
}

// ForceTransfer overwrites the destination object unconditionally.
func (s *S3Store) ForceTransfer(ctx context.Context, change datastore.Change, pair topology.Pair) error {
	return s.copy(ctx, change, pair)
}

func (s *S3Store) copy(ctx context.Context, change datastore.Change, pair topology.Pair) error {
	if _, err := s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(pair.Target.Bucket),
		Key:        aws.String(change.Path),
		CopySource: aws.String(pair.Source.Bucket + "/" + change.Path),
	}); err != nil {
		return fmt.Errorf("copy %q from %q to %q: %w", change.Path, pair.Source.Bucket, pair.Target.Bucket, err)
	}

	s.log.WithFields(logrus.Fields{
		"path":          change.Path,
		"source_bucket": pair.Source.Bucket,
		"target_bucket": pair.Target.Bucket,
	}).Debug("copied object")

	return nil
}

// headObject returns nil without error when the object does not exist.
func (s *S3Store) headObject(ctx context.Context, bucket, key string) (*s3.HeadObjectOutput, error) {
	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("head %q in %q: %w", key, bucket, err)
	}
	return head, nil
}

func parseTimeToken(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, nil
	}

	since, err := time.Parse(time.RFC3339Nano, token)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed change token %q: %w", token, err)
	}
	return since, nil
}

func formatTimeToken(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
