package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
	"gitlab.com/fleetops/meridian/internal/testhelper"
)

type fakeObjectAPI struct {
	headFunc func(bucket, key string) (*s3.HeadObjectOutput, error)
	listFunc func(bucket string) (*s3.ListObjectsV2Output, error)

	copied []string
}

func (f *fakeObjectAPI) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return f.headFunc(aws.ToString(params.Bucket), aws.ToString(params.Key))
}

func (f *fakeObjectAPI) CopyObject(_ context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.copied = append(f.copied, aws.ToString(params.CopySource)+" -> "+aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key))
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeObjectAPI) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return f.listFunc(aws.ToString(params.Bucket))
}

var notFoundErr = &s3types.NotFound{}

func TestS3StoreChangesSince(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	old := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(time.Hour)

	api := &fakeObjectAPI{
		listFunc: func(bucket string) (*s3.ListObjectsV2Output, error) {
			require.Equal(t, "bucket-east", bucket)
			return &s3.ListObjectsV2Output{
				Contents: []s3types.Object{
					{Key: aws.String("user_42"), ETag: aws.String(`"aaa"`), Size: aws.Int64(100), LastModified: aws.Time(old)},
					{Key: aws.String("txn_7"), ETag: aws.String(`"bbb"`), Size: aws.Int64(200), LastModified: aws.Time(recent)},
					{Key: aws.String("report_9"), ETag: aws.String(`"ccc"`), Size: aws.Int64(300), LastModified: aws.Time(recent)},
				},
				IsTruncated: aws.Bool(false),
			}, nil
		},
		headFunc: func(bucket, key string) (*s3.HeadObjectOutput, error) {
			require.Equal(t, "bucket-west", bucket)
			// The target already caught up with report_9.
			if key == "report_9" {
				return &s3.HeadObjectOutput{ETag: aws.String(`"ccc"`)}, nil
			}
			return nil, notFoundErr
		},
	}

	store := newS3Store(testhelper.NewDiscardingLogEntry(t), api, "")

	source := topology.Region{Name: "us-east", Bucket: "bucket-east"}
	target := topology.Region{Name: "eu-west", Bucket: "bucket-west"}

	changes, token, err := store.ChangesSince(ctx, source, target, old.Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "txn_7", changes[0].Path)
	require.Equal(t, int64(200), changes[0].SizeBytes)
	require.Equal(t, recent.Format(time.RFC3339Nano), token)
}

func TestS3StoreTransfer(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	pair := topology.Pair{
		Source: topology.Region{Name: "us-east", Bucket: "bucket-east"},
		Target: topology.Region{Name: "eu-west", Bucket: "bucket-west"},
	}
	change := datastore.Change{ID: "bucket-east/user_42@aaa", Path: "user_42", SizeBytes: 100, Ref: `"aaa"`}

	for _, tc := range []struct {
		desc       string
		targetETag string
		sourceETag string
		wantErr    error
		wantCopied bool
	}{
		{
			desc:       "destination missing, object is copied",
			wantCopied: true,
		},
		{
			desc:       "destination already holds the change",
			targetETag: `"aaa"`,
		},
		{
			desc:       "destination holds the previous source version",
			targetETag: `"old"`,
			sourceETag: `"old"`,
			wantCopied: true,
		},
		{
			desc:       "destination was written concurrently",
			targetETag: `"theirs"`,
			sourceETag: `"mine"`,
			wantErr:    ErrConflict,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			api := &fakeObjectAPI{
				headFunc: func(bucket, key string) (*s3.HeadObjectOutput, error) {
					etag := tc.targetETag
					if bucket == "bucket-east" {
						etag = tc.sourceETag
					}
					if etag == "" {
						return nil, notFoundErr
					}
					return &s3.HeadObjectOutput{ETag: aws.String(etag)}, nil
				},
			}
			store := newS3Store(testhelper.NewDiscardingLogEntry(t), api, "")

			err := store.Transfer(ctx, change, pair, 10)
			if tc.wantErr != nil {
				require.True(t, errors.Is(err, tc.wantErr))
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.wantCopied, len(api.copied) == 1)
		})
	}
}

func TestS3StoreForceTransferOverwrites(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	api := &fakeObjectAPI{
		headFunc: func(string, string) (*s3.HeadObjectOutput, error) {
			t.Fatal("force transfers must not check preconditions")
			return nil, nil
		},
	}
	store := newS3Store(testhelper.NewDiscardingLogEntry(t), api, "")

	pair := topology.Pair{
		Source: topology.Region{Name: "us-east", Bucket: "bucket-east"},
		Target: topology.Region{Name: "eu-west", Bucket: "bucket-west"},
	}

	require.NoError(t, store.ForceTransfer(ctx, datastore.Change{Path: "user_42", Ref: `"aaa"`}, pair))
	require.Equal(t, []string{"bucket-east/user_42 -> bucket-west/user_42"}, api.copied)
}
