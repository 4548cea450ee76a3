package state

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sandboxlabs/sandboxd/internal/errs"
)

// ErrNotFound is returned by Load/Restore when a session has no
// snapshot in the queried tier.
var ErrNotFound = errors.New("state: session not found")

// ColdStore is the S3-backed archive tier. Grounded on the same
// sibling-pack manifest as HotStore for aws-sdk-go-v2's
// service/s3 + feature/s3/manager pairing (manager gives multipart
// upload/download for free on larger snapshots without extra code
// here).
type ColdStore struct {
	client *s3.Client
	bucket string
}

// NewColdStore creates a ColdStore against bucket using client.
func NewColdStore(client *s3.Client, bucket string) *ColdStore {
	return &ColdStore{client: client, bucket: bucket}
}

func objectKey(sessionID string) string { return "state-archive/" + sessionID }

// Archive uploads the snapshot blob to the cold tier. The object's
// expiration is left to an S3 lifecycle rule on the bucket — see
// doc.go — rather than enforced by this process.
func (c *ColdStore) Archive(ctx context.Context, sessionID string, blob []byte) error {
	uploader := manager.NewUploader(c.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    strPtr(objectKey(sessionID)),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return errs.New(errs.KindStorageUnavail, "state.Archive", err)
	}
	return nil
}

// Restore downloads the snapshot blob for sessionID from the cold
// tier. Returns ErrNotFound if no object exists (either never archived
// or expired past the bucket's lifecycle rule).
func (c *ColdStore) Restore(ctx context.Context, sessionID string) ([]byte, error) {
	downloader := manager.NewDownloader(c.client)
	buf := manager.NewWriteAtBuffer(nil)
	_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    strPtr(objectKey(sessionID)),
	})
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, errs.New(errs.KindStorageUnavail, "state.Restore", err)
	}
	return buf.Bytes(), nil
}

// Delete removes sessionID's archived snapshot. Idempotent.
func (c *ColdStore) Delete(ctx context.Context, sessionID string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &c.bucket,
		Key:    strPtr(objectKey(sessionID)),
	})
	if err != nil {
		return errs.New(errs.KindStorageUnavail, "state.Delete", err)
	}
	return nil
}

func strPtr(s string) *string { return &s }

// Healthy probes the cold tier's bucket reachability for GET
// /v1/health/detailed.
func (c *ColdStore) Healthy() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &c.bucket}); err != nil {
		return errs.New(errs.KindStorageUnavail, "state.ColdStore.Healthy", err)
	}
	return nil
}
