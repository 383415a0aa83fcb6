package certificatestore

import (
	"bytes"
	"context"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Store uses the same layout as DirStore, as object keys: <prefix>/<domain>/<domain>.key etc.
// S3 writes are durable once they return, so it needs no Committer.
type S3Store struct {
	s3     s3iface.S3API
	bucket string
	prefix string
}

var _ Store = (*S3Store)(nil)

func NewS3Store(bucket string, region string, prefix string) (*S3Store, error) {
	sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
	if err != nil {
		return nil, err
	}

	return NewS3StoreWithClient(s3.New(sess), bucket, prefix), nil
}

func NewS3StoreWithClient(client s3iface.S3API, bucket string, prefix string) *S3Store {
	return &S3Store{
		s3:     client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Store) Entry(domain string) Entry {
	return entryFor(domain, func(filename string) string {
		return "s3://" + s.bucket + "/" + path.Join(s.prefix, domain, filename)
	})
}

func (s *S3Store) WriteArtifact(ctx context.Context, domain string, kind ArtifactKind, content []byte) error {
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.key(domain, kind)),
		Body:                 bytes.NewReader(content),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	return err
}

func (s *S3Store) ReadExisting(ctx context.Context, domain string, kind ArtifactKind) ([]byte, error) {
	res, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(domain, kind)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, nil
		}

		return nil, err
	}
	defer res.Body.Close()

	return io.ReadAll(res.Body)
}

func (s *S3Store) RemainingValidityDays(ctx context.Context, domain string, now time.Time) (int, bool, error) {
	return remainingValidityDays(ctx, s, domain, now)
}

func (s *S3Store) key(domain string, kind ArtifactKind) string {
	return path.Join(s.prefix, domain, kind.Filename(domain))
}
