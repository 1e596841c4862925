package blob

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"             //nolint:staticcheck
	"github.com/aws/aws-sdk-go/aws/credentials" //nolint:staticcheck
	"github.com/aws/aws-sdk-go/aws/session"     //nolint:staticcheck
	"github.com/aws/aws-sdk-go/service/s3"      //nolint:staticcheck
)

type S3 struct {
	s3                *s3.S3
	signS3            *s3.S3
	bucket            string
	checksumAlgorithm string
}

// NewS3 connects to an S3-compatible store. signEndpoint is the public
// address baked into presigned URLs; when empty, endpoint is used for both.
func NewS3(endpoint, accessKey, secretKey, bucket string, forcePathStyle bool, signEndpoint string) *S3 {
	sess := session.Must(session.NewSession(&aws.Config{
		Endpoint:         &endpoint,
		Region:           aws.String("us-east-1"),
		Credentials:      credentials.NewStaticCredentials(accessKey, secretKey, ""),
		S3ForcePathStyle: &forcePathStyle,
	}))

	if signEndpoint == "" {
		signEndpoint = endpoint
	}

	signSess := session.Must(session.NewSession(&aws.Config{
		Endpoint:         &signEndpoint,
		Region:           aws.String("us-east-1"),
		Credentials:      credentials.NewStaticCredentials(accessKey, secretKey, ""),
		S3ForcePathStyle: &forcePathStyle,
	}))

	return &S3{
		s3:                s3.New(sess),
		signS3:            s3.New(signSess),
		bucket:            bucket,
		checksumAlgorithm: "SHA256",
	}
}

func hexToBase64(hexStr string) (string, error) {
	bin, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bin), nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if err == ErrNotExist {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *S3) Stat(ctx context.Context, key string) (*Info, error) {
	output, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	info := &Info{Key: key}
	if output.ContentLength != nil {
		info.Size = *output.ContentLength
	}
	if output.ETag != nil {
		info.ETag = *output.ETag
	}
	if output.LastModified != nil {
		info.LastModified = *output.LastModified
	}
	return info, nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	output, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return output.Body, nil
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          aws.ReadSeekCloser(r),
		ContentLength: &size,
	}
	if sha256Hex != "" {
		sum, err := hexToBase64(sha256Hex)
		if err != nil {
			return err
		}
		input.ChecksumAlgorithm = &s.checksumAlgorithm
		input.ChecksumSHA256 = &sum
	}
	_, err := s.s3.PutObjectWithContext(ctx, input)
	return err
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *S3) SignGet(key string, expire time.Duration) (string, error) {
	req, _ := s.signS3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	return req.Presign(expire)
}

func (s *S3) SignPut(key string, sha256Hex string, expire time.Duration) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}
	if sha256Hex != "" {
		sum, err := hexToBase64(sha256Hex)
		if err != nil {
			return "", err
		}
		input.ChecksumAlgorithm = &s.checksumAlgorithm
		input.ChecksumSHA256 = &sum
	}
	req, _ := s.signS3.PutObjectRequest(input)
	return req.Presign(expire)
}

func (s *S3) CreateMultipart(ctx context.Context, key string, parts int, partSize int64, expire time.Duration) (*Multipart, error) {
	output, err := s.s3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	mp := &Multipart{
		UploadID: *output.UploadId,
		PartURLs: make([]string, 0, parts),
	}
	for i := 1; i <= parts; i++ {
		partNumber := int64(i)
		req, _ := s.signS3.UploadPartRequest(&s3.UploadPartInput{
			Bucket:     &s.bucket,
			Key:        &key,
			UploadId:   output.UploadId,
			PartNumber: &partNumber,
		})
		urlStr, err := req.Presign(expire)
		if err != nil {
			return nil, err
		}
		mp.PartURLs = append(mp.PartURLs, urlStr)
	}
	return mp, nil
}

func (s *S3) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	completed := make([]*s3.CompletedPart, 0, len(parts))
	for i := range parts {
		completed = append(completed, &s3.CompletedPart{
			PartNumber: &parts[i].PartNumber,
			ETag:       &parts[i].ETag,
		})
	}
	_, err := s.s3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	return err
}

func (s *S3) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.s3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

func isNotFoundError(err error) bool {
	if aerr, ok := err.(s3.RequestFailure); ok {
		if aerr.StatusCode() == 404 {
			return true
		}
	}
	return false
}

var _ Store = (*S3)(nil)
