package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"pii-sentinel/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API 는 S3Store 가 사용하는 S3 client 메서드.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutBucketLifecycleConfiguration(ctx context.Context, in *s3.PutBucketLifecycleConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
}

// S3Store 는 AWS S3 기반 Store.
//
// SDK 레벨 retry 는 0 으로 고정한다. 재시도 횟수/backoff 는 Sink 가 애플리케이션 레벨에서만 제어한다.
// (SDK retry 와 코드 retry 가 겹치면 처리 지연을 예측할 수 없다.)
type S3Store struct {
	client S3API
	bucket string
}

// S3Options 는 S3 client 생성 옵션.
type S3Options struct {
	Bucket   string
	Endpoint string // MinIO / LocalStack 용 (옵션)
}

// NewS3Client 는 공용 AWS config 로 S3 client 를 만든다.
func NewS3Client(awsCfg aws.Config, opts S3Options) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
}

func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Bucket 은 대상 버킷 이름.
func (s *S3Store) Bucket() string { return s.bucket }

// Put 은 PutObject 1회 호출만 담당한다. timeout 은 caller 의 ctx 로 제어된다.
func (s *S3Store) Put(ctx context.Context, obj model.StorageObject) error {
	meta := make(map[string]string, len(obj.Metadata)+1)
	for k, v := range obj.Metadata {
		meta[k] = v
	}
	meta[model.MetaRecordCount] = strconv.Itoa(obj.Records)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(obj.Key),
		Body:          bytesReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      meta,
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", obj.Key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (model.StorageObject, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return model.StorageObject{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return model.StorageObject{}, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return model.StorageObject{}, fmt.Errorf("s3 read %s: %w", key, err)
	}

	obj := model.StorageObject{
		Key:      key,
		Body:     body,
		Metadata: out.Metadata,
	}
	if out.LastModified != nil {
		obj.CreatedAt = *out.LastModified
	}
	if n, err := strconv.Atoi(out.Metadata[model.MetaRecordCount]); err == nil {
		obj.Records = n
	}
	return obj, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]model.ObjectInfo, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var out []model.ObjectInfo
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, o := range page.Contents {
			info := model.ObjectInfo{Key: aws.ToString(o.Key), Size: aws.ToInt64(o.Size)}
			if o.LastModified != nil {
				info.CreatedAt = *o.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// ApplyRetention 은 버킷 lifecycle 규칙을 설치한다.
//   - expire : HotDays 후 삭제
//   - archive: ArchiveDays 후 GLACIER, DeepDays 후 DEEP_ARCHIVE
func (s *S3Store) ApplyRetention(ctx context.Context, policy model.RetentionPolicy) error {
	policy = Normalize(policy)

	rule := types.LifecycleRule{
		ID:     aws.String("pii-sentinel-" + string(policy.Profile)),
		Status: types.ExpirationStatusEnabled,
		Filter: &types.LifecycleRuleFilterMemberPrefix{Value: policy.Prefix},
	}

	switch policy.Profile {
	case model.RetentionArchive:
		rule.Transitions = []types.Transition{
			{Days: aws.Int32(int32(policy.ArchiveDays)), StorageClass: types.TransitionStorageClassGlacier},
			{Days: aws.Int32(int32(policy.DeepDays)), StorageClass: types.TransitionStorageClassDeepArchive},
		}
	default:
		rule.Expiration = &types.LifecycleExpiration{Days: aws.Int32(int32(policy.HotDays))}
	}

	_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{rule},
		},
	})
	if err != nil {
		return fmt.Errorf("s3 lifecycle: %w", err)
	}
	return nil
}
