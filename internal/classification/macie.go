package classification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pii-sentinel/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/macie2"
	"github.com/aws/aws-sdk-go-v2/service/macie2/types"
	"github.com/aws/smithy-go"
)

// MacieAPI 는 MacieService 가 사용하는 macie2 클라이언트 부분집합.
type MacieAPI interface {
	CreateClassificationJob(ctx context.Context, in *macie2.CreateClassificationJobInput, optFns ...func(*macie2.Options)) (*macie2.CreateClassificationJobOutput, error)
	DescribeClassificationJob(ctx context.Context, in *macie2.DescribeClassificationJobInput, optFns ...func(*macie2.Options)) (*macie2.DescribeClassificationJobOutput, error)
}

// MacieService 는 Amazon Macie 분류 작업 어댑터.
//
// 스케줄러가 tick 마다 작업을 하나씩 만들기 때문에 Macie 쪽은 ONE_TIME 작업이고,
// 토큰은 ClientToken 으로 전달되어 같은 tick 의 재시도가 작업을 중복 생성하지 않는다.
// FindingEvent 는 Macie → EventBridge 로 발행되며 이 서비스는 관여하지 않는다.
type MacieService struct {
	client    MacieAPI
	accountID string
}

func NewMacieService(client MacieAPI, accountID string) *MacieService {
	return &MacieService{client: client, accountID: accountID}
}

func (m *MacieService) CreateJob(ctx context.Context, req JobRequest) (string, error) {
	if req.Scope.Bucket == "" || m.accountID == "" {
		return "", fmt.Errorf("%w: bucket=%q account=%q", ErrInvalidScope, req.Scope.Bucket, m.accountID)
	}

	name := req.Name
	if name == "" {
		name = "classification"
	}

	in := &macie2.CreateClassificationJobInput{
		ClientToken: aws.String(req.Token),
		Name:        aws.String(fmt.Sprintf("%s-%s", name, req.Token)),
		JobType:     types.JobTypeOneTime,
		Description: aws.String(fmt.Sprintf("%s scan of %s/%s", req.Mode, req.Scope.Bucket, req.Scope.Prefix)),
		S3JobDefinition: &types.S3JobDefinition{
			BucketDefinitions: []types.S3BucketDefinitionForJob{{
				AccountId: aws.String(m.accountID),
				Buckets:   []string{req.Scope.Bucket},
			}},
			Scoping: scoping(req),
		},
	}

	out, err := m.client.CreateClassificationJob(ctx, in)
	if err != nil {
		return "", mapMacieError(err)
	}
	return aws.ToString(out.JobId), nil
}

func (m *MacieService) JobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	out, err := m.client.DescribeClassificationJob(ctx, &macie2.DescribeClassificationJobInput{JobId: aws.String(jobID)})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		return "", err
	}

	switch out.JobStatus {
	case types.JobStatusComplete:
		return model.JobComplete, nil
	case types.JobStatusCancelled:
		return model.JobCancelled, nil
	default:
		return model.JobRunning, nil
	}
}

// scoping 은 prefix 와 incremental 기준 시각을 Macie scope term 으로 바꾼다.
func scoping(req JobRequest) *types.Scoping {
	var terms []types.JobScopeTerm
	if req.Scope.Prefix != "" {
		terms = append(terms, types.JobScopeTerm{SimpleScopeTerm: &types.SimpleScopeTerm{
			Comparator: types.JobComparatorStartsWith,
			Key:        types.ScopeFilterKeyObjectKey,
			Values:     []string{req.Scope.Prefix},
		}})
	}
	if req.Mode == model.RunScheduledIncremental && !req.Since.IsZero() {
		terms = append(terms, types.JobScopeTerm{SimpleScopeTerm: &types.SimpleScopeTerm{
			Comparator: types.JobComparatorGt,
			Key:        types.ScopeFilterKeyObjectLastModifiedDate,
			Values:     []string{req.Since.UTC().Format(time.RFC3339)},
		}})
	}
	if len(terms) == 0 {
		return nil
	}
	return &types.Scoping{Includes: &types.JobScopingBlock{And: terms}}
}

// mapMacieError 는 범위 거부(ValidationException)를 ErrInvalidScope 로 바꾼다.
// 나머지는 일시 장애로 보고 그대로 돌려준다.
func mapMacieError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
		return fmt.Errorf("%w: %s", ErrInvalidScope, apiErr.ErrorMessage())
	}
	return err
}
