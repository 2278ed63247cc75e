// Package credentials 는 credential 참조를 실제 비밀 값으로 바꾼다.
//
// 참조 형식:
//
//	env:NAME                     → 환경 변수 NAME
//	file:/path/to/secret         → 파일 내용 (앞뒤 공백 제거)
//	secretsmanager:<secret-id>   → AWS Secrets Manager SecretString
//
// 값은 호출할 때마다 새로 읽는다 (회전된 비밀이 재기동 없이 반영된다).
// 비밀 값은 로그에 남기지 않는다.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	// ErrUnsupported 는 알 수 없는 참조 종류.
	ErrUnsupported = errors.New("credentials: unsupported reference")
	// ErrNotFound 는 참조가 가리키는 값이 없거나 비어 있을 때.
	ErrNotFound = errors.New("credentials: secret not found")
)

// SecretsManagerAPI 는 Secrets Manager 클라이언트 부분집합.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver 는 참조 → 값 변환기.
type Resolver struct {
	getenv   func(string) string
	readFile func(string) ([]byte, error)
	sm       SecretsManagerAPI
}

// NewResolver 는 Resolver 를 만든다. sm 이 nil 이면 secretsmanager: 참조는 ErrUnsupported.
func NewResolver(sm SecretsManagerAPI) *Resolver {
	return &Resolver{getenv: os.Getenv, readFile: os.ReadFile, sm: sm}
}

// Validate 는 참조 형식만 검사한다 (값은 읽지 않음). 설정 검증용.
func Validate(ref string) error {
	kind, id, ok := strings.Cut(ref, ":")
	if !ok || id == "" {
		return fmt.Errorf("%w: %q", ErrUnsupported, ref)
	}
	switch kind {
	case "env", "file", "secretsmanager":
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupported, kind)
	}
}

// Resolve 는 참조가 가리키는 값을 반환한다.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if err := Validate(ref); err != nil {
		return "", err
	}
	kind, id, _ := strings.Cut(ref, ":")

	switch kind {
	case "env":
		v := r.getenv(id)
		if v == "" {
			return "", fmt.Errorf("%w: env %s", ErrNotFound, id)
		}
		return v, nil

	case "file":
		b, err := r.readFile(id)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: file %s", ErrNotFound, id)
			}
			return "", fmt.Errorf("read secret file: %w", err)
		}
		v := strings.TrimSpace(string(b))
		if v == "" {
			return "", fmt.Errorf("%w: file %s is empty", ErrNotFound, id)
		}
		return v, nil

	default: // secretsmanager
		if r.sm == nil {
			return "", fmt.Errorf("%w: secretsmanager client not configured", ErrUnsupported)
		}
		out, err := r.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
		if err != nil {
			return "", fmt.Errorf("get secret %s: %w", id, err)
		}
		v := aws.ToString(out.SecretString)
		if v == "" {
			return "", fmt.Errorf("%w: secret %s has no string value", ErrNotFound, id)
		}
		return v, nil
	}
}
