// Package envelope 는 배치 오브젝트의 봉투 암호화(envelope encryption)를 담당한다.
//
// 배치마다 새 data key 를 발급받아 AES-256-GCM 으로 본문을 암호화하고,
// data key 는 키 참조(KeyRef)가 가리키는 마스터 키로 감싸(wrapped) 오브젝트 메타데이터에 함께 저장한다.
// 마스터 키 자체는 이 패키지 밖으로 나오지 않는다.
//
// Sealer 는 읽기 전용 공유 자원이다. Sink(암호화)와 분류 스캐너(복호화)가
// 같은 인스턴스를 생성 시점에 주입받으며, 잠금 없이 동시에 사용한다.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"pii-sentinel/internal/model"
)

// ErrMissingEnvelope 는 오브젝트 메타데이터에 봉투 정보가 없을 때.
var ErrMissingEnvelope = errors.New("envelope: missing wrapped key metadata")

// KeyProvider 는 마스터 키로 data key 를 발급/해제한다.
type KeyProvider interface {
	GenerateDataKey(ctx context.Context, keyID string) (plain, wrapped []byte, err error)
	DecryptDataKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error)
}

// Sealed 는 암호화 결과.
type Sealed struct {
	KeyRef     string
	Ciphertext []byte
	WrappedKey []byte
	Nonce      []byte
}

// Metadata 는 스토리지 오브젝트 메타데이터로 변환한다.
func (s Sealed) Metadata() map[string]string {
	return map[string]string{
		model.MetaKeyRef:     s.KeyRef,
		model.MetaWrappedKey: base64.StdEncoding.EncodeToString(s.WrappedKey),
		model.MetaNonce:      base64.StdEncoding.EncodeToString(s.Nonce),
	}
}

// FromObject 는 스토리지 오브젝트에서 Sealed 를 복원한다.
func FromObject(obj model.StorageObject) (Sealed, error) {
	wk, ok1 := obj.Metadata[model.MetaWrappedKey]
	nonce, ok2 := obj.Metadata[model.MetaNonce]
	if !ok1 || !ok2 {
		return Sealed{}, fmt.Errorf("%w: %s", ErrMissingEnvelope, obj.Key)
	}
	wrapped, err := base64.StdEncoding.DecodeString(wk)
	if err != nil {
		return Sealed{}, fmt.Errorf("decode wrapped key: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return Sealed{}, fmt.Errorf("decode nonce: %w", err)
	}
	return Sealed{
		KeyRef:     obj.Metadata[model.MetaKeyRef],
		Ciphertext: obj.Body,
		WrappedKey: wrapped,
		Nonce:      n,
	}, nil
}

// Sealer 는 하나의 키 참조에 묶인 암호화기.
type Sealer struct {
	provider KeyProvider
	keyRef   string
	keyID    string
}

// NewSealer 는 keyRef ("kms:<arn>" / "static:<credential-ref>") 에 묶인 Sealer 를 만든다.
func NewSealer(provider KeyProvider, keyRef string) *Sealer {
	_, id := ParseRef(keyRef)
	return &Sealer{provider: provider, keyRef: keyRef, keyID: id}
}

// KeyRef 는 이 Sealer 가 사용하는 키 참조.
func (s *Sealer) KeyRef() string { return s.keyRef }

// Seal 은 plaintext 를 새 data key 로 암호화한다.
// 키 참조를 AAD 로 묶어 다른 키 참조로 열리는 것을 막는다.
func (s *Sealer) Seal(ctx context.Context, plaintext []byte) (Sealed, error) {
	plain, wrapped, err := s.provider.GenerateDataKey(ctx, s.keyID)
	if err != nil {
		return Sealed{}, fmt.Errorf("generate data key: %w", err)
	}
	defer zero(plain)

	nonce, ct, err := gcmSeal(plain, plaintext, []byte(s.keyRef))
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{KeyRef: s.keyRef, Ciphertext: ct, WrappedKey: wrapped, Nonce: nonce}, nil
}

// Open 은 Seal 의 역연산.
func (s *Sealer) Open(ctx context.Context, sealed Sealed) ([]byte, error) {
	if sealed.KeyRef != "" && sealed.KeyRef != s.keyRef {
		return nil, fmt.Errorf("envelope: key ref mismatch: object=%q sealer=%q", sealed.KeyRef, s.keyRef)
	}
	plain, err := s.provider.DecryptDataKey(ctx, s.keyID, sealed.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt data key: %w", err)
	}
	defer zero(plain)

	return gcmOpen(plain, sealed.Nonce, sealed.Ciphertext, []byte(s.keyRef))
}

// ParseRef 는 "kind:id" 를 분리한다.
func ParseRef(ref string) (kind, id string) {
	kind, id, ok := strings.Cut(ref, ":")
	if !ok {
		return "", ref
	}
	return kind, id
}

func gcmSeal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, aad), nil
}

func gcmOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("envelope: bad nonce size %d", len(nonce))
	}
	out, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("envelope: open: %w", err)
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
