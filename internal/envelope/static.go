package envelope

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// StaticKeyProvider 는 로컬 AES-256 마스터 키로 data key 를 감싼다.
// 로컬 실행 / 테스트용이며, 운영에서는 KMSKeyProvider 를 쓴다.
//
// wrapped 형식: nonce(12) || GCM(masterKey, dataKey)
type StaticKeyProvider struct {
	master []byte
}

// NewStaticKeyProvider 는 hex 로 인코딩된 32바이트 키를 받는다.
func NewStaticKeyProvider(hexKey string) (*StaticKeyProvider, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("static key: decode hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("static key: want 32 bytes, got %d", len(key))
	}
	return &StaticKeyProvider{master: key}, nil
}

func (p *StaticKeyProvider) GenerateDataKey(_ context.Context, keyID string) ([]byte, []byte, error) {
	plain := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, plain); err != nil {
		return nil, nil, err
	}
	nonce, ct, err := gcmSeal(p.master, plain, []byte(keyID))
	if err != nil {
		return nil, nil, err
	}
	return plain, append(nonce, ct...), nil
}

func (p *StaticKeyProvider) DecryptDataKey(_ context.Context, keyID string, wrapped []byte) ([]byte, error) {
	const nonceSize = 12
	if len(wrapped) <= nonceSize {
		return nil, fmt.Errorf("static key: wrapped key too short")
	}
	return gcmOpen(p.master, wrapped[:nonceSize], wrapped[nonceSize:], []byte(keyID))
}
