package worker

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/rand"
	"testing"
	"time"

	"pii-sentinel/internal/buffer"
	"pii-sentinel/internal/model"
	"pii-sentinel/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payloadGen struct{ r *rand.Rand }

func newPayloadGen(seed int64) *payloadGen { return &payloadGen{r: rand.New(rand.NewSource(seed))} }

// next 는 압축이 잘 되지 않는 n 바이트 페이로드.
func (p *payloadGen) next(n int) []byte {
	raw := make([]byte, (n+1)/2)
	p.r.Read(raw)
	return []byte(hex.EncodeToString(raw)[:n])
}

func TestKeyGenMonotonic(t *testing.T) {
	g := NewKeyGen("fn-logs-")
	at := time.UnixMilli(1700000000000)

	k1 := g.Next(at)
	k2 := g.Next(at)
	k3 := g.Next(at.Add(-time.Second))

	assert.Equal(t, "fn-logs-1700000000000", k1)
	assert.Equal(t, "fn-logs-1700000000001", k2)
	assert.Equal(t, "fn-logs-1700000000002", k3)
	assert.Equal(t, "fn-logs-", g.ListPrefix())
}

func TestEncoderRoundTrip(t *testing.T) {
	enc := newBatchEncoder(time.Now())
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, enc.Add(buffer.Entry{Seq: 7, Record: model.LogRecord{Ts: ts, Source: "fn-a", Payload: []byte(`{"email":"a@b.co"}`)}}))
	require.NoError(t, enc.Add(buffer.Entry{Seq: 9, Record: model.LogRecord{Ts: ts, Source: "fn-b", Payload: []byte("plain text")}}))
	plain, err := enc.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(7), enc.firstSeq)
	assert.Equal(t, int64(9), enc.lastSeq)

	sealer := testSealer(t)
	sealed, err := sealer.Seal(context.Background(), plain)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed.Ciphertext, []byte("a@b.co")))

	obj := model.StorageObject{Key: "fn-logs-1", Body: sealed.Ciphertext, Metadata: sealed.Metadata()}
	lines, err := OpenObject(context.Background(), sealer, obj)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, `{"email":"a@b.co"}`, lines[0].Message)
	assert.Equal(t, "fn-b", lines[1].Source)
	assert.True(t, ts.Equal(lines[1].Ts))
}

func TestEncoderKeepsNonUTF8Payload(t *testing.T) {
	payload := []byte{0x61, 0xff, 0xfe, 0x62, 0x00, 0xc3}

	enc := newBatchEncoder(time.Now())
	require.NoError(t, enc.Add(buffer.Entry{Seq: 1, Record: model.LogRecord{Source: "fn-a", Payload: payload}}))
	require.NoError(t, enc.Add(buffer.Entry{Seq: 2, Record: model.LogRecord{Source: "fn-a", Payload: []byte("héllo")}}))
	plain, err := enc.Close()
	require.NoError(t, err)

	sealer := testSealer(t)
	sealed, err := sealer.Seal(context.Background(), plain)
	require.NoError(t, err)

	obj := model.StorageObject{Key: "fn-logs-1", Body: sealed.Ciphertext, Metadata: sealed.Metadata()}
	lines, err := OpenObject(context.Background(), sealer, obj)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.Equal(t, payload, lines[0].Payload())
	assert.Equal(t, string(payload), lines[0].Text())
	assert.Empty(t, lines[0].Message)

	assert.Nil(t, lines[1].Raw)
	assert.Equal(t, "héllo", lines[1].Message)
	assert.Equal(t, []byte("héllo"), lines[1].Payload())
}

func TestUploaderStopsOnCancel(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 100}
	u := NewUploader(store, nil, SinkConfig{MaxAttempts: 5, BackoffBase: time.Hour, BackoffMax: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.PutWithRetry(ctx, model.StorageObject{Key: "fn-logs-1"}) }()

	require.Eventually(t, func() bool { return len(store.attemptedKeys()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("uploader ignored cancellation")
	}
}
