package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"pii-sentinel/internal/buffer"
	"pii-sentinel/internal/envelope"
	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"
	"pii-sentinel/internal/storage"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testSealer(t testing.TB) *envelope.Sealer {
	t.Helper()
	p, err := envelope.NewStaticKeyProvider(testKeyHex)
	require.NoError(t, err)
	return envelope.NewSealer(p, "static:env:TEST_KEY")
}

func testBuffer(t testing.TB, capacity int) *buffer.Buffer {
	t.Helper()
	b, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.db"), buffer.Options{Capacity: capacity})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// manualTimers 는 sink 가 요청한 타이머를 테스트가 직접 만료시킨다.
type manualTimers struct {
	created chan chan time.Time
	mu      sync.Mutex
	durs    []time.Duration
}

func newManualTimers() *manualTimers {
	return &manualTimers{created: make(chan chan time.Time, 64)}
}

func (m *manualTimers) after(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.durs = append(m.durs, d)
	m.mu.Unlock()
	c := make(chan time.Time, 1)
	m.created <- c
	return c
}

func (m *manualTimers) fire(t *testing.T) {
	t.Helper()
	select {
	case c := <-m.created:
		c <- time.Now()
	case <-time.After(5 * time.Second):
		t.Fatal("no timer was armed")
	}
}

// flakyStore 는 처음 failures 번의 Put 을 실패시킨다.
type flakyStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
	keys     []string
}

func (f *flakyStore) Put(ctx context.Context, obj model.StorageObject) error {
	f.mu.Lock()
	f.keys = append(f.keys, obj.Key)
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("503 SlowDown")
	}
	f.mu.Unlock()
	return f.MemoryStore.Put(ctx, obj)
}

func (f *flakyStore) attemptedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func readAll(t *testing.T, store storage.Store, sealer *envelope.Sealer) []Line {
	t.Helper()
	ctx := context.Background()
	infos, err := store.List(ctx, "fn-logs-")
	require.NoError(t, err)

	var lines []Line
	for _, info := range infos {
		obj, err := store.Get(ctx, info.Key)
		require.NoError(t, err)
		got, err := OpenObject(ctx, sealer, obj)
		require.NoError(t, err)
		lines = append(lines, got...)
	}
	return lines
}

func TestSinkFlushesWindowBelowThreshold(t *testing.T) {
	buf := testBuffer(t, 1000)
	store := storage.NewMemoryStore()
	sealer := testSealer(t)
	timers := newManualTimers()

	sink := NewSink(SinkConfig{
		BatchMaxBytes: 100 * 1024,
		FlushInterval: 60 * time.Second,
	}, buf, store, sealer, metrics.New())
	sink.flushAfter = timers.after
	sink.Start()
	defer func() { _ = sink.Shutdown(context.Background()) }()

	ctx := context.Background()
	payload := strings.Repeat("x", 1000)
	for i := 0; i < 150; i++ {
		require.NoError(t, buf.Append(ctx, model.LogRecord{
			Ts:      time.Now(),
			Source:  "fn-orders",
			Payload: []byte(fmt.Sprintf("%s-%03d", payload, i)),
		}))
	}

	require.Eventually(t, func() bool { return sink.Pending() == 150 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.Len(), "nothing may be written before the window closes")

	timers.fire(t)

	require.Eventually(t, func() bool { return store.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return buf.Depth() == 0 }, 5*time.Second, 5*time.Millisecond)

	lines := readAll(t, store, sealer)
	require.Len(t, lines, 150)
	for i, l := range lines {
		assert.True(t, strings.HasSuffix(l.Message, fmt.Sprintf("-%03d", i)))
	}
	assert.Equal(t, []time.Duration{60 * time.Second}, timers.durs)
}

func TestSinkFlushesOnSizeThreshold(t *testing.T) {
	buf := testBuffer(t, 1000)
	store := storage.NewMemoryStore()
	sealer := testSealer(t)
	timers := newManualTimers()

	sink := NewSink(SinkConfig{BatchMaxBytes: 2 * 1024}, buf, store, sealer, nil)
	sink.flushAfter = timers.after
	sink.Start()

	ctx := context.Background()
	pg := newPayloadGen(7)
	for i := 0; i < 400; i++ {
		require.NoError(t, buf.Append(ctx, model.LogRecord{Source: "fn-a", Payload: pg.next(512)}))
	}

	require.Eventually(t, func() bool { return store.Len() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, sink.Shutdown(context.Background()))

	lines := readAll(t, store, sealer)
	require.Len(t, lines, 400)
	for i := 1; i < len(lines); i++ {
		assert.Greater(t, lines[i].Seq, lines[i-1].Seq)
	}
	assert.Equal(t, 0, buf.Depth())
}

func TestSinkRetriesWithSameKey(t *testing.T) {
	buf := testBuffer(t, 100)
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 2}
	sealer := testSealer(t)
	timers := newManualTimers()
	m := metrics.New()

	sink := NewSink(SinkConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, buf, store, sealer, m)
	sink.flushAfter = timers.after
	sink.Start()
	defer func() { _ = sink.Shutdown(context.Background()) }()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Append(ctx, model.LogRecord{Source: "fn-a", Payload: []byte(fmt.Sprintf("line %d", i))}))
	}
	require.Eventually(t, func() bool { return sink.Pending() == 5 }, 5*time.Second, 5*time.Millisecond)
	timers.fire(t)

	require.Eventually(t, func() bool { return store.Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	keys := store.attemptedKeys()
	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[0], keys[2])
	assert.Equal(t, int64(2), m.SinkPutErrorsTotal)
	assert.Len(t, readAll(t, store, sealer), 5)
}

func TestSinkHoldsBatchAfterExhaustion(t *testing.T) {
	buf := testBuffer(t, 100)
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 3}
	sealer := testSealer(t)
	flush := newManualTimers()
	retry := newManualTimers()
	m := metrics.New()

	sink := NewSink(SinkConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	}, buf, store, sealer, m)
	sink.flushAfter = flush.after
	sink.retryAfter = retry.after
	sink.Start()
	defer func() { _ = sink.Shutdown(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, buf.Append(ctx, model.LogRecord{Source: "fn-a", Payload: []byte("first")}))
	require.Eventually(t, func() bool { return sink.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)
	flush.fire(t)

	require.Eventually(t, sink.Held, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int64(0), buf.Offset(), "offset must not advance while the batch is held")
	assert.Equal(t, int64(1), m.SinkHeldBatchesTotal)

	retry.fire(t)

	require.Eventually(t, func() bool { return store.Len() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return buf.Offset() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, sink.Held())

	keys := store.attemptedKeys()
	require.Len(t, keys, 4)
	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}
}

func TestSinkShutdownFlushesOpenBatch(t *testing.T) {
	buf := testBuffer(t, 100)
	store := storage.NewMemoryStore()
	sealer := testSealer(t)
	timers := newManualTimers()

	sink := NewSink(SinkConfig{}, buf, store, sealer, nil)
	sink.flushAfter = timers.after
	sink.Start()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Append(ctx, model.LogRecord{Source: "fn-a", Payload: []byte("x")}))
	}
	require.Eventually(t, func() bool { return sink.Pending() == 3 }, 5*time.Second, 5*time.Millisecond)

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Shutdown(sctx))

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 0, buf.Depth())
}

func TestSinkShutdownWithoutStart(t *testing.T) {
	buf := testBuffer(t, 10)
	sink := NewSink(SinkConfig{}, buf, storage.NewMemoryStore(), testSealer(t), nil)

	assert.NotPanics(t, func() {
		require.NoError(t, sink.Shutdown(context.Background()))
	})
	assert.Equal(t, 0, sink.Pending())
}

func TestSinkResumesFromCommittedOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.db")
	ctx := context.Background()

	buf, err := buffer.Open(path, buffer.Options{Capacity: 100})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Append(ctx, model.LogRecord{Source: "fn-a", Payload: []byte(fmt.Sprintf("line %d", i))}))
	}
	require.NoError(t, buf.Commit(ctx, 2))
	require.NoError(t, buf.Close())

	buf, err = buffer.Open(path, buffer.Options{Capacity: 100})
	require.NoError(t, err)
	defer buf.Close()

	store := storage.NewMemoryStore()
	sealer := testSealer(t)
	sink := NewSink(SinkConfig{}, buf, store, sealer, nil)
	sink.flushAfter = newManualTimers().after
	sink.Start()
	require.Eventually(t, func() bool { return sink.Pending() == 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, sink.Shutdown(ctx))

	lines := readAll(t, store, sealer)
	require.Len(t, lines, 2)
	assert.Equal(t, "line 2", lines[0].Message)
	assert.Equal(t, "line 3", lines[1].Message)
}

// Property: 같은 source 에서 순서대로 append 된 레코드는
// 오브젝트를 키 순서로 이어 읽었을 때 같은 순서로 나타난다.
func TestSinkPreservesPerSourceOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("per-source append order survives batching", prop.ForAll(
		func(sources []int, sizes []int) bool {
			buf := testBuffer(t, 10000)
			store := storage.NewMemoryStore()
			sealer := testSealer(t)

			sink := NewSink(SinkConfig{BatchMaxBytes: 1024}, buf, store, sealer, nil)
			sink.flushAfter = newManualTimers().after
			sink.Start()

			ctx := context.Background()
			pg := newPayloadGen(int64(len(sources)))
			want := map[string][]string{}
			for i, src := range sources {
				name := fmt.Sprintf("fn-%d", src)
				size := 16
				if i < len(sizes) {
					size = sizes[i]
				}
				msg := fmt.Sprintf("%d:%s", i, pg.next(size))
				if err := buf.Append(ctx, model.LogRecord{Source: name, Payload: []byte(msg)}); err != nil {
					return false
				}
				want[name] = append(want[name], msg)
			}
			last := int64(len(sources))
			deadline := time.Now().Add(5 * time.Second)
			for sink.ReadOffset() < last && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			if err := sink.Shutdown(ctx); err != nil {
				return false
			}

			infos, err := store.List(ctx, "fn-logs-")
			if err != nil {
				return false
			}
			keys := make([]string, 0, len(infos))
			for _, info := range infos {
				keys = append(keys, info.Key)
			}
			if !sort.StringsAreSorted(keys) {
				return false
			}

			got := map[string][]string{}
			for _, k := range keys {
				obj, err := store.Get(ctx, k)
				if err != nil {
					return false
				}
				lines, err := OpenObject(ctx, sealer, obj)
				if err != nil {
					return false
				}
				for _, l := range lines {
					got[l.Source] = append(got[l.Source], l.Message)
				}
			}

			if len(got) != len(want) {
				return false
			}
			for src, msgs := range want {
				if strings.Join(msgs, "\n") != strings.Join(got[src], "\n") {
					return false
				}
			}
			return buf.Depth() == 0
		},
		gen.SliceOfN(120, gen.IntRange(0, 3)),
		gen.SliceOf(gen.IntRange(200, 2000)),
	))

	properties.TestingRun(t)
}
