package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pii-sentinel/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const macieFinding = `{
  "version": "0",
  "id": "6a1f0c9e-0000-4c1e-9a77-3c1b7e0f0001",
  "detail-type": "Macie Finding",
  "source": "aws.macie",
  "account": "111122223333",
  "time": "2024-01-01T04:12:00Z",
  "region": "eu-west-1",
  "resources": [],
  "detail": {
    "schemaVersion": "1.0",
    "id": "f1",
    "type": "SensitiveData:S3Object/Personal",
    "count": 1,
    "severity": {"score": 1, "description": "Low"},
    "classificationDetails": {"jobId": "job-42", "jobArn": "arn:aws:macie2:eu-west-1:111122223333:classification-job/job-42"},
    "resourcesAffected": {
      "s3Bucket": {"name": "macie-logs-bucket-dev"},
      "s3Object": {"key": "fn-logs-1704067200000", "size": 1024}
    }
  }
}`

func TestDecodeMacieFinding(t *testing.T) {
	ev, err := Decode([]byte(macieFinding))
	require.NoError(t, err)

	assert.Equal(t, "aws.macie", ev.Source)
	assert.Equal(t, "Macie Finding", ev.DetailType)
	assert.Equal(t, "job-42", ev.JobID)
	assert.Equal(t, "Low", ev.Severity)
	assert.Equal(t, "SensitiveData:S3Object/Personal", ev.FindingType)
	assert.Equal(t, "macie-logs-bucket-dev", ev.Bucket)
	assert.Equal(t, "fn-logs-1704067200000", ev.ObjectKey)
	assert.Equal(t, 1, ev.Count)
}

func TestEncodeDecodeKeepsFields(t *testing.T) {
	in := model.FindingEvent{
		Source:      "pii-scanner",
		DetailType:  "Finding",
		JobID:       "job-7",
		Severity:    "High",
		FindingType: "SensitiveData:S3Object/Financial",
		Bucket:      "b",
		ObjectKey:   "fn-logs-1",
		Count:       3,
	}
	data, err := Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"detail-type":"Finding"`)
	assert.Contains(t, string(data), `"jobId":"job-7"`)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.NotEmpty(t, out.ID)
	out.ID, out.Time = "", time.Time{}
	assert.Equal(t, in, out)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"detail":{}}`))
	assert.ErrorIs(t, err, ErrMalformed)

	// detail 필드 누락은 디코딩 단계의 오류가 아니다.
	ev, err := Decode([]byte(`{"source":"aws.macie","detail-type":"Macie Finding","detail":{}}`))
	require.NoError(t, err)
	assert.Empty(t, ev.JobID)
}

func TestBusRedeliversOnHandlerError(t *testing.T) {
	bus := NewBus(BusOptions{MaxAttempts: 5, RetryDelay: time.Millisecond})
	var calls int32

	done := make(chan struct{})
	go func() {
		bus.Run(context.Background(), func(_ context.Context, ev model.FindingEvent) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("downstream busy")
			}
			assert.Equal(t, "job-1", ev.JobID)
			return nil
		})
		close(done)
	}()

	require.NoError(t, bus.Publish(context.Background(), model.FindingEvent{Source: "s", DetailType: "d", JobID: "job-1"}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, 2*time.Second, time.Millisecond)

	bus.Close()
	<-done
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBusGivesUpAfterMaxAttempts(t *testing.T) {
	bus := NewBus(BusOptions{MaxAttempts: 2, RetryDelay: time.Millisecond})
	var calls int32

	go bus.Run(context.Background(), func(context.Context, model.FindingEvent) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always")
	})

	require.NoError(t, bus.Publish(context.Background(), model.FindingEvent{Source: "s", DetailType: "d"}))
	require.NoError(t, bus.Publish(context.Background(), model.FindingEvent{Source: "s", DetailType: "d"}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 4 }, 2*time.Second, time.Millisecond)
	bus.Close()
}

func TestBusCloseDrainsAndRejects(t *testing.T) {
	bus := NewBus(BusOptions{Capacity: 10})
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), model.FindingEvent{Source: "s", DetailType: "d"}))
	}

	var (
		mu  sync.Mutex
		got int
	)
	started := make(chan struct{})
	go func() {
		close(started)
		bus.Run(context.Background(), func(context.Context, model.FindingEvent) error {
			mu.Lock()
			got++
			mu.Unlock()
			return nil
		})
	}()
	<-started
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == 5
	}, 2*time.Second, time.Millisecond)

	bus.Close()
	assert.ErrorIs(t, bus.Publish(context.Background(), model.FindingEvent{Source: "s", DetailType: "d"}), ErrBusClosed)
}

type fakeSQS struct {
	mu       sync.Mutex
	batches  [][]types.Message
	deleted  []string
	sent     []string
	received int
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if f.received < len(f.batches) {
		b := f.batches[f.received]
		f.received++
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: b}, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	f.mu.Unlock()
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	f.mu.Unlock()
	return &sqs.SendMessageOutput{MessageId: aws.String("m")}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func TestSQSSubscriberDeletesOnlyHandled(t *testing.T) {
	f := &fakeSQS{batches: [][]types.Message{{
		{MessageId: aws.String("1"), ReceiptHandle: aws.String("r-ok"), Body: aws.String(macieFinding)},
		{MessageId: aws.String("2"), ReceiptHandle: aws.String("r-fail"), Body: aws.String(`{"source":"aws.macie","detail-type":"Macie Finding","detail":{"classificationDetails":{"jobId":"job-fail"}}}`)},
		{MessageId: aws.String("3"), ReceiptHandle: aws.String("r-poison"), Body: aws.String(`garbage`)},
	}}}
	sub := NewSQSSubscriber(f, "https://sqs.eu-west-1.amazonaws.com/111122223333/findings")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(_ context.Context, ev model.FindingEvent) error {
			if ev.JobID == "job-fail" {
				return errors.New("router unavailable")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(f.deletedHandles()) == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"r-ok", "r-poison"}, f.deletedHandles())
}

func TestSQSPublisherSendsEnvelope(t *testing.T) {
	f := &fakeSQS{}
	pub := NewSQSPublisher(f, "q")

	require.NoError(t, pub.Publish(context.Background(), model.FindingEvent{Source: "pii-scanner", DetailType: "Finding", JobID: "job-9"}))
	require.Len(t, f.sent, 1)

	ev, err := Decode([]byte(f.sent[0]))
	require.NoError(t, err)
	assert.Equal(t, "job-9", ev.JobID)
}
