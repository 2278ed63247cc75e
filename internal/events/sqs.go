package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pii-sentinel/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"
)

// SQSAPI 는 SQS 클라이언트 부분집합.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSubscriber 는 EventBridge 규칙의 SQS 타깃 큐를 long-poll 한다.
//
// 핸들러가 성공한 메시지만 삭제한다. 실패한 메시지는 visibility timeout 후 다시 전달된다.
// 디코딩할 수 없는 메시지는 다시 받아도 의미가 없으므로 로그를 남기고 삭제한다.
type SQSSubscriber struct {
	client   SQSAPI
	queueURL string
	wait     int32
	batch    int32
	backoff  time.Duration
}

func NewSQSSubscriber(client SQSAPI, queueURL string) *SQSSubscriber {
	return &SQSSubscriber{client: client, queueURL: queueURL, wait: 20, batch: 10, backoff: 2 * time.Second}
}

// Run 은 ctx 가 끝날 때까지 메시지를 받아 handler 로 넘긴다.
func (s *SQSSubscriber) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(s.queueURL),
			MaxNumberOfMessages: s.batch,
			WaitTimeSeconds:     s.wait,
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.Warn().Err(err).Str("queue", s.queueURL).Msg("sqs receive failed")
			select {
			case <-time.After(s.backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, msg := range out.Messages {
			ev, err := Decode([]byte(aws.ToString(msg.Body)))
			if err != nil {
				log.Error().Err(err).Str("message_id", aws.ToString(msg.MessageId)).Msg("deleting undecodable message")
				s.delete(ctx, msg.ReceiptHandle)
				continue
			}
			if err := handler(ctx, ev); err != nil {
				log.Warn().Err(err).Str("event_id", ev.ID).Msg("handler failed; message will be redelivered")
				continue
			}
			s.delete(ctx, msg.ReceiptHandle)
		}
	}
}

func (s *SQSSubscriber) delete(ctx context.Context, receipt *string) {
	if _, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: receipt,
	}); err != nil {
		log.Warn().Err(err).Msg("sqs delete failed")
	}
}

// SQSPublisher 는 로컬 스캐너의 finding 을 같은 큐로 보낸다.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, ev model.FindingEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if _, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(data)),
	}); err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}
