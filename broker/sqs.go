package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	sqsMaxBatch       = 10
	sqsMaxWaitSeconds = 20
)

type SQSConfig struct {
	// VisibilityTO is the visibility timeout applied to received messages, in
	// seconds. Zero keeps the queue default.
	VisibilityTO int32 `koanf:"visibility_timeout"`
	// AbandonVisibilityTO is applied on Abandon; zero makes the message
	// immediately visible again.
	AbandonVisibilityTO int32 `koanf:"abandon_visibility_timeout"`
	// FIFO sets MessageGroupId from OutboundMessage.Key on send.
	FIFO bool `koanf:"fifo"`
}

func (c *SQSConfig) validate() {
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
	if c.AbandonVisibilityTO < 0 {
		panic("abandon visibility timeout must be non-negative")
	}
}

var DefaultSQSConfig = SQSConfig{
	VisibilityTO: 30,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue adapts an SQS queue. It supports both directions.
type SQSQueue struct {
	cfg SQSConfig

	client      sqsAPI
	queueURL    string
	queueURLPtr *string
}

var (
	_ Receiver = (*SQSQueue)(nil)
	_ Sender   = (*SQSQueue)(nil)
	_ Settler  = (*SQSQueue)(nil)
)

func NewSQSQueue(client sqsAPI, queueURL string, cfg SQSConfig) *SQSQueue {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	cfg.validate()

	q := &SQSQueue{
		cfg:      cfg,
		client:   client,
		queueURL: queueURL,
	}
	q.queueURLPtr = &q.queueURL
	return q
}

// ReceiveBatch issues one ReceiveMessage call. maxCount is clamped to the SQS
// limit of 10 and waitTimeout to 20 seconds of long polling.
func (q *SQSQueue) ReceiveBatch(ctx context.Context, maxCount int, waitTimeout time.Duration) ([]Message, error) {
	maxMessages := int32(maxCount)
	if maxMessages < 1 {
		maxMessages = 1
	}
	if maxMessages > sqsMaxBatch {
		maxMessages = sqsMaxBatch
	}
	waitSeconds := int32((waitTimeout + time.Second - 1) / time.Second)
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if waitSeconds > sqsMaxWaitSeconds {
		waitSeconds = sqsMaxWaitSeconds
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(waitSeconds+5)*time.Second)
	defer cancel()

	out, err := q.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
		QueueUrl:              q.queueURLPtr,
		MaxNumberOfMessages:   maxMessages,
		WaitTimeSeconds:       waitSeconds,
		VisibilityTimeout:     q.cfg.VisibilityTO,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive %s: %w", q.queueURL, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for i := range out.Messages {
		m := &out.Messages[i]
		msgs = append(msgs, NewMessage(
			aws.ToString(m.MessageId),
			[]byte(aws.ToString(m.Body)),
			sqsAttributes(m.MessageAttributes),
			aws.ToString(m.ReceiptHandle),
			q.queueURL,
			q,
		))
	}
	return msgs, nil
}

// SendBatch sends msgs in chunks of 10 preserving order. The first chunk with
// rejected entries stops the batch and is reported as *SendError.
func (q *SQSQueue) SendBatch(ctx context.Context, msgs []OutboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	entries := make([]sqstypes.SendMessageBatchRequestEntry, 0, sqsMaxBatch)
	in := sqs.SendMessageBatchInput{QueueUrl: q.queueURLPtr}

	for i := 0; i < len(msgs); i += sqsMaxBatch {
		end := i + sqsMaxBatch
		if end > len(msgs) {
			end = len(msgs)
		}

		entries = entries[:0]
		for j := i; j < end; j++ {
			m := msgs[j]
			e := sqstypes.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(j - i)),
				MessageBody:       aws.String(string(m.Body)),
				MessageAttributes: sqsMessageAttributes(m.Attributes),
			}
			if q.cfg.FIFO && m.Key != "" {
				e.MessageGroupId = aws.String(m.Key)
				if m.ID != "" {
					e.MessageDeduplicationId = aws.String(m.ID)
				}
			}
			entries = append(entries, e)
		}

		in.Entries = entries
		out, err := q.client.SendMessageBatch(ctx, &in)
		if err != nil {
			return fmt.Errorf("sqs send %s: %w", q.queueURL, err)
		}
		if len(out.Failed) > 0 {
			se := &SendError{Entity: q.queueURL}
			for _, f := range out.Failed {
				id := aws.ToString(f.Id)
				if k, err := strconv.Atoi(id); err == nil && i+k < len(msgs) && msgs[i+k].ID != "" {
					id = msgs[i+k].ID
				}
				se.Failed = append(se.Failed, FailedEntry{
					ID:      id,
					Code:    aws.ToString(f.Code),
					Message: aws.ToString(f.Message),
				})
			}
			return se
		}
	}
	return nil
}

// Complete deletes the message from the queue.
func (q *SQSQueue) Complete(ctx context.Context, m Message) error {
	if m.Handle == "" {
		return ErrNotSettleable
	}
	rh := m.Handle
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      q.queueURLPtr,
		ReceiptHandle: &rh,
	})
	if err != nil {
		return fmt.Errorf("sqs delete id=%s: %w", m.ID, err)
	}
	return nil
}

// Abandon resets the visibility timeout so the message is redelivered.
func (q *SQSQueue) Abandon(ctx context.Context, m Message) error {
	if m.Handle == "" {
		return ErrNotSettleable
	}
	rh := m.Handle
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          q.queueURLPtr,
		ReceiptHandle:     &rh,
		VisibilityTimeout: q.cfg.AbandonVisibilityTO,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility id=%s: %w", m.ID, err)
	}
	return nil
}

func sqsAttributes(in map[string]sqstypes.MessageAttributeValue) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v.StringValue != nil {
			out[k] = *v.StringValue
		}
	}
	return out
}

func sqsMessageAttributes(in map[string]string) map[string]sqstypes.MessageAttributeValue {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]sqstypes.MessageAttributeValue, len(in))
	for k, v := range in {
		out[k] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	return out
}
