package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSDispatcher publishes notifications to an SQS queue consumed by the
// delivery service.
type SQSDispatcher struct {
	client   sqsAPI
	queueURL string
	now      func() time.Time
}

func NewSQSDispatcher(cfg aws.Config, queueURL string) *SQSDispatcher {
	return &SQSDispatcher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		now:      time.Now,
	}
}

func (d *SQSDispatcher) Dispatch(ctx context.Context, msg Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = d.now()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Kind)),
			},
		},
	})
	if err != nil {
		return wrapAPIError("sqs send", err)
	}
	return nil
}
