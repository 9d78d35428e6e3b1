package notify

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSAlerter publishes alerts to an SNS topic.
type SNSAlerter struct {
	client   snsAPI
	topicARN string
}

func NewSNSAlerter(cfg aws.Config, topicARN string) *SNSAlerter {
	return &SNSAlerter{client: sns.NewFromConfig(cfg), topicARN: topicARN}
}

func (a *SNSAlerter) Alert(ctx context.Context, alert Alert) error {
	subject := alert.Subject
	// SNS rejects subjects longer than 100 characters
	if len(subject) > 100 {
		subject = subject[:100]
	}
	_, err := a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(alert.Message),
	})
	if err != nil {
		return wrapAPIError("sns publish", err)
	}
	return nil
}
