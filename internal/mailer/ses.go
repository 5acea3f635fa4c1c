package mailer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// SESAPI is the part of the SESv2 client the fallback provider uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESProvider struct {
	client         SESAPI
	from           string
	defaultSubject string
	logger         *zap.Logger
}

func NewSESProvider(client SESAPI, from, subject string, logger *zap.Logger) *SESProvider {
	return &SESProvider{client: client, from: from, defaultSubject: subject, logger: logger}
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	html, err := RenderHTML(msg)
	if err != nil {
		return fmt.Errorf("failed to render mail: %w", err)
	}
	subject := msg.Subject
	if subject == "" {
		subject = p.defaultSubject
	}

	out, err := p.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
					Text: &types.Content{Data: aws.String(RenderText(msg)), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	p.logger.Debug("OTP mail accepted by SES", zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}
