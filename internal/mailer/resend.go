package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

// ResendProvider posts to the Resend /emails API.
type ResendProvider struct {
	httpClient     *resty.Client
	from           string
	defaultSubject string
	logger         *zap.Logger
}

func NewResendProvider(baseURL, apiKey, from, subject string, timeout time.Duration, logger *zap.Logger) *ResendProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &ResendProvider{
		httpClient:     client,
		from:           from,
		defaultSubject: subject,
		logger:         logger,
	}
}

func (p *ResendProvider) Name() string { return "resend" }

func (p *ResendProvider) Send(ctx context.Context, msg Message) error {
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

	var result resendResponse
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetBody(resendRequest{
			From:    p.from,
			To:      []string{msg.To},
			Subject: subject,
			HTML:    html,
			Text:    RenderText(msg),
		}).
		SetResult(&result).
		SetError(&result).
		Post("/emails")
	if err != nil {
		return fmt.Errorf("failed to call Resend: %w", err)
	}
	if resp.IsError() {
		reason := result.Message
		if reason == "" {
			reason = resp.Status()
		}
		return fmt.Errorf("resend rejected message (status %d): %s", resp.StatusCode(), reason)
	}

	p.logger.Debug("OTP mail accepted by Resend", zap.String("message_id", result.ID))
	return nil
}
