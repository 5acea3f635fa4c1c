// Package mailer delivers one-time codes by email. Resend is the primary
// provider and SES the fallback; Chain tries them in order.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"go.uber.org/zap"
)

var (
	ErrMissingFields = errors.New("missing required fields: to, otp")
	ErrAllFailed     = errors.New("all mail providers failed")
)

// Message is the OTP mail payload.
type Message struct {
	To        string        `json:"to"`
	Name      string        `json:"name"`
	OTP       string        `json:"otp"`
	Subject   string        `json:"subject"`
	ExpiresIn time.Duration `json:"-"`
}

func (m Message) validate() error {
	if m.To == "" || m.OTP == "" {
		return ErrMissingFields
	}
	return nil
}

// Provider sends a single message.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Delivery reports which provider accepted a message.
type Delivery struct {
	Provider string
	Fallback bool
}

// Chain tries each provider in turn and reports which one delivered.
type Chain struct {
	providers []Provider
	logger    *zap.Logger
}

func NewChain(logger *zap.Logger, providers ...Provider) *Chain {
	return &Chain{providers: providers, logger: logger}
}

func (c *Chain) Send(ctx context.Context, msg Message) (Delivery, error) {
	if err := msg.validate(); err != nil {
		return Delivery{}, err
	}
	if len(c.providers) == 0 {
		return Delivery{}, fmt.Errorf("%w: no providers configured", ErrAllFailed)
	}

	var errs []error
	for i, p := range c.providers {
		err := p.Send(ctx, msg)
		if err == nil {
			if i > 0 {
				c.logger.Warn("OTP mail delivered by fallback provider",
					zap.String("provider", p.Name()),
					zap.Int("failed_before", i))
			}
			return Delivery{Provider: p.Name(), Fallback: i > 0}, nil
		}
		c.logger.Error("OTP mail provider failed",
			zap.String("provider", p.Name()),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return Delivery{}, fmt.Errorf("%w: %v", ErrAllFailed, errors.Join(errs...))
}

var otpTemplate = template.Must(template.New("otp").Parse(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; border: 1px solid #e2e8f0; border-radius: 8px; overflow: hidden;">
  <div style="background-color: #1B5E20; padding: 20px; text-align: center;">
    <h2 style="color: #ffffff; margin: 0; font-size: 24px;">Government of Telangana</h2>
    <p style="color: #DAA520; margin: 5px 0 0 0; font-weight: bold;">Forest Department</p>
  </div>
  <div style="padding: 30px; background-color: #ffffff;">
    <p style="font-size: 16px;">Hello <strong>{{.Name}}</strong>,</p>
    <p style="font-size: 16px;">Your secure access code for the <strong>AITE-2026 Digital Agreement Portal</strong> is:</p>
    <div style="background-color: #F4F6F5; padding: 15px; text-align: center; border-radius: 6px; margin: 20px 0;">
      <span style="font-size: 32px; font-weight: bold; letter-spacing: 5px; color: #1B5E20;">{{.OTP}}</span>
    </div>
    <p style="font-size: 14px; color: #4b5563;">This code will expire in <strong>{{.Minutes}} minutes</strong>.</p>
    <p style="margin: 0; color: #991B1B; font-size: 13px; font-weight: bold;">Warning: Do not share this code with anyone.</p>
  </div>
  <div style="background-color: #F4F6F5; padding: 20px; text-align: center; border-top: 1px solid #e2e8f0;">
    <p style="font-size: 12px; color: #64748b; margin: 0;">If you did not request this code, you may safely ignore this email.</p>
  </div>
</div>`))

// RenderHTML builds the branded body. Name and code are escaped.
func RenderHTML(msg Message) (string, error) {
	minutes := int(msg.ExpiresIn / time.Minute)
	if minutes <= 0 {
		minutes = 10
	}
	var buf bytes.Buffer
	err := otpTemplate.Execute(&buf, struct {
		Name    string
		OTP     string
		Minutes int
	}{msg.Name, msg.OTP, minutes})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderText is the plain-text alternative used by SES.
func RenderText(msg Message) string {
	minutes := int(msg.ExpiresIn / time.Minute)
	if minutes <= 0 {
		minutes = 10
	}
	return fmt.Sprintf("Hello %s,\n\nYour AITE-2026 access code is %s. It expires in %d minutes.\nDo not share this code with anyone.\n",
		msg.Name, msg.OTP, minutes)
}
