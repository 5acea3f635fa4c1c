package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMessage() Message {
	return Message{To: "demo@example.com", Name: "Demo <Volunteer>", OTP: "123456", ExpiresIn: 10 * time.Minute}
}

func TestResendProvider_Send(t *testing.T) {
	var got resendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer server.Close()

	p := NewResendProvider(server.URL, "re_test", "AITE <noreply@example.com>", "Access Code", time.Second, zap.NewNop())
	require.NoError(t, p.Send(context.Background(), testMessage()))

	assert.Equal(t, []string{"demo@example.com"}, got.To)
	assert.Equal(t, "Access Code", got.Subject)
	assert.Contains(t, got.HTML, "123456")
	assert.Contains(t, got.HTML, "Demo &lt;Volunteer&gt;")
	assert.Contains(t, got.HTML, "10 minutes")
}

func TestResendProvider_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"name":"validation_error","message":"domain not verified"}`))
	}))
	defer server.Close()

	p := NewResendProvider(server.URL, "re_test", "x@example.com", "", time.Second, zap.NewNop())
	err := p.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "domain not verified")
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESProvider_Send(t *testing.T) {
	fake := &fakeSES{}
	p := NewSESProvider(fake, "noreply@example.com", "Code", zap.NewNop())

	require.NoError(t, p.Send(context.Background(), testMessage()))
	assert.Equal(t, "noreply@example.com", aws.ToString(fake.in.FromEmailAddress))
	assert.Equal(t, []string{"demo@example.com"}, fake.in.Destination.ToAddresses)
	assert.Contains(t, aws.ToString(fake.in.Content.Simple.Body.Text.Data), "123456")
}

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Send(context.Context, Message) error {
	s.calls++
	return s.err
}

func TestChain_FallsBack(t *testing.T) {
	primary := &stubProvider{name: "resend", err: errors.New("timeout")}
	secondary := &stubProvider{name: "ses"}
	chain := NewChain(zap.NewNop(), primary, secondary)

	delivery, err := chain.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, Delivery{Provider: "ses", Fallback: true}, delivery)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestChain_AllFail(t *testing.T) {
	chain := NewChain(zap.NewNop(),
		&stubProvider{name: "resend", err: errors.New("down")},
		&stubProvider{name: "ses", err: errors.New("throttled")})

	_, err := chain.Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, ErrAllFailed)
}

func TestChain_RejectsEmptyMessage(t *testing.T) {
	primary := &stubProvider{name: "resend"}
	chain := NewChain(zap.NewNop(), primary)

	_, err := chain.Send(context.Background(), Message{To: "a@b.c"})
	assert.ErrorIs(t, err, ErrMissingFields)
	assert.Zero(t, primary.calls)
}
