// Package audit fans the security trail out to the ClickHouse archive and the
// Kafka event stream. Sink failures are logged and never reach the caller.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"volunteer-auth-service/internal/models"
	"volunteer-auth-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const writeTimeout = 5 * time.Second

// Archive is the durable store for audit rows.
type Archive interface {
	InsertDispatch(ctx context.Context, e models.DispatchLogEntry) error
	InsertMismatch(ctx context.Context, e models.MismatchLogEntry) error
	InsertEmailChange(ctx context.Context, e models.EmailChangeAuditEntry) error
	InsertAdminAction(ctx context.Context, e models.AdminActionEntry) error
}

// Publisher streams events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
}

// Recorder implements the service AuditSink. Either sink may be nil, in
// which case entries are only logged.
type Recorder struct {
	archive   Archive
	publisher Publisher
	encode    func(v interface{}) ([]byte, error)
	logger    *zap.Logger
}

func NewRecorder(archive Archive, publisher Publisher, logger *zap.Logger) *Recorder {
	return &Recorder{archive: archive, publisher: publisher, encode: json.Marshal, logger: logger.Named("audit")}
}

func (r *Recorder) RecordDispatch(ctx context.Context, e models.DispatchLogEntry) {
	details := map[string]string{"outcome": string(e.Outcome), "provider": e.Provider}
	if e.Error != "" {
		details["error"] = e.Error
	}
	r.fanOut(ctx, "otp_dispatch", models.SecurityEvent{
		EventID:   e.EventID,
		EventType: "otp_dispatch",
		Email:     util.MaskEmail(e.Email),
		Details:   details,
		EventTime: e.CreatedAt,
	}, func(ctx context.Context) error {
		return r.archive.InsertDispatch(ctx, e)
	})
}

func (r *Recorder) RecordMismatch(ctx context.Context, e models.MismatchLogEntry) {
	risk := models.FraudLow
	if e.CountsToward {
		risk = models.FraudMedium
	}
	r.fanOut(ctx, "identity_mismatch", models.SecurityEvent{
		EventID:     e.EventID,
		EventType:   "identity_mismatch",
		VolunteerID: e.VolunteerID,
		Email:       e.SubmittedEmail,
		RiskScore:   risk,
		Details: map[string]string{
			"fields":        strings.Join(e.Fields, ","),
			"counts_toward": strconv.FormatBool(e.CountsToward),
		},
		EventTime: e.CreatedAt,
	}, func(ctx context.Context) error {
		return r.archive.InsertMismatch(ctx, e)
	})
}

func (r *Recorder) RecordEmailChange(ctx context.Context, e models.EmailChangeAuditEntry) {
	details := map[string]string{"decision": string(e.Decision), "actor": e.Actor}
	if e.Flagged {
		details["reason_flagged"] = "true"
	}
	r.fanOut(ctx, "email_change", models.SecurityEvent{
		EventID:     e.EventID,
		EventType:   "email_change",
		VolunteerID: e.VolunteerID,
		Email:       util.MaskEmail(e.NewEmail),
		Details:     details,
		EventTime:   e.CreatedAt,
	}, func(ctx context.Context) error {
		return r.archive.InsertEmailChange(ctx, e)
	})
}

func (r *Recorder) RecordAdminAction(ctx context.Context, e models.AdminActionEntry) {
	r.fanOut(ctx, "admin_action", models.SecurityEvent{
		EventID:     e.EventID,
		EventType:   "admin_" + string(e.Action),
		VolunteerID: e.VolunteerID,
		Details:     map[string]string{"actor": e.Actor, "detail": e.Detail},
		EventTime:   e.CreatedAt,
	}, func(ctx context.Context) error {
		return r.archive.InsertAdminAction(ctx, e)
	})
}

// fanOut writes to both sinks concurrently. The request context may already
// be done by the time the write lands, so the sinks get their own deadline.
func (r *Recorder) fanOut(ctx context.Context, kind string, event models.SecurityEvent, archive func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	// A plain group: one sink failing must not cancel the other.
	var g errgroup.Group
	if r.archive != nil {
		g.Go(func() error {
			if err := archive(ctx); err != nil {
				r.logger.Error("Failed to archive audit entry", zap.String("kind", kind), zap.String("event_id", event.EventID), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if r.publisher != nil {
		g.Go(func() error {
			payload, err := r.encode(event)
			if err != nil {
				r.logger.Error("Failed to encode security event", zap.String("kind", kind), zap.String("event_id", event.EventID), zap.Error(err))
				return fmt.Errorf("failed to encode security event: %w", err)
			}
			key := event.VolunteerID
			if key == "" {
				key = event.Email
			}
			if err := r.publisher.Publish(ctx, key, payload, map[string]string{"event_type": event.EventType}); err != nil {
				r.logger.Error("Failed to publish security event", zap.String("kind", kind), zap.String("event_id", event.EventID), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return
	}
	r.logger.Debug("Audit entry recorded", zap.String("kind", kind), zap.String("event_id", event.EventID))
}
