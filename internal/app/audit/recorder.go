package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	evbus "github.com/vardius/message-bus"

	"github.com/h44z/identity-store/internal/app"
	"github.com/h44z/identity-store/internal/config"
	"github.com/h44z/identity-store/internal/domain"
)

const summaryInterval = 1 * time.Hour

// Recorder persists account lifecycle and authentication events published on the message bus.
type Recorder struct {
	cfg *config.Config
	bus evbus.MessageBus

	db DatabaseRepo

	now      func() time.Time
	recorded atomic.Int64
}

func NewAuditRecorder(cfg *config.Config, bus evbus.MessageBus, db DatabaseRepo) (*Recorder, error) {
	r := &Recorder{
		cfg: cfg,
		bus: bus,

		db:  db,
		now: time.Now,
	}

	err := r.connectToMessageBus()
	if err != nil {
		return nil, fmt.Errorf("failed to setup message bus: %w", err)
	}

	return r, nil
}

func (r *Recorder) StartBackgroundJobs(ctx context.Context) {
	if !r.cfg.Audit.CollectAuditData {
		return // noting to do
	}

	go func() {
		ticker := time.NewTicker(summaryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			slog.Debug("audit summary", "entries", r.recorded.Swap(0), "interval", summaryInterval)
		}
	}()
}

func (r *Recorder) connectToMessageBus() error {
	if !r.cfg.Audit.CollectAuditData {
		return nil // noting to do
	}

	subscriptions := []struct {
		topic   string
		handler any
	}{
		{app.TopicAccountCreated, r.handleAccountCreatedEvent},
		{app.TopicAccountDeleted, r.handleAccountDeletedEvent},
		{app.TopicAccountLockedOut, r.handleAccountLockedOutEvent},
		{app.TopicAccountPasswordChanged, r.handlePasswordChangedEvent},
		{app.TopicAuthLogin, r.handleAuthLoginEvent},
		{app.TopicAuthLoginFailed, r.handleAuthLoginFailedEvent},
	}

	for _, sub := range subscriptions {
		if err := r.bus.Subscribe(sub.topic, sub.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", sub.topic, err)
		}
	}

	return nil
}

func (r *Recorder) handleAccountCreatedEvent(ev app.AccountEvent) {
	r.record(domain.AuditSeverityLevelLow, "accountCreatedEvent", ev.AccountId,
		fmt.Sprintf("account %s created", ev.UserName))
}

func (r *Recorder) handleAccountDeletedEvent(ev app.AccountEvent) {
	r.record(domain.AuditSeverityLevelMedium, "accountDeletedEvent", ev.AccountId,
		fmt.Sprintf("account %s deleted", ev.UserName))
}

func (r *Recorder) handleAccountLockedOutEvent(ev app.AccountEvent) {
	r.record(domain.AuditSeverityLevelHigh, "accountLockedOutEvent", ev.AccountId,
		fmt.Sprintf("account %s locked out after repeated failed logins", ev.UserName))
}

func (r *Recorder) handlePasswordChangedEvent(ev app.AccountEvent) {
	r.record(domain.AuditSeverityLevelMedium, "passwordChangedEvent", ev.AccountId,
		fmt.Sprintf("password of account %s changed", ev.UserName))
}

func (r *Recorder) handleAuthLoginEvent(ev app.AuthEvent) {
	r.record(domain.AuditSeverityLevelLow, "authLoginEvent", ev.AccountId,
		fmt.Sprintf("account %s logged in", ev.UserName))
}

func (r *Recorder) handleAuthLoginFailedEvent(ev app.AuthEvent) {
	r.record(domain.AuditSeverityLevelMedium, "authLoginFailedEvent", ev.AccountId,
		fmt.Sprintf("login of %s failed: %s", ev.UserName, ev.Error))
}

func (r *Recorder) record(severity domain.AuditSeverityLevel, origin string, subject domain.AccountIdentifier,
	message string) {
	err := r.db.SaveAuditEntry(context.Background(), &domain.AuditEntry{
		CreatedAt: r.now(),
		Severity:  severity,
		Origin:    origin,
		Subject:   subject,
		Message:   message,
	})
	if err != nil {
		slog.Error("failed to create audit entry", "origin", origin, "subject", subject, "error", err)
		return
	}

	r.recorded.Add(1)
}
