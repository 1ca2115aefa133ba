package formlease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/formlock/internal/platform/metrics"
	"github.com/ehr/formlock/internal/platform/websocket"
	"github.com/ehr/formlock/pkg/lease"
)

// Event types published on a form's topic.
const (
	EventLeaseAcquired = "lease.acquired"
	EventLeaseReleased = "lease.released"
	EventSnapshotSaved = "snapshot.saved"
)

// Topic returns the push-channel topic carrying events for formID.
func Topic(formID string) string {
	return "form:" + formID
}

type Service struct {
	repo    Repository
	mode    AcquireMode
	now     func() time.Time
	pub     websocket.EventPublisher
	metrics *metrics.Lease
	logger  zerolog.Logger
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:   repo,
		mode:   AcquireOverwrite,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zerolog.Nop(),
	}
}

// SetAcquireMode switches between overwrite and conditional acquisition.
func (s *Service) SetAcquireMode(m AcquireMode) {
	s.mode = m
}

// SetPublisher attaches an optional push channel for lease events.
func (s *Service) SetPublisher(p websocket.EventPublisher) {
	s.pub = p
}

// SetMetrics attaches optional Prometheus counters.
func (s *Service) SetMetrics(m *metrics.Lease) {
	s.metrics = m
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) TryAcquire(ctx context.Context, formID, sessionID string, opts AcquireOptions) (lease.AcquireResult, error) {
	if err := validateFormID(formID); err != nil {
		return lease.AcquireResult{}, err
	}
	if sessionID == "" {
		return lease.AcquireResult{}, ErrInvalidSession
	}
	opts.Conditional = s.mode == AcquireConditional

	res, err := s.repo.Acquire(ctx, formID, sessionID, s.now(), opts)
	if err != nil {
		return lease.AcquireResult{}, fmt.Errorf("acquire lease %s: %w", formID, err)
	}

	takeover := res.Granted && res.Previous.Locked() && res.Previous.OwnerID != sessionID
	s.metrics.ObserveAcquire(res.Granted, takeover)

	evt := s.logger.Debug()
	if takeover {
		evt = s.logger.Info()
	}
	evt.Str("form_id", formID).
		Str("session_id", sessionID).
		Str("previous_owner", res.Previous.OwnerID).
		Bool("granted", res.Granted).
		Bool("takeover", takeover).
		Msg("lease acquire")

	if res.Granted {
		s.publish(ctx, EventLeaseAcquired, formID, res.Lease)
	}
	return res, nil
}

func (s *Service) Release(ctx context.Context, formID, sessionID string) error {
	if err := validateFormID(formID); err != nil {
		return err
	}
	if sessionID == "" {
		return ErrInvalidSession
	}
	released, err := s.repo.Release(ctx, formID, sessionID)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", formID, err)
	}
	if released {
		s.metrics.ObserveRelease()
		s.logger.Debug().Str("form_id", formID).Str("session_id", sessionID).Msg("lease released")
		s.publish(ctx, EventLeaseReleased, formID, lease.Lease{FormID: formID})
	}
	return nil
}

func (s *Service) Peek(ctx context.Context, formID string) (lease.Lease, error) {
	if err := validateFormID(formID); err != nil {
		return lease.Lease{}, err
	}
	l, err := s.repo.GetLease(ctx, formID)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("peek lease %s: %w", formID, err)
	}
	return l, nil
}

// WriteSnapshot stores fields on behalf of sessionID. It returns an error
// wrapping lease.ErrRejected when another session holds the lease.
func (s *Service) WriteSnapshot(ctx context.Context, formID, sessionID string, fields lease.Fields) (*lease.Snapshot, error) {
	if err := validateFormID(formID); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	if fields == nil {
		fields = lease.Fields{}
	}
	snap, err := s.repo.SaveSnapshot(ctx, formID, sessionID, fields, s.now())
	if lease.IsRejected(err) {
		s.metrics.ObserveWrite(true)
		s.logger.Info().Str("form_id", formID).Str("session_id", sessionID).Msg("snapshot write rejected")
		return nil, fmt.Errorf("write snapshot %s: %w", formID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("write snapshot %s: %w", formID, err)
	}
	s.metrics.ObserveWrite(false)
	s.publish(ctx, EventSnapshotSaved, formID, lease.Lease{FormID: formID, OwnerID: sessionID, AcquiredAt: snap.SavedAt})
	return snap, nil
}

// ReadSnapshot returns the latest saved snapshot without touching the lease.
func (s *Service) ReadSnapshot(ctx context.Context, formID string) (*lease.Snapshot, error) {
	if err := validateFormID(formID); err != nil {
		return nil, err
	}
	snap, err := s.repo.GetSnapshot(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", formID, err)
	}
	s.metrics.ObserveRead()
	return snap, nil
}

func (s *Service) publish(ctx context.Context, typ, formID string, l lease.Lease) {
	if s.pub == nil {
		return
	}
	data, err := json.Marshal(l)
	if err != nil {
		return
	}
	err = s.pub.Publish(ctx, websocket.Event{
		Type:         typ,
		Topic:        Topic(formID),
		ResourceType: "Form",
		ResourceID:   formID,
		Timestamp:    s.now(),
		Data:         data,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("form_id", formID).Msg("publish lease event")
	}
}
