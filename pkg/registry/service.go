package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/claimlink/platform/pkg/common/logger"
	"github.com/claimlink/platform/pkg/consent"
	"github.com/claimlink/platform/pkg/observability/metrics"
	"github.com/google/uuid"
)

const (
	EventUserRegistered = "user.registered"
	EventClaimCompleted = "claim.completed"
)

// EventPublisher is satisfied by *kafka.Producer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type Options struct {
	AppName     string
	Provider    string
	CallbackURL string
	EventSource string
}

type ServiceOption func(*Service)

func WithVerifier(v Verifier) ServiceOption {
	return func(s *Service) { s.verifier = v }
}

func WithPublisher(p EventPublisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) { s.newID = newID }
}

type Service struct {
	repo      Repository
	consent   consent.Service
	policy    IdentityPolicy
	opts      Options
	verifier  Verifier
	publisher EventPublisher
	now       func() time.Time
	newID     func() string
}

func NewService(repo Repository, consentSvc consent.Service, policy IdentityPolicy, opts Options, options ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		consent:  consentSvc,
		policy:   policy,
		opts:     opts,
		verifier: SkipVerification{},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Service) Policy() IdentityPolicy {
	return s.policy
}

// Register creates a pending record and returns the claim template link the
// user must follow.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	res, err := s.register(ctx, in)
	metrics.ObserveRegistration(err == nil)
	return res, err
}

func (s *Service) register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	if err := s.policy.CheckIdentity(in.Identity); err != nil {
		return nil, err
	}
	if err := s.policy.CheckAddress(in.UserAddress); err != nil {
		return nil, err
	}

	callbackID := s.newID()

	conn, err := s.consent.GetConsent(ctx, s.opts.AppName,
		[]consent.ProviderRequest{{Provider: s.opts.Provider}},
		consent.WithCallbackURL(s.callbackURL(in.Identity)),
	)
	if err != nil {
		return nil, fmt.Errorf("requesting consent: %w", err)
	}
	tmpl, err := conn.GenerateTemplate(ctx, callbackID)
	if err != nil {
		return nil, fmt.Errorf("generating template: %w", err)
	}

	rec := &UserRecord{
		Identity:     in.Identity,
		UserAddress:  in.UserAddress,
		TemplateLink: tmpl.URL,
		CallbackID:   callbackID,
		ClaimStatus:  StatusPending,
		CreatedAt:    s.now(),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("user %s already exists: %w", in.Identity, ErrConflict)
		}
		return nil, storageErr("register", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"identity":    rec.Identity,
		"callback_id": rec.CallbackID,
	}).Info("user registered")

	s.publish(ctx, EventUserRegistered, map[string]interface{}{
		"key":         rec.Identity,
		"identity":    rec.Identity,
		"userAddress": rec.UserAddress,
		"callbackId":  rec.CallbackID,
		"status":      string(rec.ClaimStatus),
	})

	return &RegisterResult{TemplateLink: rec.TemplateLink, CallbackID: rec.CallbackID}, nil
}

func (s *Service) GetUser(ctx context.Context, identity string) (*UserRecord, error) {
	if err := s.policy.CheckIdentity(identity); err != nil {
		return nil, err
	}
	rec, err := s.repo.Get(ctx, identity)
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return rec, nil
}

// HandleClaimCallback credits the decoded claim to identity. A subject may be
// credited once; the pending → claimed transition is a compare-and-swap on
// the store, so of two concurrent callbacks exactly one commits.
func (s *Service) HandleClaimCallback(ctx context.Context, identity string, payload []byte) (*UserRecord, error) {
	rec, err := s.handleClaimCallback(ctx, identity, payload)
	switch {
	case err == nil:
		metrics.ObserveClaimRecorded()
	case errors.Is(err, ErrConflict):
		metrics.ObserveClaimDuplicate()
	case IsValidationError(err):
		metrics.ObserveClaimRejected()
	}
	return rec, err
}

func (s *Service) handleClaimCallback(ctx context.Context, identity string, payload []byte) (*UserRecord, error) {
	if err := s.policy.CheckIdentity(identity); err != nil {
		return nil, err
	}

	claims, err := DecodeClaims(payload)
	if err != nil {
		return nil, ValidationError{reason: err}
	}
	subject, err := SubjectID(claims)
	if err != nil {
		return nil, ValidationError{reason: err}
	}

	rec, err := s.repo.Get(ctx, identity)
	if err != nil {
		return nil, storageErr("claim callback", err)
	}

	if err := s.verifier.Verify(ctx, rec, claims); err != nil {
		logger.Log.WithError(err).WithField("identity", identity).Warn("claim verification failed")
		return nil, ValidationError{reason: err}
	}

	if owner, err := s.repo.FindClaimedBySubject(ctx, subject); err == nil {
		logger.Log.WithFields(map[string]interface{}{
			"identity": identity,
			"owner":    owner.Identity,
		}).Warn("duplicate claim rejected")
		return nil, ErrAlreadyClaimed
	} else if !errors.Is(err, ErrNotFound) {
		return nil, storageErr("claim callback", err)
	}

	claimString, err := EncodeClaims(claims)
	if err != nil {
		return nil, ValidationError{reason: err}
	}

	update := ClaimUpdate{
		Status:       StatusClaimed,
		ClaimString:  claimString,
		ClaimSubject: subject,
		UpdatedAt:    s.now(),
	}
	if err := s.repo.CompareAndSwapClaim(ctx, identity, StatusPending, update); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("claim for %s not applied: %w", identity, ErrConflict)
		}
		return nil, storageErr("claim callback", err)
	}
	rec.apply(update)

	logger.Log.WithFields(map[string]interface{}{
		"identity":    identity,
		"callback_id": rec.CallbackID,
		"provider":    claims[0].Provider,
	}).Info("claim recorded")

	s.publish(ctx, EventClaimCompleted, map[string]interface{}{
		"key":        rec.Identity,
		"identity":   rec.Identity,
		"callbackId": rec.CallbackID,
		"provider":   claims[0].Provider,
		"status":     string(rec.ClaimStatus),
	})

	return rec, nil
}

func (s *Service) GetStatus(ctx context.Context, callbackID string) (*UserRecord, error) {
	if strings.TrimSpace(callbackID) == "" {
		return nil, validationErrorf("%q must be a string", "callbackId")
	}
	rec, err := s.repo.GetByCallbackID(ctx, callbackID)
	if err != nil {
		return nil, storageErr("get status", err)
	}
	return rec, nil
}

func (s *Service) callbackURL(identity string) string {
	base := strings.TrimRight(s.opts.CallbackURL, "/")
	if base == "" {
		return ""
	}
	return base + "/" + url.PathEscape(identity)
}

// publish is best effort: the write has already committed and nothing is retried.
func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEvent(ctx, eventType, s.opts.EventSource, data); err != nil {
		metrics.ObserveEventDropped()
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("event not published")
	}
}
