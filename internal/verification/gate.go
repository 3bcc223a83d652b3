// Package verification runs the one-time code challenge that closes a trip.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/metrics"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/pkg/utils"
)

// OTPService is the remote side of the challenge. VerifyOtp reports a wrong
// code as an InvalidInput error.
type OTPService interface {
	IssueOtp(ctx context.Context, phoneNumber string) (string, error)
	VerifyOtp(ctx context.Context, verificationID, code, tripID string) error
}

type Config struct {
	Expiry      time.Duration
	MaxAttempts int
	// Timeout bounds each call to the OTP service.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Expiry:      utils.OTPExpiration,
		MaxAttempts: 5,
		Timeout:     15 * time.Second,
	}
}

// Gate keeps at most one outstanding session per trip.
type Gate struct {
	svc    OTPService
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	byTrip map[string]*models.VerificationSession
	byID   map[string]*models.VerificationSession
}

func NewGate(svc OTPService, cfg Config, logger *slog.Logger) *Gate {
	def := DefaultConfig()
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Gate{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		byTrip: make(map[string]*models.VerificationSession),
		byID:   make(map[string]*models.VerificationSession),
	}
}

// Issue requests a new code for the trip's customer. A session already
// outstanding for the trip is superseded.
func (g *Gate) Issue(ctx context.Context, tripID, phoneNumber string) (models.VerificationSession, error) {
	if tripID == "" {
		return models.VerificationSession{}, apperr.New(apperr.InvalidInput, "trip has not started yet")
	}
	if phoneNumber == "" {
		return models.VerificationSession{}, apperr.New(apperr.InvalidInput, "customer phone number is missing")
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	id, err := g.svc.IssueOtp(cctx, phoneNumber)
	if err != nil {
		g.logger.Warn("failed to issue completion code", "trip_id", tripID, "error", err)
		return models.VerificationSession{}, apperr.Remote("could not send the completion code", err)
	}
	if id == "" {
		return models.VerificationSession{}, apperr.New(apperr.RemoteUnavailable, "code service returned no verification id")
	}

	issued := g.now()
	s := &models.VerificationSession{
		VerificationID: id,
		TripID:         tripID,
		PhoneNumber:    phoneNumber,
		IssuedAt:       issued,
		ExpiresAt:      issued.Add(g.cfg.Expiry),
	}

	g.mu.Lock()
	if prev, ok := g.byTrip[tripID]; ok {
		delete(g.byID, prev.VerificationID)
		g.logger.Info("superseding completion code", "trip_id", tripID, "previous_id", prev.VerificationID)
	}
	g.byTrip[tripID] = s
	g.byID[id] = s
	g.mu.Unlock()

	g.logger.Info("completion code issued", "trip_id", tripID, "verification_id", id)
	return *s, nil
}

// Confirm checks code against the session. A malformed code never reaches the
// network. A wrong code uses up one of the session's attempts; a network
// failure does not.
func (g *Gate) Confirm(ctx context.Context, verificationID, code string) (models.VerificationSession, error) {
	if !utils.IsValidOTPCode(code) {
		metrics.VerificationAttemptsTotal.WithLabelValues("malformed").Inc()
		return models.VerificationSession{}, apperr.New(apperr.InvalidInput,
			fmt.Sprintf("the code must be exactly %d digits", utils.OTPLength))
	}

	g.mu.Lock()
	s, err := g.usableLocked(verificationID)
	if err != nil {
		g.mu.Unlock()
		metrics.VerificationAttemptsTotal.WithLabelValues("unusable").Inc()
		return models.VerificationSession{}, err
	}
	tripID := s.TripID
	g.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	verr := g.svc.VerifyOtp(cctx, verificationID, code, tripID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if verr != nil {
		rerr := apperr.Remote("could not verify the code", verr)
		if rerr.Kind != apperr.InvalidInput {
			metrics.VerificationAttemptsTotal.WithLabelValues(string(rerr.Kind)).Inc()
			return *s, rerr
		}
		s.Attempts++
		metrics.VerificationAttemptsTotal.WithLabelValues("rejected").Inc()
		left := g.cfg.MaxAttempts - s.Attempts
		g.logger.Info("completion code rejected", "trip_id", tripID, "attempts", s.Attempts)
		if left <= 0 {
			return *s, apperr.Wrap(apperr.InvalidInput, "wrong code; no attempts left, request a new code", verr)
		}
		return *s, apperr.Wrap(apperr.InvalidInput, fmt.Sprintf("wrong code; %d attempts left", left), verr)
	}

	s.Consumed = true
	metrics.VerificationAttemptsTotal.WithLabelValues("confirmed").Inc()
	g.logger.Info("completion code confirmed", "trip_id", tripID, "verification_id", verificationID)
	return *s, nil
}

func (g *Gate) usableLocked(verificationID string) (*models.VerificationSession, error) {
	s, ok := g.byID[verificationID]
	switch {
	case !ok:
		return nil, apperr.New(apperr.InvalidInput, "this code request is no longer valid; request a new code")
	case s.Consumed:
		return nil, apperr.New(apperr.InvalidInput, "this code has already been used")
	case !s.IsValid(g.now()):
		return nil, apperr.New(apperr.InvalidInput, "the code has expired; request a new code")
	case s.Attempts >= g.cfg.MaxAttempts:
		return nil, apperr.New(apperr.InvalidInput, "too many wrong codes; request a new code")
	}
	return s, nil
}

// Session returns the outstanding session for a trip.
func (g *Gate) Session(tripID string) (models.VerificationSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.byTrip[tripID]
	if !ok {
		return models.VerificationSession{}, false
	}
	return *s, true
}

// Discard forgets the trip's session once the trip is closed.
func (g *Gate) Discard(tripID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.byTrip[tripID]; ok {
		delete(g.byID, s.VerificationID)
		delete(g.byTrip, tripID)
	}
}
