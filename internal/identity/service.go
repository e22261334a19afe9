package identity

import (
	"context"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// RepositoryPort describes the user lookup the gate depends on.
type RepositoryPort interface {
	FindByID(ctx context.Context, id string) (User, error)
}

// Service answers password re-authentication challenges.
type Service struct {
	repo    RepositoryPort
	limiter *AttemptLimiter
	logger  *slog.Logger
}

// NewService constructs a Service. The limiter may be nil, in which case no
// lockout is applied.
func NewService(repo RepositoryPort, limiter *AttemptLimiter, logger *slog.Logger) *Service {
	return &Service{repo: repo, limiter: limiter, logger: logger}
}

// Reauthenticate verifies the password of the given user. Failures count
// toward the lockout window; a success clears it.
func (s *Service) Reauthenticate(ctx context.Context, userID, password string) error {
	if s.limiter != nil {
		locked, err := s.limiter.Locked(ctx, userID)
		if err != nil {
			s.logger.Warn("reauth limiter unavailable", slog.Any("error", err))
		} else if locked {
			return ErrReauthLocked
		}
	}

	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return s.fail(ctx, userID)
	}
	if !user.IsActive {
		return s.fail(ctx, userID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return s.fail(ctx, userID)
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, userID); err != nil {
			s.logger.Warn("reauth limiter reset", slog.Any("error", err))
		}
	}
	return nil
}

func (s *Service) fail(ctx context.Context, userID string) error {
	if s.limiter != nil {
		if err := s.limiter.RecordFailure(ctx, userID); err != nil {
			s.logger.Warn("reauth limiter record", slog.Any("error", err))
		}
	}
	return ErrReauthFailed
}
