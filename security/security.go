// Package security owns transaction PINs, their lockout, and the append-only
// security log.
package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/events"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/oaeerr"
)

const (
	ActionPinSet          = "pin.set"
	ActionPinChange       = "pin.change"
	ActionPinVerify       = "pin.verify"
	ActionPinLock         = "pin.lock"
	ActionPayoutAuthorize = "payout.authorize"
	ActionPayoutAuto      = "payout.autoauthorize"
	ActionPayoutCancel    = "payout.cancel"
	ActionPayoutRetry     = "payout.retry"
	ActionPayoutClone     = "payout.clone"
	ActionNotifyDead      = "notify.deadletter"
	ActionAddressAdd      = "address.add"
	ActionAddressRemove   = "address.deactivate"
	ActionRuleAdd         = "rule.add"
	ActionRuleEnable      = "rule.setEnabled"
)

const (
	saltLength = 16
	keyLength  = 32
)

// Publisher receives committed security events.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Service struct {
	repo      *db.SecurityRepository
	cfg       config.SecurityConfig
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func New(database *gorm.DB, cfg config.SecurityConfig, publisher Publisher, m *metrics.Metrics, logger *zap.SugaredLogger) *Service {
	return &Service{
		repo:      db.NewSecurityRepository(database),
		cfg:       cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("security"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) validatePin(pin string) error {
	if len(pin) < s.cfg.MinPinLength || len(pin) > s.cfg.MaxPinLength {
		return oaeerr.New(oaeerr.InvalidInput, "security.pin", "pin must be %d to %d digits", s.cfg.MinPinLength, s.cfg.MaxPinLength)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return oaeerr.New(oaeerr.InvalidInput, "security.pin", "pin must be digits only")
		}
	}
	return nil
}

// hash encodes the cost parameters with the key so a later cost change keeps
// old pins verifiable.
func (s *Service) hash(pin string, salt []byte) string {
	key := argon2.IDKey([]byte(pin), salt, s.cfg.Argon2Time, s.cfg.Argon2Memory, s.cfg.Argon2Threads, keyLength)
	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s", argon2.Version,
		s.cfg.Argon2Memory, s.cfg.Argon2Time, s.cfg.Argon2Threads, base64.RawStdEncoding.EncodeToString(key))
}

func matches(encoded, pin string, salt []byte) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "argon2id" {
		return false, fmt.Errorf("unknown pin hash format")
	}
	var (
		version        int
		memory, passes uint32
		threads        uint8
	)
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return false, err
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &memory, &passes, &threads); err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(pin), salt, passes, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// SetPin stores the first PIN of a user. Replacing an existing PIN goes through ChangePin.
func (s *Service) SetPin(ctx context.Context, userId, pin string) error {
	if userId == "" {
		return oaeerr.New(oaeerr.InvalidInput, "security.setPin", "user id is required")
	}
	if err := s.validatePin(pin); err != nil {
		return err
	}
	salt, err := newSalt()
	if err != nil {
		return oaeerr.Wrap(oaeerr.Internal, "security.setPin", err)
	}

	var appended []db.SecurityEvent
	err = s.repo.WithContext(ctx).Transaction(func(repo *db.SecurityRepository) error {
		existing, err := repo.GetPin(userId)
		if err != nil {
			return err
		}
		if existing != nil {
			return oaeerr.New(oaeerr.Conflict, "security.setPin", "pin already set for %s", userId)
		}
		row := &db.TransactionPin{
			UserId:  userId,
			PinHash: s.hash(pin, salt),
			Salt:    base64.RawStdEncoding.EncodeToString(salt),
		}
		if err := repo.SavePin(row); err != nil {
			return err
		}
		event, err := s.append(repo, userId, ActionPinSet, true, "")
		appended = append(appended, event)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(ctx, appended)
	return nil
}

// ChangePin replaces the PIN after verifying the old one; a wrong old PIN
// counts towards the lockout.
func (s *Service) ChangePin(ctx context.Context, userId, oldPin, newPin string) error {
	if err := s.validatePin(newPin); err != nil {
		return err
	}
	if err := s.Verify(ctx, userId, oldPin); err != nil {
		return err
	}
	salt, err := newSalt()
	if err != nil {
		return oaeerr.Wrap(oaeerr.Internal, "security.changePin", err)
	}

	var appended []db.SecurityEvent
	err = s.repo.WithContext(ctx).Transaction(func(repo *db.SecurityRepository) error {
		row, err := repo.GetPin(userId)
		if err != nil {
			return err
		}
		if row == nil {
			return oaeerr.New(oaeerr.NotFound, "security.changePin", "no pin set for %s", userId)
		}
		row.PinHash = s.hash(newPin, salt)
		row.Salt = base64.RawStdEncoding.EncodeToString(salt)
		if err := repo.SavePin(row); err != nil {
			return err
		}
		event, err := s.append(repo, userId, ActionPinChange, true, "")
		appended = append(appended, event)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(ctx, appended)
	return nil
}

// Verify checks candidate against the stored PIN. Every outcome is logged;
// failures return BadPin or Locked.
func (s *Service) Verify(ctx context.Context, userId, candidate string) error {
	var (
		appended []db.SecurityEvent
		result   error
	)
	err := s.repo.WithContext(ctx).Transaction(func(repo *db.SecurityRepository) error {
		appended = appended[:0]
		result = nil
		record := func(action string, success bool, details string) error {
			event, err := s.append(repo, userId, action, success, details)
			if err == nil {
				appended = append(appended, event)
			}
			return err
		}

		row, err := repo.GetPin(userId)
		if err != nil {
			return err
		}
		if row == nil {
			result = oaeerr.New(oaeerr.BadPin, "security.verify", "no pin set")
			return record(ActionPinVerify, false, "no pin")
		}

		now := s.now()
		if row.LockedUntil != nil {
			if row.LockedUntil.After(now) {
				result = oaeerr.New(oaeerr.Locked, "security.verify", "locked until %s", row.LockedUntil.Format(time.RFC3339))
				return record(ActionPinVerify, false, "locked")
			}
			// lockout window passed
			row.LockedUntil = nil
			row.FailedAttempts = 0
		}

		salt, err := base64.RawStdEncoding.DecodeString(row.Salt)
		if err != nil {
			return oaeerr.Wrap(oaeerr.Internal, "security.verify", err)
		}
		ok, err := matches(row.PinHash, candidate, salt)
		if err != nil {
			return oaeerr.Wrap(oaeerr.Internal, "security.verify", err)
		}

		if ok {
			row.FailedAttempts = 0
			row.LastUsedAt = &now
			if err := repo.SavePin(row); err != nil {
				return err
			}
			return record(ActionPinVerify, true, "")
		}

		row.FailedAttempts++
		result = oaeerr.New(oaeerr.BadPin, "security.verify", "wrong pin")
		locked := row.FailedAttempts >= s.cfg.MaxAttempts
		if locked {
			until := now.Add(s.cfg.LockoutWindow)
			row.LockedUntil = &until
		}
		if err := repo.SavePin(row); err != nil {
			return err
		}
		if err := record(ActionPinVerify, false, fmt.Sprintf("attempt %d of %d", row.FailedAttempts, s.cfg.MaxAttempts)); err != nil {
			return err
		}
		if locked {
			return record(ActionPinLock, false, "locked")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, appended)
	if result != nil {
		s.metrics.PinFailures.Inc()
		s.logger.Warnf("PIN verification failed, user: %s, error: %v", userId, result)
	}
	return result
}

// Audit appends a security event outside of any PIN check.
func (s *Service) Audit(ctx context.Context, userId, action string, success bool, details string) error {
	var event db.SecurityEvent
	err := s.repo.WithContext(ctx).Transaction(func(repo *db.SecurityRepository) error {
		var err error
		event, err = s.append(repo, userId, action, success, details)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(ctx, []db.SecurityEvent{event})
	return nil
}

func (s *Service) ListEvents(filter db.SecurityEventFilter) ([]db.SecurityEvent, error) {
	return s.repo.ListEvents(filter)
}

func (s *Service) append(repo *db.SecurityRepository, userId, action string, success bool, details string) (db.SecurityEvent, error) {
	if len(details) > 512 {
		details = details[:512]
	}
	event := db.SecurityEvent{
		At:      s.now(),
		UserId:  userId,
		Action:  action,
		Success: success,
		Details: details,
	}
	if err := repo.AppendEvent(&event); err != nil {
		return db.SecurityEvent{}, err
	}
	return event, nil
}

func (s *Service) publish(ctx context.Context, appended []db.SecurityEvent) {
	if s.publisher == nil {
		return
	}
	for i := range appended {
		event := appended[i]
		err := s.publisher.Publish(ctx, events.Event{
			Kind:          events.Security,
			At:            event.At,
			SecurityEvent: &event,
			Recipients:    []string{event.UserId},
		})
		if err != nil {
			s.logger.Errorf("Failed to publish security event, action: %s, error: %v", event.Action, err)
		}
	}
}
