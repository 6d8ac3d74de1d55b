package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/db/dbtest"
	"github.com/tgshop/onchain-engine/events"
	"github.com/tgshop/onchain-engine/metrics"
	"github.com/tgshop/onchain-engine/oaeerr"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func newTestService(t *testing.T) (*Service, *recordingPublisher, *clock) {
	cfg := config.SecurityConfig{
		MaxAttempts:   5,
		LockoutWindow: 15 * time.Minute,
		MinPinLength:  4,
		MaxPinLength:  12,
		Argon2Time:    1,
		Argon2Memory:  1024,
		Argon2Threads: 1,
	}
	pub := &recordingPublisher{}
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := New(dbtest.New(t), cfg, pub, metrics.Nop(), zap.NewNop().Sugar())
	s.now = c.Now
	return s, pub, c
}

func TestSetPinAndVerify(t *testing.T) {
	s, pub, _ := newTestService(t)
	ctx := context.Background()

	require.True(t, oaeerr.Is(s.SetPin(ctx, "u1", "12a4"), oaeerr.InvalidInput))
	require.True(t, oaeerr.Is(s.SetPin(ctx, "u1", "12"), oaeerr.InvalidInput))
	require.NoError(t, s.SetPin(ctx, "u1", "1234"))
	require.True(t, oaeerr.Is(s.SetPin(ctx, "u1", "9999"), oaeerr.Conflict))

	require.NoError(t, s.Verify(ctx, "u1", "1234"))
	require.True(t, oaeerr.Is(s.Verify(ctx, "u1", "0000"), oaeerr.BadPin))
	require.True(t, oaeerr.Is(s.Verify(ctx, "nobody", "1234"), oaeerr.BadPin))

	row, err := s.repo.GetPin("u1")
	require.NoError(t, err)
	require.NotContains(t, row.PinHash, "1234")
	require.Equal(t, 1, row.FailedAttempts)
	require.NotNil(t, row.LastUsedAt)

	require.NotEmpty(t, pub.events)
	require.Equal(t, events.Security, pub.events[0].Kind)
	require.Equal(t, ActionPinSet, pub.events[0].SecurityEvent.Action)
}

func TestLockoutScenario(t *testing.T) {
	s, _, c := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.SetPin(ctx, "U", "4321"))

	for i := 0; i < 5; i++ {
		err := s.Verify(ctx, "U", "0000")
		require.True(t, oaeerr.Is(err, oaeerr.BadPin), "attempt %d", i+1)
	}

	row, err := s.repo.GetPin("U")
	require.NoError(t, err)
	require.Equal(t, 5, row.FailedAttempts)
	require.NotNil(t, row.LockedUntil)
	require.True(t, row.LockedUntil.After(c.now))

	// even the right pin is refused while locked
	require.True(t, oaeerr.Is(s.Verify(ctx, "U", "0000"), oaeerr.Locked))
	require.True(t, oaeerr.Is(s.Verify(ctx, "U", "4321"), oaeerr.Locked))

	verifies, err := s.ListEvents(db.SecurityEventFilter{UserId: "U", Action: ActionPinVerify})
	require.NoError(t, err)
	require.Len(t, verifies, 7)
	for _, e := range verifies {
		require.False(t, e.Success)
	}
	locks, err := s.ListEvents(db.SecurityEventFilter{UserId: "U", Action: ActionPinLock})
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, "locked", locks[0].Details)

	c.now = c.now.Add(16 * time.Minute)
	require.NoError(t, s.Verify(ctx, "U", "4321"))

	row, err = s.repo.GetPin("U")
	require.NoError(t, err)
	require.Zero(t, row.FailedAttempts)
	require.Nil(t, row.LockedUntil)
}

func TestChangePin(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.SetPin(ctx, "u2", "1111"))

	require.True(t, oaeerr.Is(s.ChangePin(ctx, "u2", "2222", "3333"), oaeerr.BadPin))
	require.NoError(t, s.ChangePin(ctx, "u2", "1111", "3333"))
	require.True(t, oaeerr.Is(s.Verify(ctx, "u2", "1111"), oaeerr.BadPin))
	require.NoError(t, s.Verify(ctx, "u2", "3333"))

	changes, err := s.ListEvents(db.SecurityEventFilter{Action: ActionPinChange})
	require.NoError(t, err)
	require.Len(t, changes, 1)
}

func TestHashKeepsCostParameters(t *testing.T) {
	s, _, _ := newTestService(t)
	salt := []byte("0123456789abcdef")
	encoded := s.hash("123456", salt)

	// raising the cost later must not break existing pins
	s.cfg.Argon2Time = 2
	ok, err := matches(encoded, "123456", salt)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = matches(encoded, "654321", salt)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = matches("bcrypt$whatever", "123456", salt)
	require.Error(t, err)
}

func TestAudit(t *testing.T) {
	s, pub, _ := newTestService(t)
	require.NoError(t, s.Audit(context.Background(), "admin", ActionRuleAdd, true, "rule 1"))

	got, err := s.ListEvents(db.SecurityEventFilter{UserId: "admin"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ActionRuleAdd, got[0].Action)
	require.Len(t, pub.events, 1)
	require.Equal(t, []string{"admin"}, pub.events[0].Recipients)
}
