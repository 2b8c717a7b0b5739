package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/signal-service/internal/domain"
	"github.com/cwrk-planet/signal-service/internal/security"
)

const testPassword = "secret123"

func testHash(t *testing.T) string {
	t.Helper()
	hash, err := security.HashPassword(testPassword, &security.BcryptConfig{Cost: 4})
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return hash
}

func TestCheckAndRecord_LockoutAfterThreshold(t *testing.T) {
	now := time.Now()
	l := NewLimiter(5, 30*time.Second, 15*time.Minute, WithClock(func() time.Time { return now }))
	hash := testHash(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := l.CheckAndRecord(ctx, "room-1", "1.2.3.4", "wrong", hash)
		if !errors.Is(err, domain.ErrInvalidPassword) {
			t.Fatalf("attempt %d: want ErrInvalidPassword, got %v", i+1, err)
		}
	}

	// sixth attempt hits the lockout without a compare
	err := l.CheckAndRecord(ctx, "room-1", "1.2.3.4", testPassword, hash)
	if !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("want ErrLocked on sixth attempt, got %v", err)
	}

	var locked *domain.LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("want *LockedError, got %T", err)
	}
	if locked.RetryAfter <= 0 {
		t.Fatalf("retry-after must be positive, got %v", locked.RetryAfter)
	}
}

func TestCheckAndRecord_ConcurrentWrongGuessesAllCounted(t *testing.T) {
	l := NewLimiter(5, 30*time.Second, 15*time.Minute)
	hash := testHash(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.CheckAndRecord(ctx, "room-1", "1.2.3.4", "wrong", hash)
		}()
	}
	wg.Wait()

	err := l.CheckAndRecord(ctx, "room-1", "1.2.3.4", testPassword, hash)
	if !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("five concurrent wrong guesses must lock the key, got %v", err)
	}
}

func TestCheckAndRecord_BanExtendsNeverShortens(t *testing.T) {
	now := time.Now()
	l := NewLimiter(2, 30*time.Second, 15*time.Minute, WithClock(func() time.Time { return now }))
	hash := testHash(t)
	ctx := context.Background()

	_ = l.CheckAndRecord(ctx, "room-1", "origin", "wrong", hash)
	_ = l.CheckAndRecord(ctx, "room-1", "origin", "wrong", hash) // banned now

	first := l.Remaining("room-1", "origin")
	if first <= 0 {
		t.Fatal("expected an active ban")
	}

	// attempting during the ban extends it
	_ = l.CheckAndRecord(ctx, "room-1", "origin", "wrong", hash)
	second := l.Remaining("room-1", "origin")
	if second < first {
		t.Fatalf("ban shortened: %v -> %v", first, second)
	}
}

func TestCheckAndRecord_BanExpiryResetsCounter(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	l := NewLimiter(2, 30*time.Second, 15*time.Minute, WithClock(clock))
	hash := testHash(t)
	ctx := context.Background()

	_ = l.CheckAndRecord(ctx, "room-1", "origin", "wrong", hash)
	_ = l.CheckAndRecord(ctx, "room-1", "origin", "wrong", hash)
	if l.Remaining("room-1", "origin") <= 0 {
		t.Fatal("expected an active ban")
	}

	// past the ban window the counter starts over
	now = now.Add(time.Hour)
	if err := l.CheckAndRecord(ctx, "room-1", "origin", "wrong", hash); !errors.Is(err, domain.ErrInvalidPassword) {
		t.Fatalf("want ErrInvalidPassword after ban expiry, got %v", err)
	}
	if l.Remaining("room-1", "origin") != 0 {
		t.Fatal("single wrong guess after expiry must not re-ban")
	}
}

func TestCheckAndRecord_SuccessResets(t *testing.T) {
	l := NewLimiter(5, 30*time.Second, 15*time.Minute)
	hash := testHash(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = l.CheckAndRecord(ctx, "room-1", "origin", "wrong", hash)
	}
	if err := l.CheckAndRecord(ctx, "room-1", "origin", testPassword, hash); err != nil {
		t.Fatalf("correct password must succeed, got %v", err)
	}

	// the counter restarted: four more wrong guesses stay short of the threshold
	for i := 0; i < 4; i++ {
		if err := l.CheckAndRecord(ctx, "room-1", "origin", "wrong", hash); !errors.Is(err, domain.ErrInvalidPassword) {
			t.Fatalf("attempt %d after reset: got %v", i+1, err)
		}
	}
}

func TestCheckAndRecord_OriginsIsolated(t *testing.T) {
	l := NewLimiter(2, 30*time.Second, 15*time.Minute)
	hash := testHash(t)
	ctx := context.Background()

	_ = l.CheckAndRecord(ctx, "room-1", "10.0.0.1", "wrong", hash)
	_ = l.CheckAndRecord(ctx, "room-1", "10.0.0.1", "wrong", hash) // banned

	// a different origin is unaffected
	if err := l.CheckAndRecord(ctx, "room-1", "10.0.0.2", testPassword, hash); err != nil {
		t.Fatalf("other origin must not share the ban, got %v", err)
	}
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	l := NewLimiter(5, 30*time.Second, 15*time.Minute)

	prev := time.Duration(0)
	for n := 5; n < 40; n++ {
		d := l.backoff(n)
		if d < prev {
			t.Fatalf("backoff decreased at n=%d: %v -> %v", n, prev, d)
		}
		if d > 15*time.Minute {
			t.Fatalf("backoff exceeds cap at n=%d: %v", n, d)
		}
		prev = d
	}
}
