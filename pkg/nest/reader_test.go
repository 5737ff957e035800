package nest

import (
	"errors"
	"testing"
	"time"

	"github.com/mira/nursery-relay/pkg/apperr"
)

func TestExtendOutcomeSuccessResets(t *testing.T) {
	next, failures, giveUp := extendOutcome(nil, 2)
	if giveUp {
		t.Fatal("success must never give up")
	}
	if failures != 0 {
		t.Errorf("failures = %d, want reset to 0", failures)
	}
	if next != extendInterval {
		t.Errorf("next = %v, want the regular extend interval", next)
	}
}

func TestExtendOutcomeRateLimitReschedulesAndCounts(t *testing.T) {
	err := apperr.RateLimit(120*time.Second, errors.New("429"))

	next, failures, giveUp := extendOutcome(err, 0)
	if giveUp {
		t.Fatal("first 429 must keep the session alive")
	}
	if next != 120*time.Second {
		t.Errorf("next = %v, want the server-provided 120s", next)
	}
	if failures != 1 {
		t.Errorf("failures = %d, want the 429 counted", failures)
	}
}

func TestThreeConsecutiveRateLimitsTearDown(t *testing.T) {
	err := apperr.RateLimit(120*time.Second, errors.New("429"))

	failures := 0
	var giveUp bool
	for i := 0; i < 3; i++ {
		if giveUp {
			t.Fatalf("gave up after %d rate limits, want teardown only at the third", i)
		}
		_, failures, giveUp = extendOutcome(err, failures)
	}
	if !giveUp {
		t.Fatal("third consecutive 429 must tear the session down")
	}
	if failures != 3 {
		t.Errorf("failures = %d, want 3", failures)
	}
}

func TestExtendOutcomeMixedFailuresShareTheBudget(t *testing.T) {
	rateLimited := apperr.RateLimit(time.Minute, errors.New("429"))
	transient := apperr.Transient("sdm", errors.New("502"))

	_, failures, giveUp := extendOutcome(rateLimited, 0)
	if giveUp || failures != 1 {
		t.Fatalf("after 429: failures=%d giveUp=%v", failures, giveUp)
	}
	next, failures, giveUp := extendOutcome(transient, failures)
	if giveUp || failures != 2 {
		t.Fatalf("after 5xx: failures=%d giveUp=%v", failures, giveUp)
	}
	if next != extendInterval {
		t.Errorf("non-rate-limit failure retries on the regular interval, got %v", next)
	}
	_, _, giveUp = extendOutcome(rateLimited, failures)
	if !giveUp {
		t.Fatal("third consecutive failure of any kind must tear down")
	}
}

func TestExtendOutcomeSuccessBreaksTheStreak(t *testing.T) {
	err := apperr.RateLimit(time.Minute, errors.New("429"))

	_, failures, _ := extendOutcome(err, 0)
	_, failures, _ = extendOutcome(err, failures)
	_, failures, _ = extendOutcome(nil, failures)
	_, failures, giveUp := extendOutcome(err, failures)
	if giveUp {
		t.Fatal("a success between 429s must reset the budget")
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1 after the streak reset", failures)
	}
}
