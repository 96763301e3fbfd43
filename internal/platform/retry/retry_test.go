package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
)

func TestNextNeverRetriesValidationOrCancelled(t *testing.T) {
	p := Default()
	for _, kind := range []apierr.Kind{apierr.KindValidation, apierr.KindCancelled} {
		err := apierr.Ef(kind, "planning", "boom")
		if _, ok := p.Next(err, 0); ok {
			t.Fatalf("kind %s must not retry", kind)
		}
	}
}

func TestNextExhaustsBudgetPerKind(t *testing.T) {
	p := Default()
	err := apierr.Ef(apierr.KindDependencyError, "rendering", "ffmpeg exploded")

	max := p.MaxAttempts[apierr.KindDependencyError]
	for attempts := 0; attempts < max; attempts++ {
		if _, ok := p.Next(err, attempts); !ok {
			t.Fatalf("attempt %d of %d should be allowed", attempts, max)
		}
	}
	if _, ok := p.Next(err, max); ok {
		t.Fatalf("budget of %d must be exhausted", max)
	}
}

func TestNextHonorsRetryAfterHint(t *testing.T) {
	p := Default()
	hint := 7 * time.Second
	err := apierr.Ef(apierr.KindRateLimited, "", "429").WithRetryAfter(hint)

	d, ok := p.Next(err, 1)
	if !ok {
		t.Fatalf("rate_limited within budget must retry")
	}
	if d != hint {
		t.Fatalf("delay = %s, want hint %s", d, hint)
	}
}

func TestNextBackoffStaysBounded(t *testing.T) {
	p := Default()
	p.MinBackoff = 100 * time.Millisecond
	p.MaxBackoff = time.Second
	err := apierr.Ef(apierr.KindTimeout, "", "slow")

	for attempts := 0; attempts < p.MaxAttempts[apierr.KindTimeout]; attempts++ {
		d, ok := p.Next(err, attempts)
		if !ok {
			t.Fatalf("attempt %d should be allowed", attempts)
		}
		if d < 0 || d > p.MaxBackoff {
			t.Fatalf("delay %s outside [0, %s]", d, p.MaxBackoff)
		}
	}
}

func TestNextRejectsUnclassifiedErrors(t *testing.T) {
	p := Default()
	if _, ok := p.Next(errors.New("plain"), 0); ok {
		t.Fatalf("unclassified errors are not retryable")
	}
}

func TestFromEnvOverride(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS_TIMEOUT", "7")
	p := FromEnv()
	if got := p.MaxAttempts[apierr.KindTimeout]; got != 7 {
		t.Fatalf("timeout budget = %d, want 7", got)
	}
}
