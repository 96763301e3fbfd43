package retry

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/yungbote/vidforge-backend/internal/platform/apierr"
	"github.com/yungbote/vidforge-backend/internal/platform/envutil"
)

// Policy decides whether a classified failure earns another attempt and how
// long to wait. Backoff is exponential with full jitter; rate_limited honors
// the server hint when one is present.
type Policy struct {
	MaxAttempts map[apierr.Kind]int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

func Default() Policy {
	return Policy{
		MaxAttempts: map[apierr.Kind]int{
			apierr.KindTimeout:               3,
			apierr.KindDependencyUnavailable: 5,
			apierr.KindDependencyError:       3,
			apierr.KindRateLimited:           5,
		},
		MinBackoff: 1 * time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

// FromEnv overlays RETRY_MAX_ATTEMPTS_<KIND> overrides onto the defaults.
func FromEnv() Policy {
	p := Default()
	for kind := range p.MaxAttempts {
		key := "RETRY_MAX_ATTEMPTS_" + strings.ToUpper(string(kind))
		p.MaxAttempts[kind] = envutil.Int(key, p.MaxAttempts[kind])
	}
	return p
}

func (p Policy) maxFor(kind apierr.Kind) int {
	if n, ok := p.MaxAttempts[kind]; ok {
		return n
	}
	return 0
}

// Next returns the backoff before attempt attempts+1, or (0, false) when err
// is not eligible for another attempt. attempts counts completed tries.
func (p Policy) Next(err error, attempts int) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	kind := apierr.KindOf(err)
	switch kind {
	case apierr.KindCancelled, apierr.KindValidation:
		return 0, false
	}
	if !apierr.Retryable(err) {
		return 0, false
	}
	if attempts >= p.maxFor(kind) {
		return 0, false
	}
	if hint := apierr.RetryAfterFrom(err); hint > 0 {
		return hint, true
	}
	return p.backoff(attempts), true
}

func (p Policy) backoff(attempts int) time.Duration {
	minB := p.MinBackoff
	maxB := p.MaxBackoff
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	// Full jitter: uniform in [0, d].
	return time.Duration(rand.Float64() * float64(d))
}
