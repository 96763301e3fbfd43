package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall time and ID generation so pipelines, the queue, and
// the breaker can be tested deterministically.
type Clock interface {
	Now() time.Time
	NewID() uuid.UUID
}

type systemClock struct{}

func (systemClock) Now() time.Time   { return time.Now().UTC() }
func (systemClock) NewID() uuid.UUID { return uuid.New() }

func System() Clock { return systemClock{} }

// Fake is a manually advanced clock for tests. IDs are still random v4; tests
// that need stable IDs should capture them from the return values.
type Fake struct {
	Current time.Time
}

func NewFake(start time.Time) *Fake { return &Fake{Current: start.UTC()} }

func (f *Fake) Now() time.Time   { return f.Current }
func (f *Fake) NewID() uuid.UUID { return uuid.New() }

func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
