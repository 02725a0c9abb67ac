// Package retry decides what happens to a job after a failed render attempt.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/legalsim/render-orchestrator/internal/renderer"
)

// Class is the retry classification of an execution failure.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Action is what the worker must do with the job.
type Action int

const (
	ActionRetry Action = iota
	ActionFail
)

// Decision is the controller's verdict for one failure.
type Decision struct {
	Action     Action
	Class      Class
	Kind       string
	RetryCount int
	Delay      time.Duration
	Message    string
}

// Controller applies exponential backoff to transient failures.
type Controller struct {
	base time.Duration
	max  time.Duration
}

// NewController creates a controller. delay = base * 2^retry_count, capped at max.
func NewController(base, max time.Duration) *Controller {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Controller{base: base, max: max}
}

// Classify sorts an error into transient or permanent. Errors that declare
// their class are trusted; deadline overruns are transient; anything else
// unknown is treated as transient so a flaky dependency doesn't burn a job.
func Classify(err error) (Class, string) {
	var classifier renderer.ErrorClassifier
	if errors.As(err, &classifier) {
		if classifier.Transient() {
			return ClassTransient, classifier.ErrorKind()
		}
		return ClassPermanent, classifier.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient, renderer.KindTimeout
	}
	return ClassTransient, "unclassified"
}

// Decide returns the next step for a job that failed with err after
// retryCount previous retries.
func (c *Controller) Decide(err error, retryCount, maxRetries int) Decision {
	class, kind := Classify(err)
	d := Decision{
		Class:      class,
		Kind:       kind,
		RetryCount: retryCount,
		Message:    err.Error(),
	}

	if class == ClassPermanent || retryCount >= maxRetries {
		d.Action = ActionFail
		return d
	}

	d.Action = ActionRetry
	d.RetryCount = retryCount + 1
	d.Delay = c.Backoff(d.RetryCount)
	return d
}

// Backoff returns the delay before attempt number retryCount.
func (c *Controller) Backoff(retryCount int) time.Duration {
	delay := c.base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= c.max || delay <= 0 {
			return c.max
		}
	}
	return delay
}
