package queue

import "github.com/pkg/errors"

var (
	// ErrAlreadyEnrolled is returned when the user is still waiting in the
	// queue. Callers usually fall back to a status query.
	ErrAlreadyEnrolled = errors.New("user already enrolled in wait queue")
	ErrInvalidQueue    = errors.New("queue name must not be empty")
	ErrInvalidUser     = errors.New("user id must be positive")
	ErrInvalidCount    = errors.New("count must not be negative")
)

func validate(queue string, userID int64) error {
	if queue == "" {
		return ErrInvalidQueue
	}
	if userID <= 0 {
		return ErrInvalidUser
	}
	return nil
}
