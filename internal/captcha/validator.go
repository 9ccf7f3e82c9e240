package captcha

import (
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
)

// AttemptPolicy controls the lockout applied after repeated wrong selections
type AttemptPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
}

// IsCorrect reports whether slot index holds the correct icon
func IsCorrect(challenge *domain.Challenge, index int) bool {
	if index < 0 || index >= len(challenge.Icons) {
		return false
	}
	return challenge.Icons[index] == challenge.CorrectID
}

// ApplySelection records a selection on the challenge and reports whether it was correct.
// A correct selection completes the challenge and resets the attempt state; a wrong one
// increments Attempts and starts the lockout once MaxAttempts is reached.
func (p AttemptPolicy) ApplySelection(challenge *domain.Challenge, index int, now time.Time) bool {
	if IsCorrect(challenge, index) {
		challenge.Attempts = 0
		challenge.AttemptsTimeout = nil
		challenge.Completed = true
		return true
	}

	challenge.Completed = false
	challenge.Attempts++

	if challenge.Attempts == p.MaxAttempts && p.Timeout > 0 {
		until := now.Add(p.Timeout)
		challenge.AttemptsTimeout = &until
	}

	return false
}
