package domain

import (
	"time"
)

// Challenge represents one in-flight icon captcha bound to a widget identifier
type Challenge struct {
	Icons           []int      `json:"icons"`
	IconIDs         []int      `json:"icon_ids"`
	CorrectID       int        `json:"correct_id"`
	Mode            string     `json:"mode"`
	Requested       bool       `json:"requested"`
	Completed       bool       `json:"completed"`
	Attempts        int        `json:"attempts"`
	AttemptsTimeout *time.Time `json:"attempts_timeout,omitempty"`
}

// Clear resets every field of the challenge
func (c *Challenge) Clear() {
	*c = Challenge{}
}

// Generated reports whether a layout has been assigned to the challenge
func (c *Challenge) Generated() bool {
	return len(c.Icons) > 0
}

// LockedUntil returns the active lockout expiry, if any
func (c *Challenge) LockedUntil(now time.Time) (time.Time, bool) {
	if c.AttemptsTimeout == nil || now.After(*c.AttemptsTimeout) {
		return time.Time{}, false
	}
	return *c.AttemptsTimeout, true
}

// Session holds the captcha state of a single visitor
type Session struct {
	Token      string             `json:"token,omitempty"`
	Challenges map[int]*Challenge `json:"challenges"`
}

// NewSession creates an empty session
func NewSession() *Session {
	return &Session{
		Challenges: make(map[int]*Challenge),
	}
}

// Challenge returns the challenge stored for the widget identifier, or nil
func (s *Session) Challenge(id int) *Challenge {
	if s.Challenges == nil {
		return nil
	}
	return s.Challenges[id]
}

// EnsureChallenge returns the challenge for id, creating an empty one when missing
func (s *Session) EnsureChallenge(id int) *Challenge {
	if s.Challenges == nil {
		s.Challenges = make(map[int]*Challenge)
	}

	challenge, exists := s.Challenges[id]
	if !exists {
		challenge = &Challenge{}
		s.Challenges[id] = challenge
	}

	return challenge
}

// RemoveChallenge drops the challenge for id
func (s *Session) RemoveChallenge(id int) {
	delete(s.Challenges, id)
}

// Empty reports whether the session holds neither a token nor a challenge
func (s *Session) Empty() bool {
	return s.Token == "" && len(s.Challenges) == 0
}
