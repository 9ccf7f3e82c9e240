package domain

import (
	"errors"
	"fmt"
	"time"
)

// Submission error codes
const (
	CodeWrongIcon   = 1
	CodeNoSelection = 2
	CodeEmptyForm   = 3
	CodeInvalidID   = 4
	CodeHoneypot    = 5
	CodeFormToken   = 6
)

// Lifecycle errors
var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrAlreadyRequested  = errors.New("challenge image already requested")
	ErrInvalidPayload    = errors.New("invalid token format")
	ErrAssetLoad         = errors.New("failed to load captcha assets")
)

// Messages holds the user-facing text for each submission error code
type Messages struct {
	WrongIcon   string `yaml:"wrong_icon"`
	NoSelection string `yaml:"no_selection"`
	EmptyForm   string `yaml:"empty_form"`
	InvalidID   string `yaml:"invalid_id"`
	FormToken   string `yaml:"form_token"`
}

// DefaultMessages returns the built-in English messages
func DefaultMessages() Messages {
	return Messages{
		WrongIcon:   "You've selected the wrong image.",
		NoSelection: "No image has been selected.",
		EmptyForm:   "You've not submitted any form.",
		InvalidID:   "The captcha ID was invalid.",
		FormToken:   "The form token was invalid",
	}
}

// ForCode returns the message configured for a submission error code.
// The honeypot code shares the invalid id message.
func (m Messages) ForCode(code int) string {
	switch code {
	case CodeWrongIcon:
		return m.WrongIcon
	case CodeNoSelection:
		return m.NoSelection
	case CodeEmptyForm:
		return m.EmptyForm
	case CodeInvalidID, CodeHoneypot:
		return m.InvalidID
	case CodeFormToken:
		return m.FormToken
	default:
		return ""
	}
}

// SubmissionError is returned when the final form submission fails validation
type SubmissionError struct {
	Code    int
	Message string
}

// NewSubmissionError creates a submission error with the configured message for code
func NewSubmissionError(code int, messages Messages) *SubmissionError {
	return &SubmissionError{Code: code, Message: messages.ForCode(code)}
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected (code %d): %s", e.Code, e.Message)
}

// LockoutError reports an active attempts timeout
type LockoutError struct {
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("too many attempts, retry in %.0f seconds", e.Remaining.Seconds())
}
