package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/captcha"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/monitoring"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/repository"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/security"
)

// Form fields of the final submission
const (
	FieldCaptchaID = "captchaId"
	FieldSelection = "selection"
	FieldHoneypot  = "honeypot"
	FieldToken     = "token"
)

// DefaultTheme is used when the widget does not name one
const DefaultTheme = "light"

// CaptchaUsecase defines the interface for captcha business logic.
// Every method loads the visitor session by key, mutates it and saves it back.
type CaptchaUsecase interface {
	IssueToken(ctx context.Context, sessionKey string) (string, error)
	ValidateToken(ctx context.Context, sessionKey, payloadToken, headerToken string) (bool, error)
	GenerateChallenge(ctx context.Context, sessionKey string, payload *domain.Payload) (*domain.Result, error)
	SetSelectedIcon(ctx context.Context, sessionKey string, payload *domain.Payload) (bool, error)
	RenderImage(ctx context.Context, sessionKey string, id int) ([]byte, error)
	InvalidateChallenge(ctx context.Context, sessionKey string, id int) error
	ValidateSubmission(ctx context.Context, sessionKey string, form url.Values) error
	Challenge(ctx context.Context, sessionKey string, id int) (*domain.Challenge, error)
}

// ImageRenderer draws a challenge image
type ImageRenderer interface {
	Render(challenge *domain.Challenge) ([]byte, error)
}

// Config represents the usecase configuration
type Config struct {
	Attempts captcha.AttemptPolicy
	Messages domain.Messages
	Themes   map[string]domain.Theme
}

// Option customizes the usecase
type Option func(*captchaUsecase)

// WithClock replaces time.Now, used for lockout timing
func WithClock(now func() time.Time) Option {
	return func(u *captchaUsecase) {
		u.now = now
	}
}

// WithMetrics records lifecycle events on metrics
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(u *captchaUsecase) {
		u.metrics = metrics
	}
}

// captchaUsecase implements CaptchaUsecase
type captchaUsecase struct {
	store     repository.SessionStore
	generator *captcha.Generator
	renderer  ImageRenderer
	tokens    *security.TokenGuard
	config    *Config
	metrics   *monitoring.Metrics
	now       func() time.Time
}

// NewCaptchaUsecase creates a new captcha usecase
func NewCaptchaUsecase(store repository.SessionStore, generator *captcha.Generator, renderer ImageRenderer,
	tokens *security.TokenGuard, config *Config, opts ...Option) CaptchaUsecase {
	u := &captchaUsecase{
		store:     store,
		generator: generator,
		renderer:  renderer,
		tokens:    tokens,
		config:    config,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// IssueToken returns the session token, creating it on first use
func (u *captchaUsecase) IssueToken(ctx context.Context, sessionKey string) (string, error) {
	session, err := u.loadSession(ctx, sessionKey)
	if err != nil {
		return "", err
	}

	existing := session.Token
	token, err := u.tokens.Issue(session)
	if err != nil {
		return "", err
	}

	if token != existing {
		if err := u.saveSession(ctx, sessionKey, session); err != nil {
			return "", err
		}
		logger.WithField("session", sessionKey).Debug("Session token issued")
	}

	return token, nil
}

// ValidateToken checks request tokens against the session token
func (u *captchaUsecase) ValidateToken(ctx context.Context, sessionKey, payloadToken, headerToken string) (bool, error) {
	session, err := u.loadSession(ctx, sessionKey)
	if err != nil {
		return false, err
	}

	return u.tokens.Validate(session, payloadToken, headerToken), nil
}

// GenerateChallenge assigns a new layout to the widget's challenge. An active
// lockout is reported in the result instead of an error.
func (u *captchaUsecase) GenerateChallenge(ctx context.Context, sessionKey string, payload *domain.Payload) (*domain.Result, error) {
	session, err := u.loadSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	theme := payload.Theme
	if theme == "" {
		theme = DefaultTheme
	}

	challenge := session.EnsureChallenge(payload.ID)
	err = u.generator.Generate(challenge, theme, u.now())

	var lockout *domain.LockoutError
	if errors.As(err, &lockout) {
		u.metrics.RecordLockout()
		logger.WithSession(sessionKey, payload.ID).WithField("remaining", lockout.Remaining).Info("Challenge generation refused, attempts lockout active")
		return &domain.Result{ID: payload.ID, Error: 1, Data: lockout.Remaining.Seconds()}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := u.saveSession(ctx, sessionKey, session); err != nil {
		return nil, err
	}

	u.metrics.RecordChallengeGenerated(domain.IconMode(u.config.Themes, theme))
	logger.WithSession(sessionKey, payload.ID).WithField("icons", len(challenge.Icons)).Debug("Challenge generated")

	return &domain.Result{ID: payload.ID}, nil
}

// SetSelectedIcon validates the visitor's click and updates attempt state.
// A missing challenge or selection is a failed selection, not an error.
func (u *captchaUsecase) SetSelectedIcon(ctx context.Context, sessionKey string, payload *domain.Payload) (bool, error) {
	if !payload.HasSelection() {
		return false, nil
	}

	session, err := u.loadSession(ctx, sessionKey)
	if err != nil {
		return false, err
	}

	challenge := session.Challenge(payload.ID)
	if challenge == nil || !challenge.Generated() {
		logger.WithSession(sessionKey, payload.ID).Debug("Selection for unknown challenge")
		return false, nil
	}

	index := captcha.ResolveClick(*payload.X, *payload.Y, *payload.Width, len(challenge.Icons))
	correct := u.config.Attempts.ApplySelection(challenge, index, u.now())

	if err := u.saveSession(ctx, sessionKey, session); err != nil {
		return false, err
	}

	u.metrics.RecordSelection(correct)
	logger.WithSession(sessionKey, payload.ID).WithFields(map[string]interface{}{
		"correct":  correct,
		"attempts": challenge.Attempts,
	}).Debug("Icon selected")

	return correct, nil
}

// RenderImage renders the challenge image exactly once. The requested flag is
// persisted before rendering so a failed render still consumes the image.
func (u *captchaUsecase) RenderImage(ctx context.Context, sessionKey string, id int) ([]byte, error) {
	session, err := u.loadSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	challenge := session.Challenge(id)
	if challenge == nil || !challenge.Generated() {
		return nil, domain.ErrChallengeNotFound
	}

	if challenge.Requested {
		u.metrics.RecordImage("rejected", 0)
		logger.WithSession(sessionKey, id).Info("Repeated image request rejected")
		return nil, domain.ErrAlreadyRequested
	}

	challenge.Requested = true
	if err := u.saveSession(ctx, sessionKey, session); err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := u.renderer.Render(challenge)
	if err != nil {
		u.metrics.RecordImage("error", 0)
		logger.WithSession(sessionKey, id).WithError(err).Error("Failed to render challenge image")
		return nil, err
	}

	u.metrics.RecordImage("rendered", time.Since(start))
	return data, nil
}

// InvalidateChallenge removes the widget's challenge from the session
func (u *captchaUsecase) InvalidateChallenge(ctx context.Context, sessionKey string, id int) error {
	session, found, err := u.store.Load(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if !found {
		return nil
	}

	session.RemoveChallenge(id)
	if err := u.saveSession(ctx, sessionKey, session); err != nil {
		return err
	}

	logger.WithSession(sessionKey, id).Debug("Challenge invalidated")
	return nil
}

// ValidateSubmission re-validates a completed challenge on final form submission.
// Rejections are returned as *domain.SubmissionError; a valid submission consumes the challenge.
func (u *captchaUsecase) ValidateSubmission(ctx context.Context, sessionKey string, form url.Values) error {
	id, err := u.validateSubmission(ctx, sessionKey, form)

	var rejection *domain.SubmissionError
	switch {
	case err == nil:
		u.metrics.RecordSubmission(0)
		logger.WithSession(sessionKey, id).Info("Submission accepted")
	case errors.As(err, &rejection):
		u.metrics.RecordSubmission(rejection.Code)
		logger.WithSession(sessionKey, id).WithField("code", rejection.Code).Info("Submission rejected")
	}

	return err
}

func (u *captchaUsecase) validateSubmission(ctx context.Context, sessionKey string, form url.Values) (int, error) {
	if len(form) == 0 {
		return 0, u.reject(domain.CodeEmptyForm)
	}

	id, err := strconv.Atoi(strings.TrimSpace(form.Get(FieldCaptchaID)))
	if err != nil {
		return 0, u.reject(domain.CodeInvalidID)
	}

	session, err := u.loadSession(ctx, sessionKey)
	if err != nil {
		return id, err
	}

	challenge := session.Challenge(id)
	if challenge == nil {
		return id, u.reject(domain.CodeInvalidID)
	}

	if honeypot, ok := form[FieldHoneypot]; !ok || (len(honeypot) > 0 && honeypot[0] != "") {
		return id, u.reject(domain.CodeHoneypot)
	}

	if !u.tokens.Validate(session, form.Get(FieldToken), "") {
		return id, u.reject(domain.CodeFormToken)
	}

	selection := strings.TrimSpace(form.Get(FieldSelection))
	if selection == "" {
		return id, u.reject(domain.CodeNoSelection)
	}

	index := captcha.InvalidSlot
	if x, y, width, ok := captcha.ParseSelection(selection); ok {
		index = captcha.ResolveClick(x, y, width, len(challenge.Icons))
	}

	if !challenge.Completed || !captcha.IsCorrect(challenge, index) {
		return id, u.reject(domain.CodeWrongIcon)
	}

	session.RemoveChallenge(id)
	if err := u.saveSession(ctx, sessionKey, session); err != nil {
		return id, err
	}

	return id, nil
}

// Challenge returns a copy of the widget's challenge
func (u *captchaUsecase) Challenge(ctx context.Context, sessionKey string, id int) (*domain.Challenge, error) {
	session, err := u.loadSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	challenge := session.Challenge(id)
	if challenge == nil {
		return nil, domain.ErrChallengeNotFound
	}

	return challenge, nil
}

func (u *captchaUsecase) reject(code int) error {
	return domain.NewSubmissionError(code, u.config.Messages)
}

// loadSession returns the stored session or a fresh one
func (u *captchaUsecase) loadSession(ctx context.Context, sessionKey string) (*domain.Session, error) {
	session, found, err := u.store.Load(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !found {
		return domain.NewSession(), nil
	}
	return session, nil
}

// saveSession stores the session, dropping it from the store once nothing is left in it
func (u *captchaUsecase) saveSession(ctx context.Context, sessionKey string, session *domain.Session) error {
	if session.Empty() {
		if err := u.store.Delete(ctx, sessionKey); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	}

	if err := u.store.Save(ctx, sessionKey, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}
