package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Action is the operation requested by the widget
type Action int

const (
	ActionNone              Action = 0
	ActionInitiateChallenge Action = 1
	ActionSetSelectedIcon   Action = 2
	ActionTimeExpired       Action = 3
)

// Payload is the decoded form of the widget's base64 JSON payload
type Payload struct {
	ID     int    `json:"i" validate:"gte=0"`
	X      *int   `json:"x,omitempty"`
	Y      *int   `json:"y,omitempty"`
	Width  *int   `json:"w,omitempty" validate:"omitempty,gt=0"`
	Action Action `json:"a" validate:"gte=0,lte=3"`
	Theme  string `json:"t,omitempty" validate:"omitempty,max=32,excludesall=/\\."`
	Token  string `json:"tk,omitempty" validate:"omitempty,max=128"`
}

// HasSelection reports whether click coordinates and width were supplied
func (p *Payload) HasSelection() bool {
	return p.X != nil && p.Y != nil && p.Width != nil
}

// Result is returned to the widget when a challenge is initiated
type Result struct {
	ID    int     `json:"id"`
	Error int     `json:"error,omitempty"`
	Data  float64 `json:"data,omitempty"`
}

// Encode serializes the result as base64 JSON
func (r *Result) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

var payloadValidate = validator.New()

// DecodePayload decodes and validates a base64 JSON payload
func DecodePayload(raw string) (*Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	payload := &Payload{}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if err := payloadValidate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return payload, nil
}

// EncodePayload is the inverse of DecodePayload, used by clients and tests
func EncodePayload(p *Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
