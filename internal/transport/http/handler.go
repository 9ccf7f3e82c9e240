package httptransport

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/logger"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/security"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/usecase"
)

// PayloadField is the query or form field carrying the widget payload
const PayloadField = "payload"

// Handler serves the widget protocol and the submission endpoints
type Handler struct {
	usecase  usecase.CaptchaUsecase
	sessions *SessionManager
	blocker  *security.IPBlocker
	resolver *security.IPResolver
}

// HandlerOption customizes the handler
type HandlerOption func(*Handler)

// WithIPBlocker blocks clients that keep failing the final submission
func WithIPBlocker(blocker *security.IPBlocker) HandlerOption {
	return func(h *Handler) {
		h.blocker = blocker
	}
}

// WithIPResolver sets how client addresses are read behind proxies
func WithIPResolver(resolver *security.IPResolver) HandlerOption {
	return func(h *Handler) {
		h.resolver = resolver
	}
}

// NewHandler creates a new HTTP handler
func NewHandler(captchaUsecase usecase.CaptchaUsecase, sessions *SessionManager, opts ...HandlerOption) *Handler {
	h := &Handler{
		usecase:  captchaUsecase,
		sessions: sessions,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Middleware answers widget requests and forwards everything else to next.
// GET requests with a payload query fetch the challenge image; ajax POST
// requests with a payload form field dispatch on the payload action.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ajax := isAjaxRequest(r)

		if r.Method == http.MethodGet && !ajax && r.URL.Query().Has(PayloadField) {
			h.serveImage(w, r)
			return
		}

		if r.Method == http.MethodPost && ajax {
			if err := r.ParseForm(); err == nil {
				if _, ok := r.PostForm[PayloadField]; ok {
					if h.servePayload(w, r) {
						return
					}
				}
			}
		}

		next.ServeHTTP(w, r)
	})
}

// serveImage renders the challenge image once per challenge
func (h *Handler) serveImage(w http.ResponseWriter, r *http.Request) {
	key := h.sessions.Key(w, r)
	payload, ok := h.decodePayload(w, r, key, r.URL.Query().Get(PayloadField))
	if !ok {
		return
	}

	data, err := h.usecase.RenderImage(r.Context(), key, payload.ID)
	switch {
	case errors.Is(err, domain.ErrAlreadyRequested):
		w.WriteHeader(http.StatusForbidden)
		return
	case errors.Is(err, domain.ErrChallengeNotFound):
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		logger.WithError(err).WithField("challenge_id", payload.ID).Error("Failed to serve challenge image")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// servePayload handles an ajax payload and reports whether a response was written
func (h *Handler) servePayload(w http.ResponseWriter, r *http.Request) bool {
	key := h.sessions.Key(w, r)
	payload, ok := h.decodePayload(w, r, key, r.PostForm.Get(PayloadField))
	if !ok {
		return true
	}

	switch payload.Action {
	case domain.ActionInitiateChallenge:
		result, err := h.usecase.GenerateChallenge(r.Context(), key, payload)
		if err != nil {
			internalError(w, err, "Failed to generate challenge")
			return true
		}

		encoded, err := result.Encode()
		if err != nil {
			internalError(w, err, "Failed to encode challenge result")
			return true
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(encoded))
		return true

	case domain.ActionSetSelectedIcon:
		correct, err := h.usecase.SetSelectedIcon(r.Context(), key, payload)
		if err != nil {
			internalError(w, err, "Failed to validate selection")
			return true
		}
		if correct {
			w.WriteHeader(http.StatusOK)
			return true
		}
		return false

	case domain.ActionTimeExpired:
		if err := h.usecase.InvalidateChallenge(r.Context(), key, payload.ID); err != nil {
			internalError(w, err, "Failed to invalidate challenge")
			return true
		}
		w.WriteHeader(http.StatusOK)
		return true
	}

	return false
}

// decodePayload decodes the payload and checks its token, answering 400 on failure
func (h *Handler) decodePayload(w http.ResponseWriter, r *http.Request, key, raw string) (*domain.Payload, bool) {
	payload, err := domain.DecodePayload(raw)
	if err == nil {
		var valid bool
		valid, err = h.usecase.ValidateToken(r.Context(), key, payload.Token, r.Header.Get(security.TokenHeader))
		if err != nil {
			internalError(w, err, "Failed to validate token")
			return nil, false
		}
		if !valid {
			err = domain.ErrInvalidPayload
		}
	}

	if err != nil {
		logger.WithError(err).WithField("client_ip", h.resolver.ClientIP(r)).Debug("Rejected widget payload")
		http.Error(w, "Invalid token format.", http.StatusBadRequest)
		return nil, false
	}

	return payload, true
}

// TokenHandler returns the session token for embedding in the widget and form
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := h.sessions.Key(w, r)
	token, err := h.usecase.IssueToken(r.Context(), key)
	if err != nil {
		internalError(w, err, "Failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// SubmissionResponse is the body returned by SubmitHandler
type SubmissionResponse struct {
	Success bool   `json:"success"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// SubmitHandler runs the final validation on a form submission
func (h *Handler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := h.resolver.ClientIP(r)
	if h.blocker != nil {
		if blocked, remaining := h.blocker.IsBlocked(r.Context(), ip); blocked {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(remaining.Seconds()))))
			writeJSON(w, http.StatusForbidden, SubmissionResponse{Message: "Too many failed attempts."})
			return
		}
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	key := h.sessions.Key(w, r)
	err := h.usecase.ValidateSubmission(r.Context(), key, r.PostForm)

	var rejection *domain.SubmissionError
	switch {
	case err == nil:
		if h.blocker != nil {
			// A solved challenge clears the failures counted against the client
			if err := h.blocker.Unblock(r.Context(), ip); err != nil {
				logger.WithError(err).WithField("client_ip", ip).Warn("Failed to reset submission failures")
			}
		}
		writeJSON(w, http.StatusOK, SubmissionResponse{Success: true, Message: "It looks like you are a human."})
	case errors.As(err, &rejection):
		if h.blocker != nil {
			h.blocker.RecordFailure(r.Context(), ip)
		}
		writeJSON(w, http.StatusBadRequest, SubmissionResponse{Code: rejection.Code, Message: rejection.Message})
	default:
		internalError(w, err, "Failed to validate submission")
	}
}

// Routes registers the widget endpoint under captchaPath and the outer endpoints.
// Widget requests that the middleware does not answer end in a 404.
func (h *Handler) Routes(mux *http.ServeMux, captchaPath string) {
	captchaPath = strings.TrimSuffix(captchaPath, "/")
	mux.Handle(captchaPath, h.Middleware(http.NotFoundHandler()))
	mux.HandleFunc(captchaPath+"/token", h.TokenHandler)
	mux.HandleFunc("/submit", h.SubmitHandler)
}

func isAjaxRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("X-Requested-With"), "xmlhttprequest")
}

func internalError(w http.ResponseWriter, err error, msg string) {
	logger.WithError(err).Error(msg)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
