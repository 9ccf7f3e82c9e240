package httptransport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/captcha"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/domain"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/repository"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/security"
	"github.com/FlooooowY/SteelMount-IconCaptcha/internal/usecase"
)

const (
	testPath   = "/iconcaptcha"
	testCookie = "iconcaptcha_session"
)

type stubRenderer struct{}

func (stubRenderer) Render(challenge *domain.Challenge) ([]byte, error) {
	return []byte("\x89PNG"), nil
}

type testServer struct {
	uc      usecase.CaptchaUsecase
	handler http.Handler
	cookie  *http.Cookie
}

func newTestServer(t *testing.T, tokens bool, opts ...HandlerOption) *testServer {
	t.Helper()

	generator, err := captcha.NewGenerator(captcha.GeneratorOptions{MinIcons: 5, MaxIcons: 8, AvailableIcons: 250}, captcha.NewRandomSource(3))
	require.NoError(t, err)

	uc := usecase.NewCaptchaUsecase(repository.NewInMemorySessionStore(time.Hour), generator, stubRenderer{},
		security.NewTokenGuard(tokens), &usecase.Config{
			Attempts: captcha.AttemptPolicy{MaxAttempts: 3, Timeout: 30 * time.Second},
			Messages: domain.DefaultMessages(),
			Themes:   domain.DefaultThemes(),
		})

	mux := http.NewServeMux()
	NewHandler(uc, NewSessionManager(testCookie, time.Hour, false), opts...).Routes(mux, testPath)

	return &testServer{uc: uc, handler: mux}
}

// do sends the request with the session cookie and remembers any cookie issued
func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if s.cookie != nil {
		req.AddCookie(s.cookie)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.Name == testCookie {
			s.cookie = c
		}
	}
	return rec
}

func (s *testServer) ajax(t *testing.T, payload *domain.Payload) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := domain.EncodePayload(payload)
	require.NoError(t, err)

	form := url.Values{PayloadField: {encoded}}
	req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	return s.do(t, req)
}

func (s *testServer) image(t *testing.T, payload *domain.Payload) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := domain.EncodePayload(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, testPath+"?"+url.Values{PayloadField: {encoded}}.Encode(), nil)
	return s.do(t, req)
}

func (s *testServer) token(t *testing.T) string {
	t.Helper()
	rec := s.do(t, httptest.NewRequest(http.MethodGet, testPath+"/token", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body["token"], 2*security.TokenLength)
	return body["token"]
}

func (s *testServer) challenge(t *testing.T, id int) *domain.Challenge {
	t.Helper()
	require.NotNil(t, s.cookie, "no session cookie issued")
	challenge, err := s.uc.Challenge(context.Background(), s.cookie.Value, id)
	require.NoError(t, err)
	return challenge
}

func decodeResult(t *testing.T, body string) domain.Result {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(body)
	require.NoError(t, err)

	var result domain.Result
	require.NoError(t, json.Unmarshal(data, &result))
	return result
}

func intPtr(v int) *int {
	return &v
}

func correctX(challenge *domain.Challenge, width int) int {
	slot := width / len(challenge.Icons)
	for i, id := range challenge.Icons {
		if id == challenge.CorrectID {
			return i*slot + slot/2
		}
	}
	return -1
}

func TestHandler_FullFlow(t *testing.T) {
	s := newTestServer(t, true)
	token := s.token(t)

	rec := s.ajax(t, &domain.Payload{ID: 1, Action: domain.ActionInitiateChallenge, Theme: "dark", Token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.Result{ID: 1}, decodeResult(t, rec.Body.String()))

	rec = s.image(t, &domain.Payload{ID: 1, Token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "\x89PNG", rec.Body.String())

	rec = s.image(t, &domain.Payload{ID: 1, Token: token})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())

	challenge := s.challenge(t, 1)
	x := correctX(challenge, 320)
	rec = s.ajax(t, &domain.Payload{ID: 1, Action: domain.ActionSetSelectedIcon, X: intPtr(x), Y: intPtr(20), Width: intPtr(320), Token: token})
	require.Equal(t, http.StatusOK, rec.Code)

	form := url.Values{
		usecase.FieldCaptchaID: {"1"},
		usecase.FieldSelection: {strconv.Itoa(x) + ",20,320"},
		usecase.FieldHoneypot:  {""},
		usecase.FieldToken:     {token},
	}
	submit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return s.do(t, req)
	}

	rec = submit()
	require.Equal(t, http.StatusOK, rec.Code)
	var response SubmissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.True(t, response.Success)

	rec = submit()
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.False(t, response.Success)
	assert.Equal(t, domain.CodeInvalidID, response.Code)
	assert.Equal(t, domain.DefaultMessages().InvalidID, response.Message)
}

func TestHandler_WrongSelectionFallsThrough(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.ajax(t, &domain.Payload{ID: 4, Action: domain.ActionInitiateChallenge})
	require.Equal(t, http.StatusOK, rec.Code)

	challenge := s.challenge(t, 4)
	slot := 320 / len(challenge.Icons)
	wrong := -1
	for i, id := range challenge.Icons {
		if id != challenge.CorrectID {
			wrong = i*slot + slot/2
			break
		}
	}
	require.GreaterOrEqual(t, wrong, 0)

	rec = s.ajax(t, &domain.Payload{ID: 4, Action: domain.ActionSetSelectedIcon, X: intPtr(wrong), Y: intPtr(10), Width: intPtr(320)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Lockout(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.ajax(t, &domain.Payload{ID: 2, Action: domain.ActionInitiateChallenge})
	require.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 3; i++ {
		challenge := s.challenge(t, 2)
		slot := 320 / len(challenge.Icons)
		for j, id := range challenge.Icons {
			if id != challenge.CorrectID {
				s.ajax(t, &domain.Payload{ID: 2, Action: domain.ActionSetSelectedIcon, X: intPtr(j*slot + slot/2), Y: intPtr(1), Width: intPtr(320)})
				break
			}
		}
		if i < 2 {
			s.ajax(t, &domain.Payload{ID: 2, Action: domain.ActionInitiateChallenge})
		}
	}

	rec = s.ajax(t, &domain.Payload{ID: 2, Action: domain.ActionInitiateChallenge})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeResult(t, rec.Body.String())
	assert.Equal(t, 2, result.ID)
	assert.Equal(t, 1, result.Error)
	assert.Greater(t, result.Data, float64(0))
	assert.LessOrEqual(t, result.Data, float64(30))
}

func TestHandler_InvalidateChallenge(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.ajax(t, &domain.Payload{ID: 5, Action: domain.ActionInitiateChallenge})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.ajax(t, &domain.Payload{ID: 5, Action: domain.ActionTimeExpired})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := s.uc.Challenge(context.Background(), s.cookie.Value, 5)
	assert.ErrorIs(t, err, domain.ErrChallengeNotFound)

	rec = s.image(t, &domain.Payload{ID: 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_RejectsBadPayloads(t *testing.T) {
	s := newTestServer(t, true)
	token := s.token(t)

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{
			name: "garbage image payload",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, testPath+"?payload=%25%25%25", nil)
			},
		},
		{
			name: "garbage ajax payload",
			req: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader("payload=not-base64!"))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				req.Header.Set("X-Requested-With", "xmlhttprequest")
				return req
			},
		},
		{
			name: "wrong payload token",
			req: func() *http.Request {
				encoded, _ := domain.EncodePayload(&domain.Payload{ID: 1, Action: domain.ActionInitiateChallenge, Token: "WRONG"})
				req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader(url.Values{PayloadField: {encoded}}.Encode()))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				req.Header.Set("X-Requested-With", "XMLHttpRequest")
				return req
			},
		},
		{
			name: "mismatched header token",
			req: func() *http.Request {
				encoded, _ := domain.EncodePayload(&domain.Payload{ID: 1, Action: domain.ActionInitiateChallenge, Token: token})
				req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader(url.Values{PayloadField: {encoded}}.Encode()))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				req.Header.Set("X-Requested-With", "XMLHttpRequest")
				req.Header.Set(security.TokenHeader, "OTHER")
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.req())
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "Invalid token format.")
		})
	}
}

func TestHandler_PassThrough(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{"plain get", func() *http.Request { return httptest.NewRequest(http.MethodGet, testPath, nil) }},
		{"non ajax post", func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader("payload=x"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return req
		}},
		{"ajax post without payload", func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader("other=1"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("X-Requested-With", "XMLHttpRequest")
			return req
		}},
		{"ajax get with payload", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, testPath+"?payload=x", nil)
			req.Header.Set("X-Requested-With", "XMLHttpRequest")
			return req
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.req())
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}

	rec := s.ajax(t, &domain.Payload{ID: 1, Action: domain.ActionNone})
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown actions fall through")
}

func TestHandler_SubmitRejections(t *testing.T) {
	s := newTestServer(t, true)
	token := s.token(t)

	rec := s.ajax(t, &domain.Payload{ID: 9, Action: domain.ActionInitiateChallenge, Token: token})
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name string
		form url.Values
		code int
	}{
		{"empty form", url.Values{}, domain.CodeEmptyForm},
		{"bad id", url.Values{usecase.FieldCaptchaID: {"x"}}, domain.CodeInvalidID},
		{"honeypot filled", url.Values{usecase.FieldCaptchaID: {"9"}, usecase.FieldHoneypot: {"bot"}}, domain.CodeHoneypot},
		{"wrong token", url.Values{usecase.FieldCaptchaID: {"9"}, usecase.FieldHoneypot: {""}, usecase.FieldToken: {"nope"}}, domain.CodeFormToken},
		{"no selection", url.Values{usecase.FieldCaptchaID: {"9"}, usecase.FieldHoneypot: {""}, usecase.FieldToken: {token}}, domain.CodeNoSelection},
		{"not completed", url.Values{usecase.FieldCaptchaID: {"9"}, usecase.FieldHoneypot: {""}, usecase.FieldToken: {token}, usecase.FieldSelection: {"10,10,320"}}, domain.CodeWrongIcon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := s.do(t, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var response SubmissionResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
			assert.Equal(t, tt.code, response.Code)
			assert.NotEmpty(t, response.Message)
		})
	}

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/submit", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSessionManager_Key(t *testing.T) {
	m := NewSessionManager(testCookie, time.Hour, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	key := m.Key(rec, req)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, key, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, 3600, cookies[0].MaxAge)

	assert.Equal(t, key, m.Key(httptest.NewRecorder(), req), "key is stable within a request")

	again := httptest.NewRequest(http.MethodGet, "/", nil)
	again.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	assert.Equal(t, key, m.Key(rec, again))
	assert.Empty(t, rec.Result().Cookies())

	forged := httptest.NewRequest(http.MethodGet, "/", nil)
	forged.AddCookie(&http.Cookie{Name: testCookie, Value: "../../etc"})
	assert.NotEqual(t, "../../etc", m.Key(httptest.NewRecorder(), forged))
}

func TestHandler_SubmitBlocksRepeatedFailures(t *testing.T) {
	generator, err := captcha.NewGenerator(captcha.GeneratorOptions{MinIcons: 5, MaxIcons: 8, AvailableIcons: 250}, captcha.NewRandomSource(5))
	require.NoError(t, err)
	uc := usecase.NewCaptchaUsecase(repository.NewInMemorySessionStore(time.Hour), generator, stubRenderer{},
		security.NewTokenGuard(false), &usecase.Config{
			Attempts: captcha.AttemptPolicy{MaxAttempts: 3, Timeout: 30 * time.Second},
			Messages: domain.DefaultMessages(),
			Themes:   domain.DefaultThemes(),
		})

	blocker := security.NewIPBlocker(nil, 2, time.Minute)
	mux := http.NewServeMux()
	NewHandler(uc, NewSessionManager(testCookie, time.Hour, false), WithIPBlocker(blocker)).Routes(mux, testPath)

	submit := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("captchaId=1"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, submit("198.51.100.7:1000").Code)
	assert.Equal(t, http.StatusBadRequest, submit("198.51.100.7:1001").Code)

	rec := submit("198.51.100.7:1002")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusBadRequest, submit("198.51.100.8:1000").Code, "other clients are unaffected")
}

func TestHandler_SuccessfulSubmitResetsFailures(t *testing.T) {
	blocker := security.NewIPBlocker(nil, 2, time.Minute)
	s := newTestServer(t, false, WithIPBlocker(blocker))
	ctx := context.Background()

	submit := func(form url.Values) int {
		req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return s.do(t, req).Code
	}
	invalid := url.Values{usecase.FieldCaptchaID: {"1"}}

	require.Equal(t, http.StatusBadRequest, submit(invalid))

	rec := s.ajax(t, &domain.Payload{ID: 1, Action: domain.ActionInitiateChallenge})
	require.Equal(t, http.StatusOK, rec.Code)
	x := correctX(s.challenge(t, 1), 320)
	rec = s.ajax(t, &domain.Payload{ID: 1, Action: domain.ActionSetSelectedIcon, X: intPtr(x), Y: intPtr(20), Width: intPtr(320)})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, submit(url.Values{
		usecase.FieldCaptchaID: {"1"},
		usecase.FieldSelection: {strconv.Itoa(x) + ",20,320"},
		usecase.FieldHoneypot:  {""},
	}))

	// The failure before the solved challenge no longer counts
	require.Equal(t, http.StatusBadRequest, submit(invalid))
	blocked, _ := blocker.IsBlocked(ctx, "192.0.2.1")
	assert.False(t, blocked)

	require.Equal(t, http.StatusBadRequest, submit(invalid))
	assert.Equal(t, http.StatusForbidden, submit(invalid))
}
