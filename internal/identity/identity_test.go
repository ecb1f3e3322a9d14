package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, req *http.Request) (userID, sessionID string, rec *httptest.ResponseRecorder) {
	t.Helper()
	rec = httptest.NewRecorder()
	Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
	})).ServeHTTP(rec, req)
	return userID, sessionID, rec
}

func TestMiddlewareMintsAnonID(t *testing.T) {
	userID, sessionID, rec := capture(t, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	assert.Regexp(t, `^anon_[a-f0-9]{32}$`, userID)
	assert.Equal(t, DefaultSessionIDValue, sessionID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.Equal(t, userID, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}

func TestMiddlewareReusesCookie(t *testing.T) {
	const id = "anon_0123456789abcdef0123456789abcdef"
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	req.Header.Set(SessionHeaderName, "tab-7")

	userID, sessionID, _ := capture(t, req)
	assert.Equal(t, id, userID)
	assert.Equal(t, "tab-7", sessionID)
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/me?session_id=bad%20id", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "U_SLACK_USER"})

	userID, sessionID, _ := capture(t, req)
	assert.NotEqual(t, "U_SLACK_USER", userID)
	assert.Regexp(t, `^anon_`, userID)
	assert.Equal(t, DefaultSessionIDValue, sessionID)
}

func TestContextDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, UserIDFromContext(req.Context()))
	assert.Equal(t, DefaultSessionIDValue, SessionIDFromContext(req.Context()))
	assert.Equal(t, "U1", UserIDFromContext(WithUserID(req.Context(), "U1")))
}
