package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freightbay/freightbay/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("test-secret", "freightbay-test")
	require.NoError(t, err)
	return v
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := NewVerifier("", "")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestVerify(t *testing.T) {
	v := newVerifier(t)

	good, err := v.Issue("user_1", "carrier", time.Hour)
	require.NoError(t, err)

	expired, err := v.Issue("user_1", "", -time.Hour)
	require.NoError(t, err)

	other, err := NewVerifier("other-secret", "freightbay-test")
	require.NoError(t, err)
	wrongKey, err := other.Issue("user_1", "", time.Hour)
	require.NoError(t, err)

	otherIssuer, err := NewVerifier("test-secret", "someone-else")
	require.NoError(t, err)
	wrongIss, err := otherIssuer.Issue("user_1", "", time.Hour)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user_1", Issuer: "freightbay-test"},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user_1", Issuer: "freightbay-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	claims, err := v.Verify(good)
	require.NoError(t, err)
	assert.Equal(t, "user_1", claims.Subject)
	assert.Equal(t, "carrier", claims.Role)

	for name, tok := range map[string]string{
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIss,
		"no expiry":    noExp,
		"alg none":     noneAlg,
		"garbage":      "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func serve(v *Verifier, header string) (*httptest.ResponseRecorder, string, string) {
	var gotUser, gotLogUser string
	r := gin.New()
	r.Use(Middleware(v))
	r.GET("/me", RequireAuth(), func(c *gin.Context) {
		gotUser = GetAuthenticatedUser(c)
		gotLogUser = logging.UserID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)
	return w, gotUser, gotLogUser
}

func TestMiddleware_ValidToken_SetsContext(t *testing.T) {
	v := newVerifier(t)
	tok, err := v.Issue("user_42", "", time.Hour)
	require.NoError(t, err)

	w, user, logUser := serve(v, "Bearer "+tok)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "user_42", user)
	assert.Equal(t, "user_42", logUser)

	w, user, _ = serve(v, "bearer "+tok)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "user_42", user)
}

func TestRequireAuth_Rejects(t *testing.T) {
	v := newVerifier(t)
	tok, err := v.Issue("user_42", "", time.Hour)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":   "",
		"no scheme": tok,
		"bad token": "Bearer nope",
	} {
		t.Run(name, func(t *testing.T) {
			w, user, _ := serve(v, header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Empty(t, user)
			assert.Contains(t, w.Body.String(), "unauthorized")
		})
	}
}

func TestGetClaims(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := GetClaims(c)
	assert.False(t, ok)
	assert.False(t, IsAuthenticated(c))

	c.Set(ContextKeyClaims, &Claims{Role: "shipper"})
	c.Set(ContextKeyUserID, "u")
	claims, ok := GetClaims(c)
	require.True(t, ok)
	assert.Equal(t, "shipper", claims.Role)
	assert.True(t, IsAuthenticated(c))
}
