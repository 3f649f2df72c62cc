package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type fakeUsers map[int64]bool

func (f fakeUsers) UserExists(_ context.Context, id int64) (bool, error) {
	return f[id], nil
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := NewToken(secret, 42, 5)
	require.NoError(t, err)

	claims, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserId)

	_, err = ParseToken("other", tok)
	assert.Error(t, err)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	tok, err := newTokenAt(secret, 1, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = ParseToken(secret, tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTVerifier(t *testing.T) {
	v := JWTVerifier{Secret: secret, Users: fakeUsers{7: true}}

	tok, err := NewToken(secret, 7, 5)
	require.NoError(t, err)
	id, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.UserID)

	gone, err := NewToken(secret, 8, 5)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), gone)
	assert.True(t, errors.Is(err, errors.Unauthorized))

	_, err = v.Verify(context.Background(), "garbage")
	assert.True(t, errors.Is(err, errors.Unauthorized))

	_, err = v.Verify(context.Background(), "")
	assert.True(t, errors.Is(err, errors.Unauthorized))
}

func TestJWTMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWTMiddleware(JWTVerifier{Secret: secret}), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": MustUserID(c)})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := NewToken(secret, 3, 5)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":3}`, w.Body.String())
}
