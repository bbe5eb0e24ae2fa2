package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Recovery(zap.NewNop()))
	r.Use(mw...)
	r.GET("/x", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(UserIDKey))
	})
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	return r
}

func do(r http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	r := newEngine(AuthRequired("s3cret"))

	tok, err := SignToken("user-7", "s3cret", time.Hour)
	require.NoError(t, err)
	w := do(r, "/x", map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-7", w.Body.String())

	w = do(r, "/x", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad, err := SignToken("user-7", "other", time.Hour)
	require.NoError(t, err)
	w = do(r, "/x", map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := SignToken("user-7", "s3cret", -time.Minute)
	require.NoError(t, err)
	w = do(r, "/x", map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWorkerSecret(t *testing.T) {
	r := newEngine(WorkerSecret("w"))

	assert.Equal(t, http.StatusOK, do(r, "/x", map[string]string{"X-Worker-Secret": "w"}).Code)
	assert.Equal(t, http.StatusOK, do(r, "/x", map[string]string{"Authorization": "Bearer w"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/x", map[string]string{"X-Worker-Secret": "nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/x", nil).Code)

	unconfigured := newEngine(WorkerSecret(""))
	assert.Equal(t, http.StatusInternalServerError, do(unconfigured, "/x", map[string]string{"X-Worker-Secret": ""}).Code)
}

func TestRequestIDAndRecovery(t *testing.T) {
	r := newEngine()

	w := do(r, "/x", map[string]string{RequestIDHeader: "abc"})
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))

	w = do(r, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Contains(t, w.Body.String(), `"code":50000`)
}
