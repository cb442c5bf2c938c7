package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockshare/backend/internal/v1/logging"
)

func newCorrelationRouter(captured *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CorrelationID())
	router.GET("/", func(c *gin.Context) {
		*captured = c.GetString(string(logging.CorrelationIDKey))
		c.Status(http.StatusOK)
	})
	return router
}

func TestCorrelationID_GeneratesWhenAbsent(t *testing.T) {
	var captured string
	router := newCorrelationRouter(&captured)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	router.ServeHTTP(w, req)

	header := w.Header().Get(HeaderXCorrelationID)
	require.NotEmpty(t, header)
	_, err := uuid.Parse(header)
	assert.NoError(t, err)
	assert.Equal(t, header, captured)
}

func TestCorrelationID_PropagatesExisting(t *testing.T) {
	var captured string
	router := newCorrelationRouter(&captured)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXCorrelationID, "req-12345")
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-12345", w.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "req-12345", captured)
}
