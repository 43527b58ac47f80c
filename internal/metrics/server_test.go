package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/outpostnet/bondtun/internal/stats"
)

func TestHandleHealthzReportsUnavailableBeforeEitherHalfIsReady(t *testing.T) {
	s := &Server{stats: stats.New()}

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHealthzReportsOKOnceOneHalfIsReady(t *testing.T) {
	st := stats.New()
	st.SendReady.Store(true)
	s := &Server{stats: st}

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthzOKWithNilStats(t *testing.T) {
	s := &Server{}

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
