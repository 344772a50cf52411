package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimerObservesDuration(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDuration(SupervisionTickDuration)
	// observing into the histogram does not panic
	assert.NotNil(t, SupervisionTickDuration)
}

func TestHandlerServesMetrics(t *testing.T) {
	IsLeader.Set(1)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "agency_is_leader")
}
