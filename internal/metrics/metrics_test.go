package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInitializeIsIdempotent(t *testing.T) {
	a := Initialize()
	b := Get()
	assert.Same(t, a, b)
}

func TestCountersIncrement(t *testing.T) {
	m := Get()

	before := testutil.ToFloat64(m.EventsPublished.WithLabelValues("posts", "created"))
	m.EventsPublished.WithLabelValues("posts", "created").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(m.EventsPublished.WithLabelValues("posts", "created")))

	m.SessionsActive.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SessionsActive))
}
