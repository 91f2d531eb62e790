package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRegistered(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues("buy", "ok"))
	OperationsTotal.WithLabelValues("buy", "ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("buy", "ok")))

	PayoutsTotal.WithLabelValues(PayoutPrize).Add(5)
	assert.GreaterOrEqual(t, testutil.ToFloat64(PayoutsTotal.WithLabelValues(PayoutPrize)), float64(5))

	CurrentRound.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(CurrentRound))
}
