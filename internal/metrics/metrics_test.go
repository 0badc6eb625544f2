package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordFundOperation(t *testing.T) {
	before := testutil.ToFloat64(FundOperationsTotal.WithLabelValues("APPROVE", "success"))
	RecordFundOperation("APPROVE", "success", 0.2)
	assert.Equal(t, before+1, testutil.ToFloat64(FundOperationsTotal.WithLabelValues("APPROVE", "success")))
}

func TestRecordEvent(t *testing.T) {
	RecordEvent("FUND_RELEASED", true)
	RecordEvent("FUND_RELEASED", false)
	assert.GreaterOrEqual(t, testutil.ToFloat64(EventsPublishedTotal.WithLabelValues("FUND_RELEASED", "success")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(EventsPublishedTotal.WithLabelValues("FUND_RELEASED", "failed")), 1.0)
}

func TestGauges(t *testing.T) {
	UpdatePendingIntents(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(PendingIntentsGauge))

	UpdateNonce(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(CurrentNonce))

	UpdateGasPrice(12.5)
	assert.Equal(t, 12.5, testutil.ToFloat64(GasPriceGwei))

	UpdateChainHealth(true, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(ChainHealthy))
	assert.Equal(t, 2.0, testutil.ToFloat64(HealthyRPCEndpoints))
	UpdateChainHealth(false, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(ChainHealthy))

	UpdatePendingBroadcasts(4, 1)
	assert.Equal(t, 4.0, testutil.ToFloat64(PendingBroadcastsGauge.WithLabelValues("all")))
	assert.Equal(t, 1.0, testutil.ToFloat64(PendingBroadcastsGauge.WithLabelValues("stale")))
}

func TestRecordKafkaMessage(t *testing.T) {
	before := testutil.ToFloat64(KafkaMessagesTotal.WithLabelValues("fund-commands", "consumed"))
	RecordKafkaMessage("fund-commands", false)
	assert.Equal(t, before+1, testutil.ToFloat64(KafkaMessagesTotal.WithLabelValues("fund-commands", "consumed")))
}
