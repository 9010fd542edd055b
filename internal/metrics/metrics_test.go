package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	t.Run("KVOperationsTotal", func(t *testing.T) {
		KVOperationsTotal.WithLabelValues("try_join", "success").Inc()
		val := testutil.ToFloat64(KVOperationsTotal.WithLabelValues("try_join", "success"))
		if val < 1 {
			t.Errorf("expected KVOperationsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("KVOperationDuration", func(t *testing.T) {
		KVOperationDuration.WithLabelValues("try_join").Observe(0.01)
	})

	t.Run("MessagesRelayedTotal", func(t *testing.T) {
		MessagesRelayedTotal.WithLabelValues("app_msg").Inc()
		val := testutil.ToFloat64(MessagesRelayedTotal.WithLabelValues("app_msg"))
		if val < 1 {
			t.Errorf("expected MessagesRelayedTotal to be at least 1, got %v", val)
		}
	})

	t.Run("IncDecConnection", func(t *testing.T) {
		before := testutil.ToFloat64(ConnectionsActive)
		IncConnection()
		if got := testutil.ToFloat64(ConnectionsActive); got != before+1 {
			t.Errorf("expected ConnectionsActive to increase by 1, got %v", got)
		}
		DecConnection()
		if got := testutil.ToFloat64(ConnectionsActive); got != before {
			t.Errorf("expected ConnectionsActive to return to baseline, got %v", got)
		}
	})

	t.Run("SlowConsumerEvictionsTotal", func(t *testing.T) {
		before := testutil.ToFloat64(SlowConsumerEvictionsTotal)
		SlowConsumerEvictionsTotal.Inc()
		if got := testutil.ToFloat64(SlowConsumerEvictionsTotal); got != before+1 {
			t.Errorf("expected SlowConsumerEvictionsTotal to increase by 1, got %v", got)
		}
	})
}
