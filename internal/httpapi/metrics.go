package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricsHandler serves /metrics (§6): Prometheus text format by default,
// a flattened JSON document when the client asks for application/json.
func MetricsHandler() gin.HandlerFunc {
	prom := gin.WrapH(promhttp.Handler())

	return func(c *gin.Context) {
		if strings.Contains(c.GetHeader("Accept"), "application/json") {
			serveJSON(c)
			return
		}
		prom(c)
	}
}

type jsonSample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

func serveJSON(c *gin.Context) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to gather metrics"})
		return
	}

	out := make(map[string][]jsonSample, len(families))
	for _, mf := range families {
		samples := make([]jsonSample, 0, len(mf.GetMetric()))
		for _, m := range mf.GetMetric() {
			samples = append(samples, jsonSample{
				Labels: labelMap(m.GetLabel()),
				Value:  metricValue(mf.GetType(), m),
			})
		}
		out[mf.GetName()] = samples
	}

	c.JSON(http.StatusOK, out)
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return m.GetHistogram().GetSampleSum()
	case dto.MetricType_SUMMARY:
		return m.GetSummary().GetSampleSum()
	default:
		return 0
	}
}
