package client

import (
	vmetrics "github.com/VictoriaMetrics/metrics"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// clientMetrics are the Prometheus counters of one client
type clientMetrics struct {
	set *vmetrics.Set

	sent         *vmetrics.Counter
	resent       *vmetrics.Counter
	completed    *vmetrics.Counter
	failed       *vmetrics.Counter
	staleReplies *vmetrics.Counter
	timeouts     *vmetrics.Counter
	netErrors    *vmetrics.Counter
	allocFailed  *vmetrics.Counter
	recoveries   *vmetrics.Counter
	replays      *vmetrics.Counter
	acks         *vmetrics.Counter
	latency      *vmetrics.Histogram
}

func newClientMetrics(uuid string) *clientMetrics {
	s := common.NewMetricSet()
	name := func(base string) string {
		return common.MetricName(base, "client", uuid)
	}
	return &clientMetrics{
		set:          s,
		sent:         s.NewCounter(name("drpc_client_requests_sent_total")),
		resent:       s.NewCounter(name("drpc_client_requests_resent_total")),
		completed:    s.NewCounter(name("drpc_client_requests_completed_total")),
		failed:       s.NewCounter(name("drpc_client_requests_failed_total")),
		staleReplies: s.NewCounter(name("drpc_client_stale_replies_total")),
		timeouts:     s.NewCounter(name("drpc_client_timeouts_total")),
		netErrors:    s.NewCounter(name("drpc_client_network_errors_total")),
		allocFailed:  s.NewCounter(name("drpc_client_allocation_failures_total")),
		recoveries:   s.NewCounter(name("drpc_client_recoveries_total")),
		replays:      s.NewCounter(name("drpc_client_replays_total")),
		acks:         s.NewCounter(name("drpc_client_reply_acks_total")),
		latency:      s.NewHistogram(name("drpc_client_request_duration_seconds")),
	}
}

func (m *clientMetrics) release() {
	common.ReleaseMetricSet(m.set)
}
