package server

import (
	"fmt"
	"io"

	vmetrics "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/ValentinKolb/dRPC/lib/util"
	"github.com/ValentinKolb/dRPC/rpc/common"
)

// serviceMetrics are the Prometheus counters of a service
type serviceMetrics struct {
	set *vmetrics.Set

	requests        *vmetrics.Counter
	malformed       *vmetrics.Counter
	replies         *vmetrics.Counter
	errorReplies    *vmetrics.Counter
	difficult       *vmetrics.Counter
	retiredAck      *vmetrics.Counter
	retiredCommit   *vmetrics.Counter
	retiredTimeout  *vmetrics.Counter
	probes          *vmetrics.Counter
	bufferFailures  *vmetrics.Counter
	duplicates      *vmetrics.Counter
	requestDuration *vmetrics.Histogram
}

func newServiceMetrics(s *Service) *serviceMetrics {
	set := common.NewMetricSet()
	labels := []string{"service", s.cfg.Name, "nid", s.ni.Self().NID}
	name := func(base string) string {
		return common.MetricName(base, labels...)
	}
	m := &serviceMetrics{
		set:             set,
		requests:        set.NewCounter(name("drpc_service_requests_total")),
		malformed:       set.NewCounter(name("drpc_service_malformed_requests_total")),
		replies:         set.NewCounter(name("drpc_service_replies_total")),
		errorReplies:    set.NewCounter(name("drpc_service_error_replies_total")),
		difficult:       set.NewCounter(name("drpc_service_difficult_replies_total")),
		retiredAck:      set.NewCounter(name("drpc_service_replies_acked_total")),
		retiredCommit:   set.NewCounter(name("drpc_service_replies_committed_total")),
		retiredTimeout:  set.NewCounter(name("drpc_service_replies_abandoned_total")),
		probes:          set.NewCounter(name("drpc_service_ack_probes_total")),
		bufferFailures:  set.NewCounter(name("drpc_service_buffer_allocation_failures_total")),
		duplicates:      set.NewCounter(name("drpc_service_duplicate_requests_total")),
		requestDuration: set.NewHistogram(name("drpc_service_request_duration_seconds")),
	}
	set.NewGauge(name("drpc_service_queue_depth"), func() float64 {
		return float64(s.QueueDepth())
	})
	set.NewGauge(name("drpc_service_request_buffers"), func() float64 {
		total, _ := s.Buffers()
		return float64(total)
	})
	set.NewGauge(name("drpc_service_difficult_outstanding"), func() float64 {
		return float64(s.DifficultReplies())
	})
	return m
}

func (m *serviceMetrics) release() {
	common.ReleaseMetricSet(m.set)
}

// serviceStats are the lprocfs style statistics of a service
type serviceStats struct {
	registry gometrics.Registry
	waittime gometrics.Histogram // microseconds between arrival and dispatch
	qdepth   gometrics.Histogram // queue depth seen by arriving requests
	active   gometrics.Histogram // busy workers seen by dispatched requests
	timeouts gometrics.Counter
	sizes    *util.SizeHistogram
}

func newServiceStats(s *Service) *serviceStats {
	r := common.NewStatsRegistry(fmt.Sprintf("%s@%s.", s.cfg.Name, s.ni.Self().NID))
	sample := func() gometrics.Sample { return gometrics.NewExpDecaySample(1028, 0.015) }
	return &serviceStats{
		registry: r,
		waittime: gometrics.GetOrRegisterHistogram("req_waittime", r, sample()),
		qdepth:   gometrics.GetOrRegisterHistogram("req_qdepth", r, sample()),
		active:   gometrics.GetOrRegisterHistogram("req_active", r, sample()),
		timeouts: gometrics.GetOrRegisterCounter("req_timeouts", r),
		sizes:    util.NewSizeHistogram(),
	}
}

// Stats writes the statistics of the service to w
func (s *Service) Stats(w io.Writer) {
	total, posted := s.Buffers()
	fmt.Fprintf(w, "%-24s %s\n", "service", s.cfg.Name)
	fmt.Fprintf(w, "%-24s %d/%d\n", "req_buffers", posted, total)
	fmt.Fprintf(w, "%-24s %d\n", "req_queued", s.QueueDepth())
	fmt.Fprintf(w, "%-24s %d\n", "difficult_replies", s.DifficultReplies())
	fmt.Fprintf(w, "%-24s %d\n", "last_committed", s.LastCommitted())
	common.WriteStats(w, s.stats.registry)
	fmt.Fprintf(w, "%-24s %s\n", "req_size", s.stats.sizes)
}
