package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	probesSent        atomic.Int64
	probeFailures     atomic.Int64
	reconnects        atomic.Int64
	envelopesReceived atomic.Int64
	envelopesDropped  atomic.Int64
	forwardsDelivered atomic.Int64
	forwardRetries    atomic.Int64
	forwardsAbandoned atomic.Int64
	outboundWritten   atomic.Int64
	outboundQueued    atomic.Int64
	connected         atomic.Int64
	transitions       sync.Map
	deliveries        sync.Map
}

type transitionStats struct {
	count    atomic.Int64
	failures atomic.Int64
}

type deliveryStats struct {
	count         atomic.Int64
	durationNanos atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncProbeSent() {
	if r == nil {
		return
	}
	r.probesSent.Add(1)
}

func (r *Registry) IncProbeFailure() {
	if r == nil {
		return
	}
	r.probeFailures.Add(1)
}

func (r *Registry) IncReconnect() {
	if r == nil {
		return
	}
	r.reconnects.Add(1)
}

func (r *Registry) IncEnvelopeReceived() {
	if r == nil {
		return
	}
	r.envelopesReceived.Add(1)
}

func (r *Registry) IncEnvelopeDropped() {
	if r == nil {
		return
	}
	r.envelopesDropped.Add(1)
}

func (r *Registry) IncForwardRetry() {
	if r == nil {
		return
	}
	r.forwardRetries.Add(1)
}

func (r *Registry) IncForwardAbandoned() {
	if r == nil {
		return
	}
	r.forwardsAbandoned.Add(1)
}

func (r *Registry) IncOutboundWritten() {
	if r == nil {
		return
	}
	r.outboundWritten.Add(1)
}

func (r *Registry) SetOutboundQueued(depth int) {
	if r == nil {
		return
	}
	r.outboundQueued.Store(int64(depth))
}

func (r *Registry) SetConnected(connected bool) {
	if r == nil {
		return
	}
	if connected {
		r.connected.Store(1)
		return
	}
	r.connected.Store(0)
}

// RecordForward records one successful delivery to the agent along with the
// time it spent queued.
func (r *Registry) RecordForward(sink string, duration time.Duration) {
	if r == nil {
		return
	}
	r.forwardsDelivered.Add(1)
	if strings.TrimSpace(sink) == "" {
		sink = "unknown"
	}
	stats := r.deliveryStats(sink)
	stats.count.Add(1)
	stats.durationNanos.Add(duration.Nanoseconds())
}

// RecordTransition counts a state machine step. machine is "connection" or
// "mediation"; state is the state the record ended in.
func (r *Registry) RecordTransition(machine, state string, err error) {
	if r == nil {
		return
	}
	if strings.TrimSpace(machine) == "" {
		machine = "unknown"
	}
	stats := r.transitionStats(machine + "\x00" + state)
	stats.count.Add(1)
	if err != nil {
		stats.failures.Add(1)
	}
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "edgerelay_probes_sent_total", "Liveness probes sent to the mediator", r.probesSent.Load())
	writeCounter(writer, "edgerelay_probe_failures_total", "Liveness probes that could not be written", r.probeFailures.Load())
	writeCounter(writer, "edgerelay_reconnects_total", "Relay session reconnects", r.reconnects.Load())
	writeCounter(writer, "edgerelay_envelopes_received_total", "Envelopes read from the mediator session", r.envelopesReceived.Load())
	writeCounter(writer, "edgerelay_envelopes_dropped_total", "Envelopes dropped after codec failures", r.envelopesDropped.Load())
	writeCounter(writer, "edgerelay_forwards_delivered_total", "Forwarded messages delivered to the agent", r.forwardsDelivered.Load())
	writeCounter(writer, "edgerelay_forward_retries_total", "Forward delivery attempts that were requeued", r.forwardRetries.Load())
	writeCounter(writer, "edgerelay_forwards_abandoned_total", "Forwarded messages dropped after max attempts", r.forwardsAbandoned.Load())
	writeCounter(writer, "edgerelay_outbound_written_total", "Outbound messages written to the mediator", r.outboundWritten.Load())
	writeGauge(writer, "edgerelay_outbound_queue_depth", "Outbound messages waiting for a session", r.outboundQueued.Load())
	writeGauge(writer, "edgerelay_session_connected", "Whether a relay session is connected", r.connected.Load())

	writeHelp(writer, "edgerelay_forward_duration_seconds", "Time from receipt to agent delivery")
	fmt.Fprintln(writer, "# TYPE edgerelay_forward_duration_seconds summary")
	sinks := keys(&r.deliveries)
	for _, sink := range sinks {
		stats := r.deliveryStats(sink)
		label := formatLabel(sink)
		seconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "edgerelay_forward_duration_seconds_sum{sink=%s} %.6f\n", label, seconds)
		fmt.Fprintf(writer, "edgerelay_forward_duration_seconds_count{sink=%s} %d\n", label, stats.count.Load())
	}

	writeHelp(writer, "edgerelay_transitions_total", "State machine transitions by resulting state")
	fmt.Fprintln(writer, "# TYPE edgerelay_transitions_total counter")
	writeHelp(writer, "edgerelay_transition_failures_total", "Rejected state machine inputs")
	fmt.Fprintln(writer, "# TYPE edgerelay_transition_failures_total counter")
	for _, key := range keys(&r.transitions) {
		stats := r.transitionStats(key)
		machine, state, _ := strings.Cut(key, "\x00")
		labels := fmt.Sprintf("machine=%s,state=%s", formatLabel(machine), formatLabel(state))
		fmt.Fprintf(writer, "edgerelay_transitions_total{%s} %d\n", labels, stats.count.Load())
		fmt.Fprintf(writer, "edgerelay_transition_failures_total{%s} %d\n", labels, stats.failures.Load())
	}

	return nil
}

func (r *Registry) transitionStats(key string) *transitionStats {
	value, _ := r.transitions.LoadOrStore(key, &transitionStats{})
	return value.(*transitionStats)
}

func (r *Registry) deliveryStats(sink string) *deliveryStats {
	value, _ := r.deliveries.LoadOrStore(sink, &deliveryStats{})
	return value.(*deliveryStats)
}

func keys(m *sync.Map) []string {
	var names []string
	m.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
