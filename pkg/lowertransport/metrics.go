package lowertransport

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the Prometheus instrumentation for one LowerTransport
// instance, grounded on the counters the teacher keeps for TCP segment
// loss/retransmission (pkg/vif/tcp/handler.go's packetsLost) and on
// runZeroInc-sockstats's per-socket counters.
type metrics struct {
	segmentsRx      prometheus.Counter
	segmentsTx      prometheus.Counter
	segmentsDropped *prometheus.CounterVec
	acksSent        prometheus.Counter
	acksReceived    prometheus.Counter
	retries         prometheus.Counter
	rxAckTimerFired prometheus.Counter
	incompleteFired prometheus.Counter
	txAckTimerFired prometheus.Counter
	messagesUp      prometheus.Counter
	sendsCompleted  *prometheus.CounterVec
	poolExhausted   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		segmentsRx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_segments_received_total",
			Help: "Lower transport segments accepted from the Network layer.",
		}),
		segmentsTx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_segments_sent_total",
			Help: "Lower transport segments handed to the Network layer.",
		}),
		segmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowertransport_segments_dropped_total",
			Help: "Inbound segments dropped, labeled by reason.",
		}, []string{"reason"}),
		acksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_acks_sent_total",
			Help: "Segment Acknowledgment messages sent.",
		}),
		acksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_acks_received_total",
			Help: "Segment Acknowledgment messages received for an outbound send.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_tx_retries_total",
			Help: "Segments retransmitted after a TX ack-timer expiry.",
		}),
		rxAckTimerFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_rx_ack_timer_fired_total",
			Help: "RX acknowledgment timer expirations.",
		}),
		incompleteFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_incomplete_timer_fired_total",
			Help: "RX incomplete timer expirations (message given up on).",
		}),
		txAckTimerFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_tx_ack_timer_fired_total",
			Help: "TX acknowledgment timer expirations.",
		}),
		messagesUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_messages_delivered_total",
			Help: "Reassembled or pass-through messages delivered to Upper Transport.",
		}),
		sendsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowertransport_sends_completed_total",
			Help: "Outbound segmented sends completed, labeled by status.",
		}, []string{"status"}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowertransport_pdu_pool_exhausted_total",
			Help: "Transport PDU allocations that failed due to pool exhaustion.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.segmentsRx, m.segmentsTx, m.segmentsDropped, m.acksSent, m.acksReceived,
			m.retries, m.rxAckTimerFired, m.incompleteFired, m.txAckTimerFired,
			m.messagesUp, m.sendsCompleted, m.poolExhausted,
		)
	}
	return m
}
