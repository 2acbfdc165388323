package hub

import (
	"time"

	"go.uber.org/zap"

	"github.com/spk364/procomp/internal/protocol"
	"github.com/spk364/procomp/pkg/json"
)

// dispatch consumes one channel's bus subscription and delivers each frame
// to every local subscriber. A single goroutine per channel guarantees that
// all surviving connections observe frames in bus order; per-connection
// delivery is best effort via the bounded send queue.
func (h *Hub) dispatch(cs *channelState) {
	for msg := range cs.sub.Messages() {
		h.metrics.PubSubBacklog.WithLabelValues(cs.name).Set(float64(cs.sub.Backlog()))

		var frame protocol.Frame
		if err := json.Unmarshal(msg.Payload, &frame); err != nil {
			h.log.Warn("dropping undecodable bus frame",
				zap.String("channel", cs.name), zap.Error(err))
			continue
		}
		if !frame.Timestamp.IsZero() {
			h.metrics.BroadcastLatencyMS.Observe(float64(time.Since(frame.Timestamp)) / float64(time.Millisecond))
		}

		// The ticker resyncs its in-memory countdown from authoritative
		// updates flowing through the channel.
		if cs.ticker != nil && frame.Type == protocol.TypeMatchUpdate {
			var data protocol.MatchUpdateData
			if err := json.Unmarshal(frame.Data, &data); err == nil && data.Match != nil {
				cs.ticker.observe(observation{
					state:     data.Match.State,
					remaining: data.Match.TimeRemainingSeconds,
					version:   data.Match.Version,
				})
			}
		}

		h.mu.RLock()
		conns := make([]*Conn, 0, len(cs.conns))
		for _, c := range cs.conns {
			conns = append(conns, c)
		}
		h.mu.RUnlock()

		for _, c := range conns {
			if c.enqueue(msg.Payload) {
				h.metrics.MessagesBroadcasted.Inc()
			}
		}
	}
}
