package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSMirror republishes run events on agentgate.runs.<run id> so other
// processes can follow runs without polling.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
}

func ConnectNATS(url string, log zerolog.Logger) (*NATSMirror, error) {
	nc, err := nats.Connect(url,
		nats.Name("agentgate"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSMirror{conn: nc, prefix: "agentgate.runs."}, nil
}

func (m *NATSMirror) Subject(runID string) string { return m.prefix + runID }

func (m *NATSMirror) Mirror(e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return m.conn.Publish(m.Subject(e.RunID), b)
}

func (m *NATSMirror) Close() {
	if m.conn != nil {
		_ = m.conn.Drain()
	}
}
