package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// Submitter accepts decoded events.
type Submitter interface {
	Submit(ctx context.Context, ev ir.ChangeEvent) error
}

// ZMQSource subscribes to a ZeroMQ PUB endpoint and submits every event
// it receives. Messages are multipart: a topic frame followed by a
// msgpack-encoded WireEvent in the last frame.
type ZMQSource struct {
	endpoint string
	topic    string
	poll     time.Duration
	sink     Submitter
	logger   *slog.Logger
}

// NewZMQSource creates a source for endpoint. An empty topic subscribes
// to everything.
func NewZMQSource(endpoint, topic string, sink Submitter, logger *slog.Logger) *ZMQSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZMQSource{
		endpoint: endpoint,
		topic:    topic,
		poll:     250 * time.Millisecond,
		sink:     sink,
		logger:   logger.With("source", "zmq", "endpoint", endpoint),
	}
}

// Run receives until ctx is cancelled. Receive errors other than the poll
// timeout are logged and the loop continues.
func (s *ZMQSource) Run(ctx context.Context) error {
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return fmt.Errorf("zmq socket: %w", err)
	}
	defer sub.Close()

	if err := sub.SetLinger(0); err != nil {
		return fmt.Errorf("zmq linger: %w", err)
	}
	if err := sub.SetRcvtimeo(s.poll); err != nil {
		return fmt.Errorf("zmq rcvtimeo: %w", err)
	}
	if err := sub.Connect(s.endpoint); err != nil {
		return fmt.Errorf("zmq connect %s: %w", s.endpoint, err)
	}
	if err := sub.SetSubscribe(s.topic); err != nil {
		return fmt.Errorf("zmq subscribe %q: %w", s.topic, err)
	}
	s.logger.Info("zmq source connected", "topic", s.topic)

	for {
		if ctx.Err() != nil {
			return nil
		}
		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			s.logger.Warn("zmq receive failed", "error", err)
			continue
		}
		if err := s.handleFrame(ctx, parts); err != nil {
			s.logger.Warn("zmq message dropped", "error", err)
		}
	}
}

// handleFrame decodes and submits one multipart message.
func (s *ZMQSource) handleFrame(ctx context.Context, parts [][]byte) error {
	if len(parts) == 0 {
		return errors.New("empty message")
	}
	if len(parts) > 1 && s.topic != "" && !strings.HasPrefix(string(parts[0]), s.topic) {
		return fmt.Errorf("unexpected topic %q", parts[0])
	}

	wire, err := DecodeEvent(Msgpack, parts[len(parts)-1])
	if err != nil {
		return err
	}
	ev, err := wire.ToEvent()
	if err != nil {
		return fmt.Errorf("event %s: %w", wire.EventID, err)
	}
	if ev.Source == "" {
		ev.Source = "zmq"
	}
	if err := s.sink.Submit(ctx, ev); err != nil {
		return fmt.Errorf("submit %s: %w", ev.RecordID, err)
	}
	return nil
}
