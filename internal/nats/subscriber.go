package nats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Mirai3103/gradebuddy/internal/models"
)

const (
	DefaultRemarkSubject = "marking.remark"
	DefaultQueueGroup    = "gradebuddy"
)

// RemarkRequest asks for one submission to be marked again.
type RemarkRequest struct {
	Directory string `json:"directory"`
}

// RemarkReply is sent back for every request. Error is set when the
// submission could not be re-marked at all.
type RemarkReply struct {
	Outcome *models.Outcome `json:"outcome,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RemarkProcessor re-marks a single submission. *worker.Coordinator implements it.
type RemarkProcessor interface {
	Remark(ctx context.Context, dir string) (models.Outcome, error)
}

type Subscriber struct {
	nc         *nats.Conn
	processor  RemarkProcessor
	subject    string
	queueGroup string
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewSubscriber builds a subscriber; timeout bounds each re-mark and <= 0 means none.
func NewSubscriber(nc *nats.Conn, processor RemarkProcessor, subject, queueGroup string, timeout time.Duration, logger zerolog.Logger) *Subscriber {
	if subject == "" {
		subject = DefaultRemarkSubject
	}
	if queueGroup == "" {
		queueGroup = DefaultQueueGroup
	}
	return &Subscriber{
		nc:         nc,
		processor:  processor,
		subject:    subject,
		queueGroup: queueGroup,
		timeout:    timeout,
		logger:     logger.With().Str("component", "subscriber").Logger(),
	}
}

// SubscribeToRemarks serves re-mark requests until the subscription is drained.
// Requests are handled one at a time, in arrival order.
func (s *Subscriber) SubscribeToRemarks() (*nats.Subscription, error) {
	subscription, err := s.nc.QueueSubscribe(s.subject, s.queueGroup, func(msg *nats.Msg) {
		s.logger.Debug().Str("subject", msg.Subject).Str("queue", s.queueGroup).Msg("Received re-mark request")
		var req RemarkRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Directory == "" {
			s.logger.Error().Err(err).Bytes("data", msg.Data).Msg("Error unmarshalling re-mark request")
			s.respond(msg, RemarkReply{Error: "invalid re-mark request"})
			return
		}

		ctx := context.Background()
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		outcome, err := s.processor.Remark(ctx, req.Directory)
		if err != nil {
			s.logger.Warn().Err(err).Str("submission", req.Directory).Msg("Re-mark rejected")
			s.respond(msg, RemarkReply{Error: err.Error()})
			return
		}
		s.respond(msg, RemarkReply{Outcome: &outcome})
	})

	if err != nil {
		s.logger.Error().Err(err).Str("subject", s.subject).Msg("Error subscribing to NATS subject")
		return nil, err
	}

	s.logger.Info().Str("subject", s.subject).Str("queue", s.queueGroup).Msg("Subscribed to re-mark requests")
	return subscription, nil
}

func (s *Subscriber) respond(msg *nats.Msg, reply RemarkReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error marshalling re-mark reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error().Err(err).Msg("Error sending re-mark reply")
	}
}
