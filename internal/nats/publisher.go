package nats

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Mirai3103/gradebuddy/internal/models"
)

const (
	DefaultResultSubject = "marking.result"
)

// Publisher announces submission outcomes on a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

func NewPublisher(nc *nats.Conn, subject string, logger zerolog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultResultSubject
	}
	return &Publisher{
		nc:      nc,
		subject: subject,
		logger:  logger.With().Str("component", "publisher").Logger(),
	}
}

func (p *Publisher) PublishOutcome(outcome models.Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		p.logger.Error().Err(err).Msg("Error marshalling outcome")
		return err
	}

	if err := p.nc.Publish(p.subject, data); err != nil {
		p.logger.Error().Err(err).Str("subject", p.subject).Msg("Error publishing outcome to NATS")
		return err
	}
	p.logger.Debug().Str("submission", outcome.Directory).Str("pass_id", outcome.PassID).
		Str("subject", p.subject).Msg("Published outcome")
	return nil
}
