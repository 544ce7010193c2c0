package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// messages into the command loop via msgChan. NATS JetStream is the
// primary ingestion surface; each subject class maps to a command kind.
type NATSSubscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawMessage is a received-but-unparsed message, ready for the shell to
// validate and convert into a Command before handing to the engine.
type RawMessage struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command kinds.
type SubjectConfig struct {
	Subject      string
	Kind         CommandKind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "vault.actions.deposit.initiate", Kind: CmdInitiateDeposit, ConsumerName: "vault-deposit-init", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.deposit.validate", Kind: CmdValidateDeposit, ConsumerName: "vault-deposit-validate", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.withdrawal.initiate", Kind: CmdInitiateWithdrawal, ConsumerName: "vault-withdrawal-init", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.withdrawal.validate", Kind: CmdValidateWithdrawal, ConsumerName: "vault-withdrawal-validate", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.open.initiate", Kind: CmdInitiateOpen, ConsumerName: "vault-open-init", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.open.validate", Kind: CmdValidateOpen, ConsumerName: "vault-open-validate", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.close.initiate", Kind: CmdInitiateClose, ConsumerName: "vault-close-init", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.close.validate", Kind: CmdValidateClose, ConsumerName: "vault-close-validate", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.settle", Kind: CmdValidateActionable, ConsumerName: "vault-settle", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.refund", Kind: CmdRefundDeposit, ConsumerName: "vault-refund", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.actions.transfer", Kind: CmdTransferOwnership, ConsumerName: "vault-transfer", StreamName: "VAULT_ACTIONS"},
		{Subject: "vault.liquidation.sweep", Kind: CmdLiquidate, ConsumerName: "vault-liquidate", StreamName: "VAULT_LIQUIDATION"},
		{Subject: "vault.prices.>", Kind: CmdPriceUpdate, ConsumerName: "vault-prices", StreamName: "VAULT_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		msgChan: msgChan,
		log:     log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.msgChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "VAULT_ACTIONS",
			Subjects:  []string{"vault.actions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_LIQUIDATION",
			Subjects:  []string{"vault.liquidation.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "VAULT_PRICES",
			Subjects:  []string{"vault.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
