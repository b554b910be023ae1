package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	vcrypto "github.com/uhyunpark/veil/pkg/crypto"
)

// LogExecutor signs (when a key is configured) and logs instructions. It is
// the default when no broker is configured.
type LogExecutor struct {
	signer *vcrypto.Signer
	log    *zap.SugaredLogger
}

func NewLogExecutor(signer *vcrypto.Signer, log *zap.SugaredLogger) *LogExecutor {
	return &LogExecutor{signer: signer, log: log}
}

func (e *LogExecutor) Execute(ctx context.Context, instr Instruction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.signer != nil {
		if err := instr.Sign(e.signer); err != nil {
			return err
		}
	}
	e.log.Infow("settlement_instruction",
		"round", instr.RoundID,
		"asset", instr.Asset,
		"price", instr.ClearingPrice,
		"volume", instr.Volume,
		"notional", instr.QuoteNotional,
		"signer", instr.Signer.Hex(),
	)
	return nil
}

// KafkaExecutor publishes signed instructions to a topic, keyed by round id
// so a consumer sees each round on one partition.
type KafkaExecutor struct {
	producer sarama.SyncProducer
	topic    string
	signer   *vcrypto.Signer
	log      *zap.SugaredLogger
}

func NewKafkaExecutor(brokers []string, topic string, signer *vcrypto.Signer, log *zap.SugaredLogger) (*KafkaExecutor, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaExecutorWithProducer(producer, topic, signer, log), nil
}

func NewKafkaExecutorWithProducer(producer sarama.SyncProducer, topic string, signer *vcrypto.Signer, log *zap.SugaredLogger) *KafkaExecutor {
	return &KafkaExecutor{producer: producer, topic: topic, signer: signer, log: log}
}

func (e *KafkaExecutor) Execute(ctx context.Context, instr Instruction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.signer != nil {
		if err := instr.Sign(e.signer); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(instr)
	if err != nil {
		return fmt.Errorf("marshal instruction: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: e.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(instr.RoundID, 10)),
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := e.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish round %d: %w", instr.RoundID, err)
	}
	e.log.Infow("settlement_published", "round", instr.RoundID, "topic", e.topic, "partition", partition, "offset", offset)
	return nil
}

func (e *KafkaExecutor) Close() error { return e.producer.Close() }

var (
	_ Executor = (*LogExecutor)(nil)
	_ Executor = (*KafkaExecutor)(nil)
)
