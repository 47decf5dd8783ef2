package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/chain-crawler/internal/errors"
	"github.com/chain-crawler/internal/job"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/models"
	"github.com/chain-crawler/internal/retry"
	"github.com/chain-crawler/internal/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// messageField is the stream entry field holding the transaction JSON
const messageField = "element"

// TransactionWriter persists ingested transactions
type TransactionWriter interface {
	Insert(ctx context.Context, tx *models.Transaction) error
}

// IngestorConfig holds the stream ingestor settings
type IngestorConfig struct {
	Stream       string
	Group        string
	Consumer     string // defaults to a random name per process
	PollInterval time.Duration
	MinIdle      time.Duration
	BatchSize    int64
	RepeatLimit  int
	Retry        *retry.RetryConfig
	Logger       *logging.Logger
}

// TransactionIngestor reads the transaction stream through a consumer group.
// A message is acknowledged only after it was stored, so a failed or
// interrupted insert leaves it pending until a later poll reclaims it.
// Redelivered messages are inserted again.
type TransactionIngestor struct {
	client redis.UniversalClient
	store  TransactionWriter
	cfg    IngestorConfig
	logger *logging.Logger
}

// NewTransactionIngestor creates an ingestor with one consumer identity for its lifetime
func NewTransactionIngestor(client redis.UniversalClient, store TransactionWriter, cfg IngestorConfig) *TransactionIngestor {
	if cfg.Consumer == "" {
		cfg.Consumer = "crawler-" + uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &TransactionIngestor{
		client: client,
		store:  store,
		cfg:    cfg,
		logger: logger.WithComponent("stream-ingestor").WithFields(map[string]interface{}{
			"stream":   cfg.Stream,
			"group":    cfg.Group,
			"consumer": cfg.Consumer,
		}),
	}
}

// Consumer returns the consumer name used against the group
func (i *TransactionIngestor) Consumer() string {
	return i.cfg.Consumer
}

// Bootstrap creates the stream and its consumer group reading from the
// beginning of history. An existing group is left as is.
func (i *TransactionIngestor) Bootstrap(ctx context.Context) error {
	err := retry.Do(logging.WithLogger(ctx, i.logger), i.cfg.Retry, func(ctx context.Context, attempt int) error {
		err := i.client.XGroupCreateMkStream(ctx, i.cfg.Stream, i.cfg.Group, "0-0").Err()
		if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	})
	if err != nil {
		return apperrors.NewStreamError("create consumer group", err)
	}
	return nil
}

// Schedule creates the repeating handle.transaction job driving Poll
func (i *TransactionIngestor) Schedule(ctx context.Context, jobs JobScheduler) error {
	opts := job.Options{
		Repeat: &job.Repeat{
			EveryMillis: i.cfg.PollInterval.Milliseconds(),
			Limit:       i.cfg.RepeatLimit,
		},
		RemoveOnComplete: true,
	}
	payload := map[string]string{"stream": i.cfg.Stream, "group": i.cfg.Group}
	if _, err := jobs.CreateJob(ctx, types.QueueHandleTransaction, payload, opts); err != nil {
		return fmt.Errorf("failed to schedule stream ingestion: %w", err)
	}
	return nil
}

// Handle is the processor of handle.transaction
func (i *TransactionIngestor) Handle(ctx context.Context, j *job.Job) error {
	_, err := i.Poll(ctx)
	return err
}

// Poll runs one cycle: messages pending longer than MinIdle are reclaimed
// first; only when there are none are new messages read. It returns the
// number of messages stored and acknowledged.
func (i *TransactionIngestor) Poll(ctx context.Context) (int, error) {
	messages, err := i.reclaim(ctx)
	if err != nil {
		return 0, err
	}
	if len(messages) > 0 {
		streamMessages.WithLabelValues("reclaimed").Add(float64(len(messages)))
	} else {
		messages, err = i.read(ctx)
		if err != nil {
			return 0, err
		}
		streamMessages.WithLabelValues("delivered").Add(float64(len(messages)))
	}

	handled := 0
	var pending []string
	for _, msg := range messages {
		if err := i.handle(ctx, msg); err != nil {
			streamMessages.WithLabelValues("pending").Inc()
			i.logger.WithError(err).WithField("messageId", msg.ID).Error("message left pending")
			pending = append(pending, msg.ID)
			continue
		}
		handled++
	}

	if len(pending) > 0 {
		return handled, fmt.Errorf("%d of %d messages left pending: %s", len(pending), len(messages), strings.Join(pending, ","))
	}
	return handled, nil
}

func (i *TransactionIngestor) reclaim(ctx context.Context) ([]redis.XMessage, error) {
	messages, _, err := i.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   i.cfg.Stream,
		Group:    i.cfg.Group,
		Consumer: i.cfg.Consumer,
		MinIdle:  i.cfg.MinIdle,
		Start:    "0-0",
		Count:    i.cfg.BatchSize,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperrors.NewStreamError("reclaim pending messages", err)
	}
	return messages, nil
}

func (i *TransactionIngestor) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := i.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    i.cfg.Group,
		Consumer: i.cfg.Consumer,
		Streams:  []string{i.cfg.Stream, ">"},
		Count:    i.cfg.BatchSize,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStreamError("read new messages", err)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return messages, nil
}

// handle stores one message and acknowledges it. A payload that can never be
// decoded is acknowledged and dropped so it does not block the pending list.
func (i *TransactionIngestor) handle(ctx context.Context, msg redis.XMessage) error {
	tx, err := decodeMessage(msg)
	if err != nil {
		streamMessages.WithLabelValues("dropped").Inc()
		i.logger.WithError(err).WithField("messageId", msg.ID).Error("dropping malformed message")
		return i.ack(ctx, msg.ID)
	}

	if err := i.store.Insert(ctx, tx); err != nil {
		return err
	}
	return i.ack(ctx, msg.ID)
}

func (i *TransactionIngestor) ack(ctx context.Context, id string) error {
	if err := i.client.XAck(ctx, i.cfg.Stream, i.cfg.Group, id).Err(); err != nil {
		return apperrors.NewStreamError("acknowledge message", err)
	}
	streamMessages.WithLabelValues("acked").Inc()
	return nil
}

func decodeMessage(msg redis.XMessage) (*models.Transaction, error) {
	raw, ok := msg.Values[messageField].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no %q field", msg.ID, messageField)
	}
	return models.DecodeTransaction([]byte(raw))
}
