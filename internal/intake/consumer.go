// Package intake turns broker messages into pending links.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/joinflow/joinflow/internal/constants"
	"github.com/joinflow/joinflow/internal/message_broker"
	"github.com/joinflow/joinflow/types"
	"github.com/joinflow/joinflow/types/config"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var ErrBrokerClosed = errors.New("broker delivery channel closed")

type LinkStore interface {
	ExistingInviteCodes(ctx context.Context, codes []string) (map[string]bool, error)
	BulkInsert(ctx context.Context, links []types.NewLink, maxAttempts int) (int, error)
}

// Stats summarises one flushed batch.
type Stats struct {
	Received   int
	Invalid    int
	Duplicates int
	Inserted   int
}

type Consumer struct {
	broker      message_broker.MessageBroker
	links       LinkStore
	batchSize   int
	flushEvery  time.Duration
	maxAttempts int
	clock       clock.WithTicker
	logger      logrus.FieldLogger
}

func NewConsumer(
	broker message_broker.MessageBroker,
	links LinkStore,
	cfg config.RabbitMQConfig,
	maxAttempts int,
	clk clock.WithTicker,
	logger logrus.FieldLogger,
) *Consumer {
	return &Consumer{
		broker:      broker,
		links:       links,
		batchSize:   max(cfg.BatchSize, 1),
		flushEvery:  cfg.FlushEvery,
		maxAttempts: maxAttempts,
		clock:       clk,
		logger:      logger,
	}
}

// Run consumes until ctx is done. Messages are flushed once batchSize of them are buffered or
// flushEvery has passed. Messages still buffered on shutdown are returned to the queue.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.broker.Consume(ctx)
	if err != nil {
		return err
	}

	ticker := c.clock.NewTicker(c.flushEvery)
	defer ticker.Stop()

	batch := make([]message_broker.Delivery, 0, c.batchSize)
	for {
		select {
		case <-ctx.Done():
			c.requeue(batch)
			return nil

		case d, ok := <-deliveries:
			if !ok {
				c.Flush(ctx, batch)
				return ErrBrokerClosed
			}
			batch = append(batch, d)
			if len(batch) >= c.batchSize {
				c.Flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C():
			if len(batch) > 0 {
				c.Flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// Flush inserts the links carried by batch and settles every delivery. Malformed messages are
// dropped, the rest are acknowledged only after the insert succeeds.
func (c *Consumer) Flush(ctx context.Context, batch []message_broker.Delivery) Stats {
	stats := Stats{Received: len(batch)}
	if len(batch) == 0 {
		return stats
	}

	valid := make([]message_broker.Delivery, 0, len(batch))
	links := make([]types.NewLink, 0, len(batch))
	seen := make(map[string]bool, len(batch))

	for _, d := range batch {
		link, err := decode(d.Body)
		if err != nil {
			stats.Invalid++
			c.logger.WithError(err).Warn("dropping malformed link message")
			c.settle(d.Nack(false))
			continue
		}
		valid = append(valid, d)
		if seen[link.InviteCode] {
			stats.Duplicates++
			continue
		}
		seen[link.InviteCode] = true
		links = append(links, link)
	}

	links = c.withoutExisting(ctx, links, &stats)

	if len(links) > 0 {
		inserted, err := c.links.BulkInsert(ctx, links, c.maxAttempts)
		if err != nil {
			c.logger.WithError(err).WithField("messages", len(valid)).Error("failed to insert links, requeueing batch")
			c.requeue(valid)
			return stats
		}
		stats.Inserted = inserted
		// a code inserted concurrently by another consumer is skipped by the store
		stats.Duplicates += len(links) - inserted
	}

	for _, d := range valid {
		c.settle(d.Ack())
	}

	c.logger.WithFields(logrus.Fields{
		"received":   stats.Received,
		"inserted":   stats.Inserted,
		"duplicates": stats.Duplicates,
		"invalid":    stats.Invalid,
	}).Info("intake batch flushed")

	return stats
}

func (c *Consumer) withoutExisting(ctx context.Context, links []types.NewLink, stats *Stats) []types.NewLink {
	if len(links) == 0 {
		return links
	}

	codes := make([]string, 0, len(links))
	for _, l := range links {
		codes = append(codes, l.InviteCode)
	}

	existing, err := c.links.ExistingInviteCodes(ctx, codes)
	if err != nil {
		c.logger.WithError(err).WithField("policy", constants.IntakeDedupPolicy).Warn("duplicate lookup failed, inserting batch as is")
		return links
	}

	fresh := links[:0]
	for _, l := range links {
		if existing[l.InviteCode] {
			stats.Duplicates++
			continue
		}
		fresh = append(fresh, l)
	}
	return fresh
}

func (c *Consumer) requeue(batch []message_broker.Delivery) {
	for _, d := range batch {
		c.settle(d.Nack(true))
	}
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.WithError(err).Warn("failed to settle delivery")
	}
}

func decode(body []byte) (types.NewLink, error) {
	var link types.NewLink
	if err := json.Unmarshal(body, &link); err != nil {
		return link, err
	}
	link.InviteCode = strings.TrimSpace(link.InviteCode)
	if link.InviteCode == "" {
		return link, errors.New("invite_code is required")
	}
	return link, nil
}
