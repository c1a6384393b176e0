package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/cnxnfactory/internal/database"
	"github.com/smukkama/cnxnfactory/internal/protocol"
)

// BatchWriter consumes connection lifecycle events from Kafka and
// batch-writes them into the audit trail.
type BatchWriter struct {
	consumer      *Consumer
	db            *database.DB
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

func NewBatchWriter(consumer *Consumer, db *database.DB, batchSize int, flushInterval time.Duration) *BatchWriter {
	return &BatchWriter{
		consumer:      consumer,
		db:            db,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
}

func (bw *BatchWriter) Start(ctx context.Context) error {
	bw.wg.Add(1)
	go bw.run(ctx)
	return nil
}

func (bw *BatchWriter) Stop() {
	close(bw.stopCh)
	bw.wg.Wait()
}

func (bw *BatchWriter) run(ctx context.Context) {
	defer bw.wg.Done()

	var batch []kafka.Message
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	msgChan := make(chan kafka.Message, 10)
	go func() {
		for {
			msg, err := bw.consumer.Consume(ctx)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				fmt.Printf("queue: consumer error: %v\n", err)
				continue
			}
			msgChan <- msg
		}
	}()

	for {
		select {
		case <-bw.stopCh:
			if len(batch) > 0 {
				bw.flush(ctx, batch)
			}
			return

		case <-ticker.C:
			if len(batch) > 0 {
				bw.flush(ctx, batch)
				batch = nil
			}

		case msg := <-msgChan:
			batch = append(batch, msg)
			if len(batch) >= bw.batchSize {
				bw.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func (bw *BatchWriter) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}

	success := 0
	for _, msg := range batch {
		if err := bw.processMessage(msg); err != nil {
			fmt.Printf("queue: failed to process message: %v\n", err)
			continue
		}
		success++

		if err := bw.consumer.Commit(ctx, msg); err != nil {
			fmt.Printf("queue: failed to commit offset: %v\n", err)
		}
	}

	fmt.Printf("queue: flushed %d/%d audit events to database\n", success, len(batch))
}

func (bw *BatchWriter) processMessage(msg kafka.Message) error {
	ev, err := protocol.DecodeConnectionEvent(msg.Value)
	if err != nil {
		return fmt.Errorf("decode connection event: %w", err)
	}

	row := &database.ConnectionEventRow{
		TraceID:    ev.TraceID,
		RemoteAddr: ev.RemoteAddr,
		Event:      string(ev.Event),
		Detail:     ev.Detail,
		ObservedAt: ev.ObservedAt,
	}
	if ev.SessionID != 0 {
		sid := int64(ev.SessionID)
		row.SessionID = &sid
	}

	return bw.db.InsertConnectionEvent(row)
}
