package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	mirrorBufferSize    = 10_000
	mirrorFlushInterval = 250 * time.Millisecond
	mirrorFlushBatch    = 500
	mirrorDrainTimeout  = 2 * time.Second
)

// ClickHouseMirror copies audit records into the audit_events analytics
// table. Write is non-blocking; records are batch-inserted by a background
// goroutine. The SQL ledger stays authoritative, so a dropped mirror row
// only affects analytics.
type ClickHouseMirror struct {
	conn    driver.Conn
	buffer  chan *Record
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseMirror connects to ClickHouse and starts the flush loop.
func NewClickHouseMirror(dsn string, logger *zap.Logger) (*ClickHouseMirror, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	m := &ClickHouseMirror{
		conn:    conn,
		buffer:  make(chan *Record, mirrorBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go m.flushLoop()
	return m, nil
}

// Write queues a record. Drops it when the buffer is full.
func (m *ClickHouseMirror) Write(rec *Record) {
	select {
	case m.buffer <- rec:
	default:
		m.logger.Warn("audit mirror buffer full, dropping record",
			zap.Int64("seq", rec.Seq),
			zap.String("action", rec.Action),
		)
	}
}

// Close drains buffered records (bounded by mirrorDrainTimeout) and stops
// the flush loop. Call once.
func (m *ClickHouseMirror) Close() {
	close(m.done)
	<-m.flushed
}

func (m *ClickHouseMirror) flushLoop() {
	defer close(m.flushed)

	ticker := time.NewTicker(mirrorFlushInterval)
	defer ticker.Stop()

	batch := make([]*Record, 0, mirrorFlushBatch)
	for {
		select {
		case rec := <-m.buffer:
			batch = append(batch, rec)
			if len(batch) >= mirrorFlushBatch {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-m.done:
			deadline := time.After(mirrorDrainTimeout)
		drain:
			for {
				select {
				case rec := <-m.buffer:
					batch = append(batch, rec)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				m.flush(batch)
			}
			return
		}
	}
}

func (m *ClickHouseMirror) flush(recs []*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := m.conn.PrepareBatch(ctx, `
		INSERT INTO audit_events (
			id, seq, created_at, actor_type, actor_id, action, namespace,
			rationale, target, approval_state, input_hash, output_hash,
			metadata, prev_hash, hash
		)
	`)
	if err != nil {
		m.logger.Error("audit mirror prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range recs {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			meta = []byte("{}")
		}
		if err := batch.Append(
			r.ID,
			r.Seq,
			r.CreatedAt,
			string(r.ActorType),
			r.ActorID,
			r.Action,
			namespaceOf(r.Action),
			r.Rationale,
			string(r.Target),
			string(r.ApprovalState),
			r.InputHash,
			r.OutputHash,
			string(meta),
			r.PrevHash,
			r.Hash,
		); err != nil {
			m.logger.Error("audit mirror append failed",
				zap.Int64("seq", r.Seq),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		m.logger.Error("audit mirror batch send failed",
			zap.Int("batch_size", len(recs)),
			zap.Error(err),
		)
	}
}

// LogMirror writes each record to the logger. Used when no ClickHouse DSN
// is configured.
type LogMirror struct {
	logger *zap.Logger
}

func NewLogMirror(logger *zap.Logger) *LogMirror {
	return &LogMirror{logger: logger}
}

func (m *LogMirror) Write(rec *Record) {
	m.logger.Info("audit_event",
		zap.Int64("seq", rec.Seq),
		zap.String("id", rec.ID),
		zap.String("action", rec.Action),
		zap.String("actor_type", string(rec.ActorType)),
		zap.String("actor_id", rec.ActorID),
		zap.String("approval_state", string(rec.ApprovalState)),
		zap.String("input_hash", rec.InputHash),
		zap.String("output_hash", rec.OutputHash),
		zap.String("hash", rec.Hash),
	)
}

func (m *LogMirror) Close() {}
