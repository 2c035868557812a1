package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
)

// EventLogWriter writes events to Postgres using batch inserts. Multi-row
// INSERT is the portable choice; switch to pgx CopyFrom if the write path
// ever becomes the bottleneck.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in pool_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Asset          *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events inside the given transaction.
// ON CONFLICT DO NOTHING makes re-delivered batches idempotent.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO pool_log.events
		(sequence, event_type, idempotency_key, asset, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Asset,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// RowFromCoreOutput converts an applied core event into its log row,
// JSON-encoding the typed payload.
func RowFromCoreOutput(output core.CoreOutput) (EventRow, error) {
	payload, err := MarshalEventPayload(output.Event)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal payload seq %d: %w", output.Envelope.Sequence, err)
	}

	env := output.Envelope
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Payload:        payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}, nil
}

// DecodeEventRow reconstructs the envelope and typed payload from a log row
// for replay.
func DecodeEventRow(row EventRow) (*event.EventEnvelope, event.Event, error) {
	evt, err := newEventForType(row.EventType)
	if err != nil {
		return nil, nil, fmt.Errorf("decode seq %d: %w", row.Sequence, err)
	}
	if err := json.Unmarshal(row.Payload, evt); err != nil {
		return nil, nil, fmt.Errorf("decode seq %d payload: %w", row.Sequence, err)
	}

	env := &event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		EventType:      evt.EventType(),
		Asset:          row.Asset,
		Timestamp:      row.Timestamp,
		SourceSequence: row.SourceSequence,
		Payload:        row.Payload,
	}
	if len(row.StateHash) == 32 {
		copy(env.StateHash[:], row.StateHash)
	}
	if len(row.PrevHash) == 32 {
		copy(env.PrevHash[:], row.PrevHash)
	}
	return env, evt, nil
}

func newEventForType(eventType string) (event.Event, error) {
	switch eventType {
	case "AssetAdded":
		return &event.AssetAdded{}, nil
	case "AssetRemoved":
		return &event.AssetRemoved{}, nil
	case "DepositAccepted":
		return &event.DepositAccepted{}, nil
	case "WithdrawalPaid":
		return &event.WithdrawalPaid{}, nil
	case "PeriodOpened":
		return &event.PeriodOpened{}, nil
	case "PeriodClosed":
		return &event.PeriodClosed{}, nil
	case "PeriodSettled":
		return &event.PeriodSettled{}, nil
	case "ProfitClaimed":
		return &event.ProfitClaimed{}, nil
	case "LossAbsorbed":
		return &event.LossAbsorbed{}, nil
	case "InsuranceProfitSkimmed":
		return &event.InsuranceProfitSkimmed{}, nil
	case "PoolDeactivated":
		return &event.PoolDeactivated{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}

// MarshalEventPayload serializes an event payload to JSON for storage.
func MarshalEventPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
