// Package audit implements the append-only audit trail from spec.md §6:
// order/position events with a SHA-256-derived checksum over the preceding
// fields, plus a VerifyIntegrity pass. Grounded on
// original_source/leverage_worker/utils/audit_logger.py per the _INDEX.md
// inventory; crypto/sha256 is used directly (stdlib justification: no
// hashing library appears anywhere in the teacher's dependency set).
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"leverage-worker/pkg/db"
)

// EventType enumerates audit event kinds referenced by spec.md §4.5/§4.10.
type EventType string

const (
	EventOrderSubmit    EventType = "ORDER_SUBMIT"
	EventOrderFilled    EventType = "ORDER_FILLED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderRejected  EventType = "ORDER_REJECTED"
	EventPositionSync   EventType = "POSITION_SYNC"
	EventEmergencyStop  EventType = "EMERGENCY_STOP"
	EventLiquidation    EventType = "EOD_LIQUIDATION"
)

// Record is one audit-trail row (spec.md §6).
type Record struct {
	ID            int64
	Timestamp     int64
	EventType     EventType
	Module        string
	CorrelationID string
	SessionID     string
	Symbol        string
	OrderID       string
	Side          string
	Qty           int64
	Price         int64
	Strategy      string
	Status        string
	Reason        string
	Metadata      map[string]any
}

// Log writes audit records to the trading store.
type Log struct {
	trading *db.Database
}

// New wraps an already-open trading_{mode}.db connection.
func New(trading *db.Database) *Log {
	return &Log{trading: trading}
}

// checksumFields serializes every field except the checksum itself, in a
// fixed field order, so the checksum is reproducible independent of map
// iteration order.
func checksumFields(r Record) (string, error) {
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return "", fmt.Errorf("audit: marshal metadata: %w", err)
	}
	fields := strings.Join([]string{
		strconv.FormatInt(r.Timestamp, 10),
		string(r.EventType),
		r.Module,
		r.CorrelationID,
		r.SessionID,
		r.Symbol,
		r.OrderID,
		r.Side,
		strconv.FormatInt(r.Qty, 10),
		strconv.FormatInt(r.Price, 10),
		r.Strategy,
		r.Status,
		r.Reason,
		string(metaJSON),
	}, "|")
	sum := sha256.Sum256([]byte(fields))
	return hex.EncodeToString(sum[:])[:32], nil
}

// Append writes r with a freshly computed checksum. A caller that leaves
// CorrelationID unset gets one generated here (github.com/google/uuid, the
// same dependency session.Manager uses for session ids), so every row is
// independently traceable even when the caller site has no natural
// correlation id of its own to thread through.
func (l *Log) Append(r Record) error {
	if r.CorrelationID == "" {
		r.CorrelationID = uuid.NewString()
	}
	checksum, err := checksumFields(r)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}
	_, err = l.trading.DB.Exec(`
		INSERT INTO audit_log (
			timestamp, event_type, module, correlation_id, session_id,
			symbol, order_id, side, qty, price, strategy, status, reason,
			metadata, checksum
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Timestamp, r.EventType, r.Module, r.CorrelationID, r.SessionID,
		r.Symbol, r.OrderID, r.Side, r.Qty, r.Price, r.Strategy, r.Status, r.Reason,
		string(metaJSON), checksum)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// VerifyIntegrity recomputes the checksum of every row and reports the ids
// of any row whose stored checksum no longer matches (spec.md §6/§8 property 9).
func (l *Log) VerifyIntegrity() (invalid []int64, err error) {
	rows, err := l.trading.DB.Query(`
		SELECT id, timestamp, event_type, module, correlation_id, session_id,
		       symbol, order_id, side, qty, price, strategy, status, reason,
		       metadata, checksum
		FROM audit_log
	`)
	if err != nil {
		return nil, fmt.Errorf("audit: query for verify: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r            Record
			metaJSON     string
			storedSum    string
			symbol       sql.NullString
			orderID      sql.NullString
			side         sql.NullString
			strategy     sql.NullString
			status       sql.NullString
			reason       sql.NullString
			qty          sql.NullInt64
			price        sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.EventType, &r.Module, &r.CorrelationID,
			&r.SessionID, &symbol, &orderID, &side, &qty, &price, &strategy, &status, &reason,
			&metaJSON, &storedSum); err != nil {
			return nil, fmt.Errorf("audit: scan for verify: %w", err)
		}
		r.Symbol, r.OrderID, r.Side, r.Strategy, r.Status, r.Reason =
			symbol.String, orderID.String, side.String, strategy.String, status.String, reason.String
		r.Qty, r.Price = qty.Int64, price.Int64
		if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
			return nil, fmt.Errorf("audit: unmarshal metadata row %d: %w", r.ID, err)
		}

		recomputed, err := checksumFields(r)
		if err != nil {
			return nil, err
		}
		if recomputed != storedSum {
			invalid = append(invalid, r.ID)
		}
	}
	return invalid, rows.Err()
}
