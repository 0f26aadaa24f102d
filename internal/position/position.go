// Package position implements the Position Manager (spec.md §4.4): the
// authoritative local view of held quantity/avg-cost per symbol, reconciled
// against broker truth on start and after fills. Grounded on the teacher's
// internal/state (in-memory position map behind a reentrant-style mutex) and
// internal/reconciliation (broker-vs-local diff on Sync), generalized from
// Binance balances to KRX ManagedPosition records.
package position

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"leverage-worker/pkg/db"
)

// BrokerPosition is the subset of a broker balance entry the manager needs
// to reconcile (spec.md §4.1 GetBalance's positions[]).
type BrokerPosition struct {
	Symbol       string
	Quantity     int64
	CurrentPrice int64
}

// BrokerBalance is the interface the manager reconciles against; satisfied
// by internal/gateway.Gateway, kept narrow here to avoid importing it.
type BrokerBalance interface {
	GetBalance() ([]BrokerPosition, error)
}

// Position is spec.md §3's ManagedPosition.
type Position struct {
	Symbol       string
	Quantity     int64
	AvgCost      float64
	CurrentPrice int64
	StrategyName string // "" means unmanaged
	EntryOrderID string
	EntryTime    int64
}

// Manager is the Position Manager.
type Manager struct {
	mu   sync.Mutex
	data map[string]*Position

	trading *db.Database
	syncing int32 // atomic flag, spec.md "sync_in_progress"

	lastSyncAt time.Time
}

// New creates an empty manager bound to the trading store.
func New(trading *db.Database) *Manager {
	return &Manager{data: make(map[string]*Position), trading: trading}
}

// Load reads all persisted positions from the trading store (spec.md §4.4
// "on start the manager loads from the store then calls Sync").
func (m *Manager) Load() error {
	rows, err := m.trading.DB.Query(`
		SELECT symbol, quantity, avg_cost, current_price, strategy_name, entry_order_id, entry_time
		FROM managed_positions
	`)
	if err != nil {
		return fmt.Errorf("position: load: %w", err)
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	for rows.Next() {
		var (
			p        Position
			strategy sql.NullString
			orderID  sql.NullString
		)
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgCost, &p.CurrentPrice, &strategy, &orderID, &p.EntryTime); err != nil {
			return fmt.Errorf("position: scan: %w", err)
		}
		p.StrategyName = strategy.String
		p.EntryOrderID = orderID.String
		m.data[p.Symbol] = &p
	}
	return rows.Err()
}

func (m *Manager) persistLocked(p *Position) error {
	_, err := m.trading.DB.Exec(`
		INSERT INTO managed_positions (symbol, quantity, avg_cost, current_price, strategy_name, entry_order_id, entry_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			current_price = excluded.current_price,
			strategy_name = excluded.strategy_name,
			entry_order_id = excluded.entry_order_id,
			entry_time = excluded.entry_time,
			updated_at = excluded.updated_at
	`, p.Symbol, p.Quantity, p.AvgCost, p.CurrentPrice, nullableString(p.StrategyName), nullableString(p.EntryOrderID), p.EntryTime, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("position: persist %s: %w", p.Symbol, err)
	}
	return nil
}

func (m *Manager) deletePersistedLocked(symbol string) error {
	if _, err := m.trading.DB.Exec(`DELETE FROM managed_positions WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("position: delete %s: %w", symbol, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Add applies spec.md §3's weighted-average update rule: new_qty = qty +
// deltaQty, new_avg = (qty*avg + deltaQty*deltaPrice) / new_qty. If no
// position exists it is created with avg_cost = deltaPrice.
func (m *Manager) Add(symbol string, deltaQty int64, deltaPrice float64, strategy, orderID string) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.data[symbol]
	now := time.Now().Unix()
	if !exists {
		p = &Position{
			Symbol:       symbol,
			Quantity:     deltaQty,
			AvgCost:      deltaPrice,
			StrategyName: strategy,
			EntryOrderID: orderID,
			EntryTime:    now,
		}
	} else {
		newQty := p.Quantity + deltaQty
		if newQty <= 0 {
			delete(m.data, symbol)
			if err := m.deletePersistedLocked(symbol); err != nil {
				return Position{}, err
			}
			return Position{Symbol: symbol, Quantity: 0}, nil
		}
		p.AvgCost = (float64(p.Quantity)*p.AvgCost + float64(deltaQty)*deltaPrice) / float64(newQty)
		p.Quantity = newQty
		if p.StrategyName == "" && strategy != "" {
			p.StrategyName = strategy
		}
	}
	m.data[symbol] = p
	if err := m.persistLocked(p); err != nil {
		return Position{}, err
	}
	return *p, nil
}

// Remove deletes a position entirely, regardless of quantity.
func (m *Manager) Remove(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, symbol)
	return m.deletePersistedLocked(symbol)
}

// UpdateQuantity sets a position's quantity directly, removing it if
// newQty <= 0 (spec.md §4.4).
func (m *Manager) UpdateQuantity(symbol string, newQty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.data[symbol]
	if !ok {
		return nil
	}
	if newQty <= 0 {
		delete(m.data, symbol)
		return m.deletePersistedLocked(symbol)
	}
	p.Quantity = newQty
	return m.persistLocked(p)
}

// Get returns a copy of the position for symbol, if any.
func (m *Manager) Get(symbol string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// GetAll returns a copy of every tracked position.
func (m *Manager) GetAll() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.data))
	for _, p := range m.data {
		out = append(out, *p)
	}
	return out
}

// GetByStrategy returns every position currently assigned to strategy name.
func (m *Manager) GetByStrategy(name string) []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Position
	for _, p := range m.data {
		if p.StrategyName == name {
			out = append(out, *p)
		}
	}
	return out
}

// GetUnmanaged returns positions discovered on the broker with no assigned
// strategy (spec.md §3 "unmanaged").
func (m *Manager) GetUnmanaged() []Position {
	return m.GetByStrategy("")
}

// AssignStrategy retroactively labels an unmanaged position so a strategy
// may manage its exit (spec.md §4.4).
func (m *Manager) AssignStrategy(symbol, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[symbol]
	if !ok {
		return fmt.Errorf("position: assign strategy: %s not tracked", symbol)
	}
	p.StrategyName = name
	return m.persistLocked(p)
}

// Discrepancy describes a quantity mismatch found during Sync.
type Discrepancy struct {
	Symbol       string
	LocalQty     int64
	BrokerQty    int64
}

// Sync pulls the full broker balance and reconciles it against the local
// map (spec.md §4.4). It is single-flighted: a concurrent call while a sync
// is already running returns immediately with ok=false and no error.
//
// The blocking broker call happens lock-free; only the diff-and-apply phase
// holds the manager's lock (spec.md §8 "Sync holds the lock only for the
// local diff phase").
func (m *Manager) Sync(broker BrokerBalance) (discrepancies []Discrepancy, ok bool, err error) {
	if !atomic.CompareAndSwapInt32(&m.syncing, 0, 1) {
		return nil, false, nil
	}
	defer atomic.StoreInt32(&m.syncing, 0)

	brokerPositions, err := broker.GetBalance()
	if err != nil {
		return nil, true, fmt.Errorf("position: sync: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(brokerPositions))
	for _, bp := range brokerPositions {
		seen[bp.Symbol] = true
		local, exists := m.data[bp.Symbol]
		if !exists {
			p := &Position{
				Symbol:       bp.Symbol,
				Quantity:     bp.Quantity,
				AvgCost:      float64(bp.CurrentPrice),
				CurrentPrice: bp.CurrentPrice,
				EntryTime:    time.Now().Unix(),
			}
			m.data[bp.Symbol] = p
			if err := m.persistLocked(p); err != nil {
				return discrepancies, true, err
			}
			continue
		}
		if local.Quantity != bp.Quantity {
			discrepancies = append(discrepancies, Discrepancy{
				Symbol: bp.Symbol, LocalQty: local.Quantity, BrokerQty: bp.Quantity,
			})
			local.Quantity = bp.Quantity
		}
		local.CurrentPrice = bp.CurrentPrice
		if err := m.persistLocked(local); err != nil {
			return discrepancies, true, err
		}
	}

	for symbol := range m.data {
		if !seen[symbol] {
			delete(m.data, symbol)
			if err := m.deletePersistedLocked(symbol); err != nil {
				return discrepancies, true, err
			}
		}
	}

	m.lastSyncAt = time.Now()
	return discrepancies, true, nil
}

// IsStale reports whether the manager has not completed a successful Sync
// within maxAge (spec.md §4.4 "is_stale(max_age) exposes freshness for the
// lifecycle controller").
func (m *Manager) IsStale(maxAge time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSyncAt.IsZero() {
		return true
	}
	return time.Since(m.lastSyncAt) > maxAge
}
