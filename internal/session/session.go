// Package session implements spec.md §3's SessionState for crash recovery:
// (session_id, pid, status, started_at, last_heartbeat, active_order_ids,
// position_symbols) written atomically each heartbeat, plus crash
// detection on the next start. Grounded on
// original_source/leverage_worker/core/session_manager.py (read in full
// before the tree loss), re-shaped from its JSON-file persistence onto the
// SQLite session_state/crash_log tables the rest of the trading store
// already uses (DESIGN.md Open Question: a JSON file under
// ~/.leverage_worker/ would be the literal spec.md §7 reading, but a table
// in trading_{mode}.db gets the same atomic-write guarantee from SQLite's
// WAL journal without a second persistence mechanism).
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"

	"leverage-worker/pkg/db"
)

// Status is SessionState.status (spec.md §3).
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusCrashed Status = "crashed"
)

const crashLogCap = 100

// State is a snapshot of one session_state row.
type State struct {
	SessionID       string
	PID             int
	Status          Status
	StartedAt       time.Time
	LastHeartbeat   time.Time
	ActiveOrderIDs  []string
	PositionSymbols []string
}

// Manager owns the current process's SessionState row.
type Manager struct {
	trading   *db.Database
	sessionID string
	pid       int
	machineID string
}

// New constructs a Manager with a freshly generated session id. The
// machine id (github.com/denisbrodbeck/machineid, protected/salted so the
// raw host id never leaves the process) is folded into the session row and
// crash log so records can be correlated to a host across restarts and
// across a redeployed session_id (spec.md §7).
func New(trading *db.Database) *Manager {
	mid, err := machineid.ProtectedID("leverage-worker")
	if err != nil {
		mid = ""
	}
	return &Manager{trading: trading, sessionID: uuid.NewString(), pid: os.Getpid(), machineID: mid}
}

// SessionID returns this process's session id.
func (m *Manager) SessionID() string { return m.sessionID }

// MachineID returns the protected per-host id this session recorded itself
// under, for callers (e.g. the audit trail) that want the same correlation
// key.
func (m *Manager) MachineID() string { return m.machineID }

// Start implements spec.md §4.10's startup steps 2 ("check for previous
// crash") and the SessionState write that follows: it detects whether the
// prior session_state row was left at status=running (meaning the process
// died without a clean Stop), records a crash_log entry if so, and then
// inserts this process's own running row. Returns whether a crash was
// detected.
func (m *Manager) Start() (crashed bool, err error) {
	crashed, err = m.detectPreviousCrash()
	if err != nil {
		return false, err
	}

	now := time.Now().Unix()
	_, err = m.trading.DB.Exec(`
		INSERT INTO session_state (session_id, pid, status, started_at, last_heartbeat, active_order_ids, position_symbols, machine_id)
		VALUES (?, ?, ?, ?, ?, '[]', '[]', ?)
	`, m.sessionID, m.pid, StatusRunning, now, now, m.machineID)
	if err != nil {
		return crashed, fmt.Errorf("session: insert session_state: %w", err)
	}
	return crashed, nil
}

// detectPreviousCrash implements spec.md §7's "inferred on next start when
// the prior session state file still reads running" and "does not produce
// duplicate crash detections on subsequent starts" — the prior row's
// status is flipped to crashed as part of detection, so a later start
// never re-observes the same stale running row.
func (m *Manager) detectPreviousCrash() (bool, error) {
	var prevID, status, prevMachineID string
	err := m.trading.DB.QueryRow(`
		SELECT session_id, status, machine_id FROM session_state ORDER BY started_at DESC LIMIT 1
	`).Scan(&prevID, &status, &prevMachineID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: query last session_state: %w", err)
	}
	if status != string(StatusRunning) {
		return false, nil
	}

	if _, err := m.trading.DB.Exec(`UPDATE session_state SET status = ? WHERE session_id = ?`, StatusCrashed, prevID); err != nil {
		return false, fmt.Errorf("session: mark prior session crashed: %w", err)
	}
	detail := "prior session_state still read 'running' at startup"
	if prevMachineID != "" {
		detail += fmt.Sprintf(" (machine_id=%s)", prevMachineID)
	}
	if err := m.appendCrashLog(prevID, detail); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) appendCrashLog(sessionID, detail string) error {
	if _, err := m.trading.DB.Exec(`
		INSERT INTO crash_log (timestamp, session_id, detail) VALUES (?, ?, ?)
	`, time.Now().Unix(), sessionID, detail); err != nil {
		return fmt.Errorf("session: insert crash_log: %w", err)
	}
	// spec.md §7's crash log is capped at 100 entries; mirror that here.
	_, err := m.trading.DB.Exec(`
		DELETE FROM crash_log WHERE id NOT IN (
			SELECT id FROM crash_log ORDER BY id DESC LIMIT ?
		)
	`, crashLogCap)
	if err != nil {
		return fmt.Errorf("session: trim crash_log: %w", err)
	}
	return nil
}

// Heartbeat implements spec.md §3's "Written atomically each heartbeat".
func (m *Manager) Heartbeat(activeOrderIDs, positionSymbols []string) error {
	aJSON, err := json.Marshal(activeOrderIDs)
	if err != nil {
		return fmt.Errorf("session: marshal active_order_ids: %w", err)
	}
	pJSON, err := json.Marshal(positionSymbols)
	if err != nil {
		return fmt.Errorf("session: marshal position_symbols: %w", err)
	}
	_, err = m.trading.DB.Exec(`
		UPDATE session_state SET last_heartbeat = ?, active_order_ids = ?, position_symbols = ?
		WHERE session_id = ?
	`, time.Now().Unix(), string(aJSON), string(pJSON), m.sessionID)
	if err != nil {
		return fmt.Errorf("session: update heartbeat: %w", err)
	}
	return nil
}

// Run drives a periodic heartbeat until ctx is cancelled. source supplies
// the current active order ids / position symbols at each tick.
func (m *Manager) Run(ctx context.Context, interval time.Duration, source func() (activeOrderIDs, positionSymbols []string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, syms := source()
			_ = m.Heartbeat(ids, syms)
		}
	}
}

// Stop implements spec.md §4.10's shutdown step "write session state =
// stopped (defeats crash detection on next start)".
func (m *Manager) Stop() error {
	_, err := m.trading.DB.Exec(`
		UPDATE session_state SET status = ?, last_heartbeat = ? WHERE session_id = ?
	`, StatusStopped, time.Now().Unix(), m.sessionID)
	if err != nil {
		return fmt.Errorf("session: mark stopped: %w", err)
	}
	return nil
}

// Load returns the current process's session row, mainly for tests and
// diagnostics.
func (m *Manager) Load() (State, error) {
	var (
		s                              State
		statusStr                      string
		startedAt, lastHeartbeat       int64
		activeJSON, positionSymbolsStr string
	)
	err := m.trading.DB.QueryRow(`
		SELECT session_id, pid, status, started_at, last_heartbeat, active_order_ids, position_symbols
		FROM session_state WHERE session_id = ?
	`, m.sessionID).Scan(&s.SessionID, &s.PID, &statusStr, &startedAt, &lastHeartbeat, &activeJSON, &positionSymbolsStr)
	if err != nil {
		return State{}, fmt.Errorf("session: load: %w", err)
	}
	s.Status = Status(statusStr)
	s.StartedAt = time.Unix(startedAt, 0)
	s.LastHeartbeat = time.Unix(lastHeartbeat, 0)
	_ = json.Unmarshal([]byte(activeJSON), &s.ActiveOrderIDs)
	_ = json.Unmarshal([]byte(positionSymbolsStr), &s.PositionSymbols)
	return s, nil
}
