// Package pricestore implements the Price Store (spec.md §4.3): minute and
// daily OHLCV persistence over the shared market_data.db, with the upsert
// conflict rule from spec.md §3 (high=max, low=min, close=new, volume=new
// cumulative). Grounded on the teacher's pkg/db (single-writer
// modernc.org/sqlite connection) re-keyed onto candle tables instead of the
// teacher's order/trade schema.
package pricestore

import (
	"database/sql"
	"fmt"
	"sync"

	"leverage-worker/pkg/cache"
	"leverage-worker/pkg/db"
)

// MinuteCandle is spec.md §3's MinuteCandle, keyed by (symbol, minute-ts).
type MinuteCandle struct {
	Symbol   string
	MinuteTS int64 // unix seconds, truncated to the minute
	Open     int64
	High     int64
	Low      int64
	Close    int64
	Volume   int64
}

// DailyCandle is spec.md §3's DailyCandle, keyed by (symbol, date).
type DailyCandle struct {
	Symbol    string
	TradeDate string // YYYYMMDD
	Open      int64
	High      int64
	Low       int64
	Close     int64
	Volume    int64
}

// Store is the Price Store. Writes are serialized through a single
// goroutine-safe mutex (spec.md §9 "one writer task per store"); reads go
// straight to the single-writer connection, backed by a small read cache
// for the hot "last N minute candles" query.
type Store struct {
	mu    sync.Mutex
	data  *db.Database
	cache *cache.ShardedCache
}

// New wraps an already-open market_data.db connection.
func New(data *db.Database) *Store {
	return &Store{data: data, cache: cache.New(32)}
}

// UpsertMinute applies spec.md §3's widen-H/L upsert rule: the first write
// for a minute sets O=H=L=C=price; subsequent writes within the same minute
// widen high/low, overwrite close, and overwrite volume with the broker's
// reported cumulative total.
func (s *Store) UpsertMinute(symbol string, minuteTS, price, cumulativeVolume int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.data.DB.Exec(`
		INSERT INTO minute_candles (symbol, minute_ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, minute_ts) DO UPDATE SET
			high = MAX(high, excluded.high),
			low = MIN(low, excluded.low),
			close = excluded.close,
			volume = excluded.volume
	`, symbol, minuteTS, price, price, price, price, cumulativeVolume)
	if err != nil {
		return fmt.Errorf("pricestore: upsert minute %s@%d: %w", symbol, minuteTS, err)
	}
	s.cache.Delete(symbol)
	return nil
}

// UpsertDaily writes the daily candle, applying the same widen rule.
func (s *Store) UpsertDaily(symbol, tradeDate string, open, high, low, closePrice, volume int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.data.DB.Exec(`
		INSERT INTO daily_candles (symbol, trade_date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, trade_date) DO UPDATE SET
			high = MAX(high, excluded.high),
			low = MIN(low, excluded.low),
			close = excluded.close,
			volume = excluded.volume
	`, symbol, tradeDate, open, high, low, closePrice, volume)
	if err != nil {
		return fmt.Errorf("pricestore: upsert daily %s@%s: %w", symbol, tradeDate, err)
	}
	return nil
}

// SeedMinuteCandle writes a fully-formed historical minute bar (from
// GetMinuteCandles) outright rather than widening: unlike UpsertMinute,
// which assembles a candle tick-by-tick as ticks arrive, a broker-supplied
// historical bar already reflects the whole minute.
func (s *Store) SeedMinuteCandle(symbol string, minuteTS, open, high, low, closePrice, volume int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.data.DB.Exec(`
		INSERT INTO minute_candles (symbol, minute_ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, minute_ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume
	`, symbol, minuteTS, open, high, low, closePrice, volume)
	if err != nil {
		return fmt.Errorf("pricestore: seed minute %s@%d: %w", symbol, minuteTS, err)
	}
	s.cache.Delete(symbol)
	return nil
}

// RecentMinuteCandles returns up to n minute candles for symbol ending at
// (and including) endTS, ordered oldest->newest.
func (s *Store) RecentMinuteCandles(symbol string, endTS int64, n int) ([]MinuteCandle, error) {
	// The cache holds the last window read per symbol, keyed by the symbol
	// alone so the writers' Delete(symbol) invalidates it.
	type minuteWindow struct {
		endTS   int64
		n       int
		candles []MinuteCandle
	}
	if cached, ok := s.cache.Get(symbol); ok {
		if w := cached.(minuteWindow); w.endTS == endTS && w.n == n {
			return w.candles, nil
		}
	}

	rows, err := s.data.DB.Query(`
		SELECT minute_ts, open, high, low, close, volume
		FROM minute_candles
		WHERE symbol = ? AND minute_ts <= ?
		ORDER BY minute_ts DESC
		LIMIT ?
	`, symbol, endTS, n)
	if err != nil {
		return nil, fmt.Errorf("pricestore: recent minute candles %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []MinuteCandle
	for rows.Next() {
		var c MinuteCandle
		c.Symbol = symbol
		if err := rows.Scan(&c.MinuteTS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	// reverse to oldest->newest
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.cache.Set(symbol, minuteWindow{endTS: endTS, n: n, candles: out})
	return out, nil
}

// MinuteCandlesForDate returns all minute candles for symbol with
// dayStartTS <= minute_ts < dayEndTS, oldest first.
func (s *Store) MinuteCandlesForDate(symbol string, dayStartTS, dayEndTS int64) ([]MinuteCandle, error) {
	rows, err := s.data.DB.Query(`
		SELECT minute_ts, open, high, low, close, volume
		FROM minute_candles
		WHERE symbol = ? AND minute_ts >= ? AND minute_ts < ?
		ORDER BY minute_ts ASC
	`, symbol, dayStartTS, dayEndTS)
	if err != nil {
		return nil, fmt.Errorf("pricestore: minute candles for date %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []MinuteCandle
	for rows.Next() {
		var c MinuteCandle
		c.Symbol = symbol
		if err := rows.Scan(&c.MinuteTS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentDailyCandles returns the most recent n daily candles, oldest->newest.
func (s *Store) RecentDailyCandles(symbol string, n int) ([]DailyCandle, error) {
	rows, err := s.data.DB.Query(`
		SELECT trade_date, open, high, low, close, volume
		FROM daily_candles
		WHERE symbol = ?
		ORDER BY trade_date DESC
		LIMIT ?
	`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("pricestore: recent daily candles %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []DailyCandle
	for rows.Next() {
		var c DailyCandle
		c.Symbol = symbol
		if err := rows.Scan(&c.TradeDate, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// HasMinimumMinuteCandles reports whether symbol has >= n minute candles
// (spec.md §4.3 "strategy precondition").
func (s *Store) HasMinimumMinuteCandles(symbol string, n int) (bool, error) {
	var count int
	err := s.data.DB.QueryRow(`SELECT COUNT(*) FROM minute_candles WHERE symbol = ?`, symbol).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("pricestore: count minute candles %s: %w", symbol, err)
	}
	return count >= n, nil
}

// HasMinimumDailyCandles reports whether symbol has >= n daily candles.
func (s *Store) HasMinimumDailyCandles(symbol string, n int) (bool, error) {
	var count int
	err := s.data.DB.QueryRow(`SELECT COUNT(*) FROM daily_candles WHERE symbol = ?`, symbol).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("pricestore: count daily candles %s: %w", symbol, err)
	}
	return count >= n, nil
}
