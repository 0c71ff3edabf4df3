package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// Record is one persisted analytics observation. Prices are stored as TEXT so
// the decimal representation round-trips exactly.
type Record struct {
	ID           string
	Symbol       string
	Timestamp    time.Time
	BestBid      string
	BestBidVenue string
	BestAsk      string
	BestAskVenue string
	Spread       string
	Gap          string
	RawGap       string
	BuyExchange  string
	SellExchange string
}

// Store is the append-only SQLite sink for analytics snapshots.
type Store struct {
	config *appconfig.Config
	db     *sql.DB
	log    *logger.Log

	mu      sync.Mutex
	pending int
}

func NewStore(cfg *appconfig.Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging history db: %w", err)
	}

	s := &Store{config: cfg, db: db, log: logger.GetLogger()}

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		s.log.WithComponent("history").WithError(err).Warn("failed to set WAL mode")
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		s.log.WithComponent("history").WithError(err).Warn("failed to set synchronous mode")
	}

	if err := s.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS arbitrage_history (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			best_bid TEXT,
			best_bid_exchange TEXT,
			best_ask TEXT,
			best_ask_exchange TEXT,
			spread TEXT,
			gap TEXT NOT NULL,
			raw_gap TEXT NOT NULL,
			buy_exchange TEXT,
			sell_exchange TEXT
		);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("creating arbitrage_history: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_history_symbol_ts ON arbitrage_history (symbol, timestamp);"); err != nil {
		return fmt.Errorf("creating history index: %w", err)
	}
	return nil
}

// Run drains the snapshot sink until the context is cancelled.
func (s *Store) Run(ctx context.Context, snapshots <-chan models.AnalyticsSnapshot) {
	log := s.log.WithComponent("history")
	log.Info("history sink started")
	for {
		select {
		case <-ctx.Done():
			log.Info("history sink stopped")
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := s.Append(snap); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": snap.Symbol}).Error("failed to append history row")
			}
		}
	}
}

// Append persists one snapshot and prunes when the configured row cap is
// exceeded.
func (s *Store) Append(snap models.AnalyticsSnapshot) error {
	var bid, ask, spread string
	if snap.GlobalBestBid != nil {
		bid = snap.GlobalBestBid.String()
	}
	if snap.GlobalBestAsk != nil {
		ask = snap.GlobalBestAsk.String()
	}
	if snap.Spread != nil {
		spread = snap.Spread.String()
	}

	_, err := s.db.Exec(`
		INSERT INTO arbitrage_history (
			id, symbol, timestamp,
			best_bid, best_bid_exchange, best_ask, best_ask_exchange,
			spread, gap, raw_gap, buy_exchange, sell_exchange
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Symbol, snap.Timestamp.UnixMilli(),
		bid, snap.GlobalBestBidExchange, ask, snap.GlobalBestAskExchange,
		spread, snap.Arbitrage.Gap.String(), snap.Arbitrage.RawGap.String(),
		snap.Arbitrage.BuyExchange, snap.Arbitrage.SellExchange,
	)
	if err != nil {
		return fmt.Errorf("inserting history row: %w", err)
	}
	logger.IncrementHistoryWrites()

	s.mu.Lock()
	s.pending++
	shouldPrune := s.config.History.MaxRows > 0 && s.pending >= 100
	if shouldPrune {
		s.pending = 0
	}
	s.mu.Unlock()

	if shouldPrune {
		if err := s.prune(); err != nil {
			s.log.WithComponent("history").WithError(err).Warn("history prune failed")
		}
	}
	return nil
}

func (s *Store) prune() error {
	_, err := s.db.Exec(`
		DELETE FROM arbitrage_history WHERE id NOT IN (
			SELECT id FROM arbitrage_history ORDER BY timestamp DESC LIMIT ?
		)`, s.config.History.MaxRows)
	return err
}

// Recent returns up to n rows for the symbol in chronological order, oldest
// first.
func (s *Store) Recent(symbol string, n int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, timestamp,
			best_bid, best_bid_exchange, best_ask, best_ask_exchange,
			spread, gap, raw_gap, buy_exchange, sell_exchange
		FROM arbitrage_history
		WHERE symbol = ?
		ORDER BY timestamp DESC
		LIMIT ?`, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		if err := rows.Scan(
			&r.ID, &r.Symbol, &ts,
			&r.BestBid, &r.BestBidVenue, &r.BestAsk, &r.BestAskVenue,
			&r.Spread, &r.Gap, &r.RawGap, &r.BuyExchange, &r.SellExchange,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Clear deletes all rows for the symbol, or every row when symbol is empty.
func (s *Store) Clear(symbol string) error {
	var err error
	if symbol == "" {
		_, err = s.db.Exec("DELETE FROM arbitrage_history")
	} else {
		_, err = s.db.Exec("DELETE FROM arbitrage_history WHERE symbol = ?", symbol)
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
