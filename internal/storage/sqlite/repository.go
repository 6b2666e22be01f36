package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"DerivRecon/internal/event"
	"DerivRecon/internal/pnl"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository persists the closed-position ledger and daily aggregates in
// SQLite for downstream consumers.
type Repository struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// NewRepository opens (creating if needed) the ledger database and
// initializes its schema.
func NewRepository(cfg Config) (*Repository, error) {
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/derivrecon.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database %q: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger database %q: %w", dbPath, err)
	}

	// SQLite serializes writers itself; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}

	cfg.Logger.Info().Str("path", dbPath).Msg("ledger database ready")
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS closed_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		trader_id TEXT NOT NULL,
		market_id TEXT NOT NULL,
		product_type TEXT NOT NULL,
		side TEXT NOT NULL,
		open_time TIMESTAMP NOT NULL,
		close_time TIMESTAMP NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		size REAL NOT NULL,
		gross_pnl REAL NOT NULL,
		net_pnl REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		fees REAL NOT NULL,
		close_reason TEXT NOT NULL,
		open_tx_hash TEXT,
		close_tx_hash TEXT
	);

	CREATE TABLE IF NOT EXISTS pnl_daily (
		date TEXT NOT NULL,
		trader_id TEXT NOT NULL,
		market_id TEXT NOT NULL,
		product_type TEXT NOT NULL,
		net_pnl REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		fees REAL NOT NULL,
		trade_count INTEGER NOT NULL,
		PRIMARY KEY (date, trader_id, market_id, product_type)
	);

	CREATE INDEX IF NOT EXISTS idx_closed_positions_trader ON closed_positions (trader_id, close_time);
	CREATE INDEX IF NOT EXISTS idx_closed_positions_position ON closed_positions (position_id);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// ReplaceClosedPositions replaces the stored ledger with the given run's
// output in a single transaction. Replay is deterministic, so a full
// rewrite is cheaper than diffing.
func (r *Repository) ReplaceClosedPositions(ctx context.Context, closed []pnl.ClosedPosition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM closed_positions`); err != nil {
		return fmt.Errorf("clear closed positions: %w", err)
	}

	const query = `
	INSERT INTO closed_positions (
		position_id, trader_id, market_id, product_type, side,
		open_time, close_time, entry_price, exit_price, size,
		gross_pnl, net_pnl, realized_pnl, fees, close_reason,
		open_tx_hash, close_tx_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare closed position insert: %w", err)
	}
	defer stmt.Close()

	for _, cp := range closed {
		_, err := stmt.ExecContext(ctx,
			cp.PositionID, cp.TraderID, cp.MarketID, string(cp.ProductType), string(cp.Side),
			cp.OpenTime.UTC(), cp.CloseTime.UTC(), cp.EntryPrice, cp.ExitPrice, cp.Size,
			cp.GrossPnL, cp.NetPnL, cp.RealizedPnL, cp.Fees, string(cp.CloseReason),
			cp.OpenTxHash, cp.CloseTxHash)
		if err != nil {
			return fmt.Errorf("insert closed position %s: %w", cp.PositionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit closed positions: %w", err)
	}
	r.logger.Debug().Int("count", len(closed)).Msg("closed positions persisted")
	return nil
}

// ReplaceAggregates replaces the stored daily aggregates with the given
// run's output in a single transaction.
func (r *Repository) ReplaceAggregates(ctx context.Context, aggs []pnl.Aggregate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin aggregate transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pnl_daily`); err != nil {
		return fmt.Errorf("clear daily aggregates: %w", err)
	}

	const query = `
	INSERT INTO pnl_daily (date, trader_id, market_id, product_type, net_pnl, realized_pnl, fees, trade_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare aggregate insert: %w", err)
	}
	defer stmt.Close()

	for _, agg := range aggs {
		_, err := stmt.ExecContext(ctx,
			agg.Date, agg.TraderID, agg.MarketID, string(agg.ProductType),
			agg.NetPnL, agg.RealizedPnL, agg.Fees, agg.TradeCount)
		if err != nil {
			return fmt.Errorf("insert aggregate %s/%s: %w", agg.Date, agg.TraderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit daily aggregates: %w", err)
	}
	r.logger.Debug().Int("count", len(aggs)).Msg("daily aggregates persisted")
	return nil
}

// ClosedPositionsByTrader returns a trader's closed positions in close
// time order.
func (r *Repository) ClosedPositionsByTrader(ctx context.Context, traderID string) ([]pnl.ClosedPosition, error) {
	const query = `
	SELECT position_id, trader_id, market_id, product_type, side,
	       open_time, close_time, entry_price, exit_price, size,
	       gross_pnl, net_pnl, realized_pnl, fees, close_reason,
	       open_tx_hash, close_tx_hash
	FROM closed_positions
	WHERE trader_id = ?
	ORDER BY close_time, position_id`

	rows, err := r.db.QueryContext(ctx, query, traderID)
	if err != nil {
		return nil, fmt.Errorf("query closed positions for %s: %w", traderID, err)
	}
	defer rows.Close()

	var out []pnl.ClosedPosition
	for rows.Next() {
		var cp pnl.ClosedPosition
		var productType, side, closeReason string
		var openTx, closeTx sql.NullString
		err := rows.Scan(
			&cp.PositionID, &cp.TraderID, &cp.MarketID, &productType, &side,
			&cp.OpenTime, &cp.CloseTime, &cp.EntryPrice, &cp.ExitPrice, &cp.Size,
			&cp.GrossPnL, &cp.NetPnL, &cp.RealizedPnL, &cp.Fees, &closeReason,
			&openTx, &closeTx)
		if err != nil {
			return nil, fmt.Errorf("scan closed position: %w", err)
		}
		cp.ProductType = event.ProductType(productType)
		cp.Side = event.Side(side)
		cp.CloseReason = event.EventType(closeReason)
		cp.OpenTxHash = openTx.String
		cp.CloseTxHash = closeTx.String
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate closed positions: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
