// Package store persists portfolios, trades and the cycle journal in
// SQLite (default) or PostgreSQL through database/sql.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"aitrade/ledger"
	"aitrade/rules"
	"aitrade/trader"
)

// Config database selection
type Config struct {
	Driver      string `json:"driver" mapstructure:"driver"`             // "sqlite" or "postgres"
	Path        string `json:"path" mapstructure:"path"`                 // SQLite file
	DatabaseURL string `json:"database_url" mapstructure:"database_url"` // PostgreSQL DSN
}

// Store SQL-backed implementation of ledger.Store and trader.Journal
type Store struct {
	db         *sql.DB
	isPostgres bool
	log        *zap.Logger
}

var (
	_ ledger.Store   = (*Store)(nil)
	_ trader.Journal = (*Store)(nil)
)

// Open connects, pings and creates the schema.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	s := &Store{log: log.Named("store")}

	switch cfg.Driver {
	case "postgres", "postgresql":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database_url is required for postgres")
		}
		dsn := cfg.DatabaseURL
		if !strings.Contains(dsn, "connect_timeout") {
			if strings.Contains(dsn, "?") {
				dsn += "&connect_timeout=30"
			} else {
				dsn += "?connect_timeout=30"
			}
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(10 * time.Minute)
		s.db = db
		s.isPostgres = true

	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "data/aitrade.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		s.db = db

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("ping database (%s): %w", maskConnectionString(cfg.DatabaseURL), err)
	}
	if err := s.initDB(ctx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.log.Info("database ready", zap.Bool("postgres", s.isPostgres))
	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initDB(ctx context.Context) error {
	schema := sqliteSchema
	if s.isPostgres {
		schema = postgresSchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// maskConnectionString masks the password in a DSN for logging
func maskConnectionString(connStr string) string {
	if connStr == "" {
		return "sqlite"
	}
	if idx := strings.Index(connStr, "://"); idx != -1 {
		start := idx + 3
		if at := strings.Index(connStr[start:], "@"); at != -1 {
			if colon := strings.Index(connStr[start:start+at], ":"); colon != -1 {
				return connStr[:start+colon+1] + "***" + connStr[start+at:]
			}
		}
	}
	return "***"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LoadPortfolio reads the portfolio row and its positions.
func (s *Store) LoadPortfolio(ctx context.Context, traderID string) (*ledger.Portfolio, error) {
	p := &ledger.Portfolio{Positions: make(map[string]*ledger.Position)}
	var market string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT trader_id, market, cash, initial_capital, realized_pnl, fees_paid, leverage_ceiling,
			trading_day, next_seq, active, halted, halt_reason, created_at, updated_at
		FROM portfolios WHERE trader_id = ?`), traderID).Scan(
		&p.TraderID, &market, &p.Cash, &p.InitialCapital, &p.RealizedPnL, &p.FeesPaid, &p.LeverageCeiling,
		&p.TradingDay, &p.NextSeq, &p.Active, &p.Halted, &p.HaltReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPortfolioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query portfolio: %w", err)
	}
	p.Market = rules.Market(market)
	p.CreatedAt = fromMS(createdAt)
	p.UpdatedAt = fromMS(updatedAt)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT symbol, quantity, locked_quantity, locked_day, avg_price, borrowed, leverage,
			mark_price, unrealized_pnl, opened_at, updated_at
		FROM positions WHERE trader_id = ? ORDER BY symbol`), traderID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		pos := &ledger.Position{}
		var opened, updated int64
		if err := rows.Scan(&pos.Symbol, &pos.Quantity, &pos.LockedQuantity, &pos.LockedDay, &pos.AvgPrice,
			&pos.Borrowed, &pos.Leverage, &pos.MarkPrice, &pos.UnrealizedPnL, &opened, &updated); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		pos.OpenedAt = fromMS(opened)
		pos.UpdatedAt = fromMS(updated)
		p.Positions[pos.Symbol] = pos
	}
	return p, rows.Err()
}

// SavePortfolio upserts the portfolio and replaces its positions in one transaction.
func (s *Store) SavePortfolio(ctx context.Context, p *ledger.Portfolio) error {
	if p == nil || p.TraderID == "" {
		return ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.savePortfolio(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) savePortfolio(ctx context.Context, ex execer, p *ledger.Portfolio) error {
	_, err := ex.ExecContext(ctx, s.rebind(`
		INSERT INTO portfolios (trader_id, market, cash, initial_capital, realized_pnl, fees_paid,
			leverage_ceiling, trading_day, next_seq, active, halted, halt_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trader_id) DO UPDATE SET
			market = excluded.market,
			cash = excluded.cash,
			initial_capital = excluded.initial_capital,
			realized_pnl = excluded.realized_pnl,
			fees_paid = excluded.fees_paid,
			leverage_ceiling = excluded.leverage_ceiling,
			trading_day = excluded.trading_day,
			next_seq = excluded.next_seq,
			active = excluded.active,
			halted = excluded.halted,
			halt_reason = excluded.halt_reason,
			updated_at = excluded.updated_at`),
		p.TraderID, string(p.Market), p.Cash, p.InitialCapital, p.RealizedPnL, p.FeesPaid,
		p.LeverageCeiling, p.TradingDay, p.NextSeq, p.Active, p.Halted, p.HaltReason, ms(p.CreatedAt), ms(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert portfolio: %w", err)
	}

	if _, err := ex.ExecContext(ctx, s.rebind(`DELETE FROM positions WHERE trader_id = ?`), p.TraderID); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	for _, pos := range p.SortedPositions() {
		_, err := ex.ExecContext(ctx, s.rebind(`
			INSERT INTO positions (trader_id, symbol, quantity, locked_quantity, locked_day, avg_price,
				borrowed, leverage, mark_price, unrealized_pnl, opened_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			p.TraderID, pos.Symbol, pos.Quantity, pos.LockedQuantity, pos.LockedDay, pos.AvgPrice,
			pos.Borrowed, pos.Leverage, pos.MarkPrice, pos.UnrealizedPnL, ms(pos.OpenedAt), ms(pos.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert position %s: %w", pos.Symbol, err)
		}
	}
	return nil
}

// CommitTrade appends the trade and saves the resulting portfolio atomically.
func (s *Store) CommitTrade(ctx context.Context, p *ledger.Portfolio, t *ledger.Trade) error {
	if p == nil || t == nil || t.TraderID != p.TraderID {
		return ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO trades (id, trader_id, seq, symbol, side, quantity, price, notional, commission,
			stamp_duty, cash_delta, realized_pnl, leverage, synthetic, price_time, trading_day, reason,
			pos_quantity, pos_locked, pos_avg_price, pos_borrowed, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.TraderID, t.Seq, t.Symbol, string(t.Side), t.Quantity, t.Price, t.Notional, t.Commission,
		t.StampDuty, t.CashDelta, t.RealizedPnL, t.Leverage, t.Synthetic, ms(t.PriceTime), t.TradingDay, t.Reason,
		t.Position.Quantity, t.Position.LockedQuantity, t.Position.AvgPrice, t.Position.Borrowed, ms(t.ExecutedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trade %s #%d: %w", t.TraderID, t.Seq, ErrDuplicateKey)
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	if err := s.savePortfolio(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// ListTrades returns the latest limit trades in seq order (limit <= 0: all).
func (s *Store) ListTrades(ctx context.Context, traderID string, limit int) ([]ledger.Trade, error) {
	query := `
		SELECT id, trader_id, seq, symbol, side, quantity, price, notional, commission, stamp_duty,
			cash_delta, realized_pnl, leverage, synthetic, price_time, trading_day, reason,
			pos_quantity, pos_locked, pos_avg_price, pos_borrowed, executed_at
		FROM trades WHERE trader_id = ? ORDER BY seq DESC`
	args := []any{traderID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []ledger.Trade
	for rows.Next() {
		var t ledger.Trade
		var side string
		var priceTime, executedAt int64
		if err := rows.Scan(&t.ID, &t.TraderID, &t.Seq, &t.Symbol, &side, &t.Quantity, &t.Price, &t.Notional,
			&t.Commission, &t.StampDuty, &t.CashDelta, &t.RealizedPnL, &t.Leverage, &t.Synthetic, &priceTime,
			&t.TradingDay, &t.Reason, &t.Position.Quantity, &t.Position.LockedQuantity, &t.Position.AvgPrice,
			&t.Position.Borrowed, &executedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = rules.Side(side)
		t.PriceTime = fromMS(priceTime)
		t.ExecutedAt = fromMS(executedAt)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest first from the query, callers want seq order
	return reverse(trades), nil
}

// ListPortfolios returns every portfolio with its positions, ordered by trader.
func (s *Store) ListPortfolios(ctx context.Context) ([]*ledger.Portfolio, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trader_id FROM portfolios ORDER BY trader_id`)
	if err != nil {
		return nil, fmt.Errorf("query portfolios: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*ledger.Portfolio, 0, len(ids))
	for _, id := range ids {
		p, err := s.LoadPortfolio(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) RecordRejection(ctx context.Context, r trader.RejectionRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO rejections (trader_id, cycle, symbol, side, quantity, price, reason, detail, synthetic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.TraderID, r.Cycle, r.Symbol, string(r.Side), r.Quantity, r.Price, string(r.Reason), r.Detail, r.Synthetic, ms(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

func (s *Store) RecordDecision(ctx context.Context, d trader.DecisionRecord) error {
	intents, err := json.Marshal(d.Intents)
	if err != nil {
		return fmt.Errorf("marshal intents: %w", err)
	}
	notes, err := json.Marshal(d.Notes)
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO decisions (trader_id, cycle, outcome, system_prompt, user_prompt, raw_response, intents,
			parse_failure, error, notes, executed, rejected, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.TraderID, d.Cycle, string(d.Outcome), d.SystemPrompt, d.UserPrompt, d.RawResponse, string(intents),
		d.ParseFailure, d.Error, string(notes), d.Executed, d.Rejected, ms(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *Store) RecordEquity(ctx context.Context, e trader.EquityPoint) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO account_values (trader_id, cycle, cash, position_value, liabilities, equity,
			realized_pnl, unrealized_pnl, return_pct, positions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.TraderID, e.Cycle, e.Cash, e.PositionValue, e.Liabilities, e.Equity,
		e.RealizedPnL, e.UnrealizedPnL, e.ReturnPct, e.Positions, ms(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert account value: %w", err)
	}
	return nil
}

// ListRejections returns the latest limit rejections, oldest first.
func (s *Store) ListRejections(ctx context.Context, traderID string, limit int) ([]trader.RejectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, trader_id, cycle, symbol, side, quantity, price, reason, detail, synthetic, created_at
		FROM rejections WHERE trader_id = ? ORDER BY id DESC LIMIT ?`), traderID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("query rejections: %w", err)
	}
	defer rows.Close()

	var out []trader.RejectionRecord
	for rows.Next() {
		var r trader.RejectionRecord
		var side, reason string
		var created int64
		if err := rows.Scan(&r.ID, &r.TraderID, &r.Cycle, &r.Symbol, &side, &r.Quantity, &r.Price,
			&reason, &r.Detail, &r.Synthetic, &created); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		r.Side = rules.Side(side)
		r.Reason = rules.RejectionReason(reason)
		r.CreatedAt = fromMS(created)
		out = append(out, r)
	}
	return reverse(out), rows.Err()
}

// ListDecisions returns the latest limit decisions, oldest first.
func (s *Store) ListDecisions(ctx context.Context, traderID string, limit int) ([]trader.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, trader_id, cycle, outcome, system_prompt, user_prompt, raw_response, intents,
			parse_failure, error, notes, executed, rejected, created_at
		FROM decisions WHERE trader_id = ? ORDER BY id DESC LIMIT ?`), traderID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []trader.DecisionRecord
	for rows.Next() {
		var d trader.DecisionRecord
		var outcome string
		var systemPrompt, userPrompt, raw, intents, notes sql.NullString
		var created int64
		if err := rows.Scan(&d.ID, &d.TraderID, &d.Cycle, &outcome, &systemPrompt, &userPrompt, &raw, &intents,
			&d.ParseFailure, &d.Error, &notes, &d.Executed, &d.Rejected, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Outcome = trader.Outcome(outcome)
		d.SystemPrompt = systemPrompt.String
		d.UserPrompt = userPrompt.String
		d.RawResponse = raw.String
		if intents.Valid && intents.String != "" {
			if err := json.Unmarshal([]byte(intents.String), &d.Intents); err != nil {
				s.log.Warn("bad intents json", zap.Int64("decision_id", d.ID), zap.Error(err))
			}
		}
		if notes.Valid && notes.String != "" {
			if err := json.Unmarshal([]byte(notes.String), &d.Notes); err != nil {
				s.log.Warn("bad notes json", zap.Int64("decision_id", d.ID), zap.Error(err))
			}
		}
		d.CreatedAt = fromMS(created)
		out = append(out, d)
	}
	return reverse(out), rows.Err()
}

// ListEquity returns the latest limit equity points, oldest first.
func (s *Store) ListEquity(ctx context.Context, traderID string, limit int) ([]trader.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, trader_id, cycle, cash, position_value, liabilities, equity, realized_pnl,
			unrealized_pnl, return_pct, positions, created_at
		FROM account_values WHERE trader_id = ? ORDER BY id DESC LIMIT ?`), traderID, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("query account values: %w", err)
	}
	defer rows.Close()

	var out []trader.EquityPoint
	for rows.Next() {
		var e trader.EquityPoint
		var created int64
		if err := rows.Scan(&e.ID, &e.TraderID, &e.Cycle, &e.Cash, &e.PositionValue, &e.Liabilities, &e.Equity,
			&e.RealizedPnL, &e.UnrealizedPnL, &e.ReturnPct, &e.Positions, &created); err != nil {
			return nil, fmt.Errorf("scan account value: %w", err)
		}
		e.CreatedAt = fromMS(created)
		out = append(out, e)
	}
	return reverse(out), rows.Err()
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func reverse[T any](items []T) []T {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}
