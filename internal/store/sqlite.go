package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	apperrors "dcaengine/pkg/errors"
)

// sqliteSchema mirrors the Postgres schema with SQLite-native types: ids
// and decimals as TEXT, timestamps as DATETIME (mattn/go-sqlite3 converts
// time.Time both ways), JSON documents as TEXT. SQLite supports the same
// partial unique indexes Postgres does, so the active-uniqueness
// invariants hold identically in both profiles.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	risk_config TEXT NOT NULL,
	default_dca_config_id TEXT NOT NULL DEFAULT '',
	same_pair_timeframe_bypass INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS dca_configs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	pair TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	exchange TEXT NOT NULL,
	entry_order_type TEXT NOT NULL,
	levels TEXT NOT NULL,
	pyramid_levels TEXT,
	tp_mode TEXT NOT NULL,
	tp_aggregate_percent TEXT NOT NULL DEFAULT '0',
	max_pyramids INTEGER NOT NULL DEFAULT 1,
	cancel_dca_beyond_percent TEXT NOT NULL DEFAULT '0',
	UNIQUE (user_id, pair, timeframe, exchange)
);

CREATE TABLE IF NOT EXISTS position_groups (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	side TEXT NOT NULL,
	status TEXT NOT NULL,
	dca_config_id TEXT NOT NULL DEFAULT '',
	total_dca_legs INTEGER NOT NULL DEFAULT 0,
	filled_dca_legs INTEGER NOT NULL DEFAULT 0,
	pyramid_count INTEGER NOT NULL DEFAULT 0,
	max_pyramids INTEGER NOT NULL DEFAULT 1,
	total_filled_quantity TEXT NOT NULL DEFAULT '0',
	total_invested_usd TEXT NOT NULL DEFAULT '0',
	weighted_avg_entry TEXT NOT NULL DEFAULT '0',
	realized_pnl_usd TEXT NOT NULL DEFAULT '0',
	risk_timer_start DATETIME,
	risk_timer_expires DATETIME,
	risk_eligible INTEGER NOT NULL DEFAULT 0,
	risk_blocked INTEGER NOT NULL DEFAULT 0,
	risk_skip_once INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	closed_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS position_groups_active_key
	ON position_groups (user_id, exchange, symbol, timeframe, side)
	WHERE status NOT IN ('closed', 'failed');

CREATE TABLE IF NOT EXISTS pyramids (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	pyramid_index INTEGER NOT NULL,
	status TEXT NOT NULL,
	config_snapshot TEXT NOT NULL,
	total_filled_qty TEXT NOT NULL DEFAULT '0',
	weighted_avg_cost TEXT NOT NULL DEFAULT '0',
	realized_pnl_usd TEXT NOT NULL DEFAULT '0',
	aggregate_tp_order_id TEXT NOT NULL DEFAULT '',
	closed_at DATETIME
);

CREATE TABLE IF NOT EXISTS dca_orders (
	id TEXT PRIMARY KEY,
	pyramid_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	leg_index INTEGER NOT NULL,
	price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	gap_percent TEXT NOT NULL DEFAULT '0',
	weight_percent TEXT NOT NULL DEFAULT '0',
	tp_percent TEXT NOT NULL DEFAULT '0',
	tp_price TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	filled_quantity TEXT NOT NULL DEFAULT '0',
	avg_fill_price TEXT NOT NULL DEFAULT '0',
	tp_order_id TEXT NOT NULL DEFAULT '',
	tp_hit INTEGER NOT NULL DEFAULT 0,
	filled_at DATETIME,
	is_tp_leg INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS dca_orders_group_idx ON dca_orders (group_id);
CREATE INDEX IF NOT EXISTS dca_orders_pyramid_idx ON dca_orders (pyramid_id);

CREATE TABLE IF NOT EXISTS queued_signals (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	exchange TEXT NOT NULL,
	side TEXT NOT NULL,
	status TEXT NOT NULL,
	entry_price TEXT NOT NULL DEFAULT '0',
	signal_payload TEXT NOT NULL,
	queued_at DATETIME NOT NULL,
	promoted_at DATETIME,
	replacement_count INTEGER NOT NULL DEFAULT 0,
	current_loss_percent TEXT NOT NULL DEFAULT '0',
	is_pyramid_continuation INTEGER NOT NULL DEFAULT 0,
	priority_score TEXT NOT NULL DEFAULT '0'
);
CREATE UNIQUE INDEX IF NOT EXISTS queued_signals_active_key
	ON queued_signals (user_id, symbol, timeframe, side)
	WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS risk_actions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	loser_group_id TEXT NOT NULL,
	loser_pnl_usd TEXT NOT NULL,
	winner_contribs TEXT NOT NULL,
	executed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS coordination_kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);
`

// SQLiteStore implements core.IStore and core.ICoordinationStore on an
// embedded SQLite database, the single-node profile used by integration
// tests and local development without a provisioned Postgres. SQLite has
// no SELECT ... FOR UPDATE; WithGroupLock serializes writers through a
// process-level mutex instead, which is equivalent for a single-process
// store.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

var (
	_ core.IStore             = (*SQLiteStore)(nil)
	_ core.ICoordinationStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database at path with WAL mode
// and a busy timeout, and ensures the schema exists. Use ":memory:" for
// throwaway test stores.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// A single connection keeps the shared in-memory database alive and
	// sidesteps SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ensure sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func scanUUID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

// --- IUserStore ---

func (s *SQLiteStore) GetUser(ctx context.Context, userID uuid.UUID) (*core.User, error) {
	var riskJSON, defaultCfg string
	var u core.User
	u.ID = userID
	err := s.db.QueryRowContext(ctx, `SELECT risk_config, default_dca_config_id, same_pair_timeframe_bypass FROM users WHERE id=?`, userID.String()).
		Scan(&riskJSON, &defaultCfg, &u.SamePairTimeframeBypass)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperrors.UserNotFoundException{UserID: userID.String()}
	}
	if err != nil {
		return nil, err
	}
	if defaultCfg != "" {
		u.DefaultDCAConfigID = scanUUID(defaultCfg)
	}
	if err := json.Unmarshal([]byte(riskJSON), &u.RiskConfig); err != nil {
		return nil, fmt.Errorf("store: unmarshal risk_config: %w", err)
	}
	return &u, nil
}

// PutUser inserts or replaces a user row (seeding helper for tests and
// the dev profile).
func (s *SQLiteStore) PutUser(ctx context.Context, u *core.User) error {
	data, err := json.Marshal(u.RiskConfig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO users (id, risk_config, default_dca_config_id, same_pair_timeframe_bypass, active)
		VALUES (?,?,?,?,1)`, u.ID.String(), string(data), u.DefaultDCAConfigID.String(), u.SamePairTimeframeBypass)
	return err
}

func (s *SQLiteStore) SaveRiskConfig(ctx context.Context, userID uuid.UUID, cfg core.RiskConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE users SET risk_config=? WHERE id=?`, string(data), userID.String())
	return err
}

func (s *SQLiteStore) ListActiveUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE active=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, scanUUID(id))
	}
	return out, rows.Err()
}

// --- IDCAConfigStore ---

func (s *SQLiteStore) GetConfig(ctx context.Context, userID uuid.UUID, pair, timeframe, exchange string) (*core.DCAConfiguration, error) {
	var cfg core.DCAConfiguration
	var id, levelsJSON, tpAgg, cancelBeyond string
	var pyramidLevelsJSON sql.NullString
	cfg.UserID = userID
	cfg.Pair = pair
	cfg.Timeframe = timeframe
	cfg.Exchange = exchange
	err := s.db.QueryRowContext(ctx, `SELECT id, entry_order_type, levels, pyramid_levels, tp_mode, tp_aggregate_percent, max_pyramids, cancel_dca_beyond_percent
		FROM dca_configs WHERE user_id=? AND pair=? AND timeframe=? AND exchange=?`,
		userID.String(), pair, timeframe, exchange).
		Scan(&id, &cfg.EntryOrderType, &levelsJSON, &pyramidLevelsJSON, &cfg.TPMode, &tpAgg, &cfg.MaxPyramids, &cancelBeyond)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.ID = scanUUID(id)
	if err := json.Unmarshal([]byte(levelsJSON), &cfg.Levels); err != nil {
		return nil, err
	}
	if pyramidLevelsJSON.Valid && pyramidLevelsJSON.String != "" {
		if err := json.Unmarshal([]byte(pyramidLevelsJSON.String), &cfg.PyramidLevels); err != nil {
			return nil, err
		}
	}
	cfg.TPAggregatePercent = dec(tpAgg)
	cfg.CancelDCABeyondPercent = dec(cancelBeyond)
	return &cfg, nil
}

// PutConfig inserts or replaces a DCAConfiguration row (seeding helper).
func (s *SQLiteStore) PutConfig(ctx context.Context, cfg *core.DCAConfiguration) error {
	levels, err := json.Marshal(cfg.Levels)
	if err != nil {
		return err
	}
	var pyramidLevels []byte
	if cfg.PyramidLevels != nil {
		if pyramidLevels, err = json.Marshal(cfg.PyramidLevels); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO dca_configs
		(id, user_id, pair, timeframe, exchange, entry_order_type, levels, pyramid_levels, tp_mode, tp_aggregate_percent, max_pyramids, cancel_dca_beyond_percent)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		cfg.ID.String(), cfg.UserID.String(), cfg.Pair, cfg.Timeframe, cfg.Exchange, string(cfg.EntryOrderType),
		string(levels), nullableString(pyramidLevels), string(cfg.TPMode), cfg.TPAggregatePercent.String(),
		cfg.MaxPyramids, cfg.CancelDCABeyondPercent.String())
	return err
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// --- IPositionGroupStore ---

func (s *SQLiteStore) CreateGroup(ctx context.Context, g *core.PositionGroup) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO position_groups
		(id, user_id, exchange, symbol, timeframe, side, status, dca_config_id, total_dca_legs, filled_dca_legs,
		 pyramid_count, max_pyramids, total_filled_quantity, total_invested_usd, weighted_avg_entry, realized_pnl_usd,
		 created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID.String(), g.UserID.String(), g.Exchange, g.Symbol, g.Timeframe, string(g.Side), string(g.Status),
		g.DCAConfigID.String(), g.TotalDCALegs, g.FilledDCALegs, g.PyramidCount, g.MaxPyramids,
		g.TotalFilledQuantity.String(), g.TotalInvestedUSD.String(), g.WeightedAvgEntry.String(), g.RealizedPnLUSD.String(),
		g.CreatedAt)
	if isSQLiteUniqueViolation(err) {
		return &apperrors.DuplicatePositionException{UserID: g.UserID.String(), Symbol: g.Symbol, Side: string(g.Side)}
	}
	return err
}

const sqliteGroupSelect = `SELECT id, user_id, exchange, symbol, timeframe, side, status, dca_config_id, total_dca_legs,
	filled_dca_legs, pyramid_count, max_pyramids, total_filled_quantity, total_invested_usd, weighted_avg_entry,
	realized_pnl_usd, risk_timer_start, risk_timer_expires, risk_eligible, risk_blocked, risk_skip_once, created_at, closed_at
	FROM position_groups`

func (s *SQLiteStore) GetGroup(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	g, err := scanSQLiteGroup(s.db.QueryRowContext(ctx, sqliteGroupSelect+` WHERE id=?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (s *SQLiteStore) GetActiveGroup(ctx context.Context, userID uuid.UUID, exchange, symbol, timeframe string, side core.Side) (*core.PositionGroup, error) {
	g, err := scanSQLiteGroup(s.db.QueryRowContext(ctx, sqliteGroupSelect+` WHERE user_id=? AND exchange=? AND symbol=? AND timeframe=? AND side=? AND status NOT IN ('closed','failed')`,
		userID.String(), exchange, symbol, timeframe, string(side)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (s *SQLiteStore) ListActiveGroups(ctx context.Context, userID uuid.UUID) ([]*core.PositionGroup, error) {
	rows, err := s.db.QueryContext(ctx, sqliteGroupSelect+` WHERE user_id=? AND status NOT IN ('closed','failed') ORDER BY created_at`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.PositionGroup
	for rows.Next() {
		g, err := scanSQLiteGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanSQLiteGroup(row rowScanner) (*core.PositionGroup, error) {
	var g core.PositionGroup
	var id, userID, side, status, dcaConfigID string
	var totalFilled, totalInvested, weightedAvg, realizedPnL string
	err := row.Scan(&id, &userID, &g.Exchange, &g.Symbol, &g.Timeframe, &side, &status, &dcaConfigID,
		&g.TotalDCALegs, &g.FilledDCALegs, &g.PyramidCount, &g.MaxPyramids,
		&totalFilled, &totalInvested, &weightedAvg, &realizedPnL,
		&g.RiskTimer.Start, &g.RiskTimer.Expires, &g.RiskTimer.Eligible, &g.RiskTimer.Blocked, &g.RiskTimer.SkipOnce,
		&g.CreatedAt, &g.ClosedAt)
	if err != nil {
		return nil, err
	}
	g.ID = scanUUID(id)
	g.UserID = scanUUID(userID)
	g.DCAConfigID = scanUUID(dcaConfigID)
	g.Side = core.Side(side)
	g.Status = core.PositionGroupStatus(status)
	g.TotalFilledQuantity = dec(totalFilled)
	g.TotalInvestedUSD = dec(totalInvested)
	g.WeightedAvgEntry = dec(weightedAvg)
	g.RealizedPnLUSD = dec(realizedPnL)
	return &g, nil
}

func (s *SQLiteStore) WithGroupLock(ctx context.Context, groupID uuid.UUID, fn func(g *core.PositionGroup) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return &apperrors.ValidationError{Field: "group_id", Reason: "group not found: " + groupID.String()}
	}
	if err := fn(g); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE position_groups SET status=?, total_dca_legs=?, filled_dca_legs=?,
		pyramid_count=?, max_pyramids=?, total_filled_quantity=?, total_invested_usd=?, weighted_avg_entry=?,
		realized_pnl_usd=?, risk_timer_start=?, risk_timer_expires=?, risk_eligible=?, risk_blocked=?,
		risk_skip_once=?, closed_at=? WHERE id=?`,
		string(g.Status), g.TotalDCALegs, g.FilledDCALegs, g.PyramidCount, g.MaxPyramids,
		g.TotalFilledQuantity.String(), g.TotalInvestedUSD.String(), g.WeightedAvgEntry.String(), g.RealizedPnLUSD.String(),
		g.RiskTimer.Start, g.RiskTimer.Expires, g.RiskTimer.Eligible, g.RiskTimer.Blocked, g.RiskTimer.SkipOnce,
		g.ClosedAt, g.ID.String())
	return err
}

// --- IPyramidStore ---

func (s *SQLiteStore) CreatePyramid(ctx context.Context, p *core.Pyramid) error {
	snap, err := json.Marshal(p.ConfigSnapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO pyramids (id, group_id, pyramid_index, status, config_snapshot,
		total_filled_qty, weighted_avg_cost, realized_pnl_usd, aggregate_tp_order_id)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID.String(), p.GroupID.String(), p.Index, string(p.Status), string(snap),
		p.TotalFilledQty.String(), p.WeightedAvgCost.String(), p.RealizedPnLUSD.String(), p.AggregateTPOrderID)
	return err
}

const sqlitePyramidSelect = `SELECT id, group_id, pyramid_index, status, config_snapshot, total_filled_qty,
	weighted_avg_cost, realized_pnl_usd, aggregate_tp_order_id, closed_at FROM pyramids`

func (s *SQLiteStore) GetPyramid(ctx context.Context, id uuid.UUID) (*core.Pyramid, error) {
	p, err := scanSQLitePyramid(s.db.QueryRowContext(ctx, sqlitePyramidSelect+` WHERE id=?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) ListPyramids(ctx context.Context, groupID uuid.UUID) ([]*core.Pyramid, error) {
	rows, err := s.db.QueryContext(ctx, sqlitePyramidSelect+` WHERE group_id=? ORDER BY pyramid_index`, groupID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Pyramid
	for rows.Next() {
		p, err := scanSQLitePyramid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePyramid(ctx context.Context, p *core.Pyramid) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pyramids SET status=?, total_filled_qty=?, weighted_avg_cost=?,
		realized_pnl_usd=?, aggregate_tp_order_id=?, closed_at=? WHERE id=?`,
		string(p.Status), p.TotalFilledQty.String(), p.WeightedAvgCost.String(), p.RealizedPnLUSD.String(),
		p.AggregateTPOrderID, p.ClosedAt, p.ID.String())
	return err
}

func scanSQLitePyramid(row rowScanner) (*core.Pyramid, error) {
	var p core.Pyramid
	var id, groupID, status, snap string
	var totalFilled, avgCost, pnl string
	if err := row.Scan(&id, &groupID, &p.Index, &status, &snap, &totalFilled, &avgCost, &pnl, &p.AggregateTPOrderID, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.ID = scanUUID(id)
	p.GroupID = scanUUID(groupID)
	p.Status = core.PyramidStatus(status)
	if err := json.Unmarshal([]byte(snap), &p.ConfigSnapshot); err != nil {
		return nil, err
	}
	p.TotalFilledQty = dec(totalFilled)
	p.WeightedAvgCost = dec(avgCost)
	p.RealizedPnLUSD = dec(pnl)
	return &p, nil
}

// --- IDCAOrderStore ---

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *core.DCAOrder) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO dca_orders (id, pyramid_id, group_id, leg_index, price, quantity,
		gap_percent, weight_percent, tp_percent, tp_price, status, exchange_order_id, filled_quantity, avg_fill_price,
		tp_order_id, tp_hit, filled_at, is_tp_leg)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID.String(), o.PyramidID.String(), o.GroupID.String(), o.LegIndex, o.Price.String(), o.Quantity.String(),
		o.GapPercent.String(), o.WeightPercent.String(), o.TPPercent.String(), o.TPPrice.String(),
		string(o.Status), o.ExchangeOrderID, o.FilledQuantity.String(), o.AvgFillPrice.String(),
		o.TPOrderID, o.TPHit, o.FilledAt, o.IsTPLeg)
	return err
}

const sqliteOrderSelect = `SELECT id, pyramid_id, group_id, leg_index, price, quantity, gap_percent, weight_percent,
	tp_percent, tp_price, status, exchange_order_id, filled_quantity, avg_fill_price, tp_order_id, tp_hit, filled_at,
	is_tp_leg FROM dca_orders`

func (s *SQLiteStore) GetOrder(ctx context.Context, id uuid.UUID) (*core.DCAOrder, error) {
	o, err := scanSQLiteOrder(s.db.QueryRowContext(ctx, sqliteOrderSelect+` WHERE id=?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// SaveOrder mirrors the Postgres discipline: status and filled_quantity
// travel in one UPDATE.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *core.DCAOrder) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dca_orders SET status=?, exchange_order_id=?, filled_quantity=?,
		avg_fill_price=?, tp_order_id=?, tp_price=?, tp_hit=?, filled_at=? WHERE id=?`,
		string(o.Status), o.ExchangeOrderID, o.FilledQuantity.String(), o.AvgFillPrice.String(),
		o.TPOrderID, o.TPPrice.String(), o.TPHit, o.FilledAt, o.ID.String())
	return err
}

func (s *SQLiteStore) ListOrders(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := s.db.QueryContext(ctx, sqliteOrderSelect+` WHERE group_id=? ORDER BY leg_index`, groupID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteOrders(rows)
}

func (s *SQLiteStore) ListOrdersByPyramid(ctx context.Context, pyramidID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := s.db.QueryContext(ctx, sqliteOrderSelect+` WHERE pyramid_id=? ORDER BY leg_index`, pyramidID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteOrders(rows)
}

func (s *SQLiteStore) ListNonTerminalOrdersForUser(ctx context.Context, userID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT o.id, o.pyramid_id, o.group_id, o.leg_index, o.price, o.quantity,
		o.gap_percent, o.weight_percent, o.tp_percent, o.tp_price, o.status, o.exchange_order_id, o.filled_quantity,
		o.avg_fill_price, o.tp_order_id, o.tp_hit, o.filled_at, o.is_tp_leg
		FROM dca_orders o JOIN position_groups g ON o.group_id = g.id
		WHERE g.user_id = ? AND o.status NOT IN ('filled','cancelled','failed')`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteOrders(rows)
}

func scanSQLiteOrders(rows *sql.Rows) ([]*core.DCAOrder, error) {
	var out []*core.DCAOrder
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanSQLiteOrder(row rowScanner) (*core.DCAOrder, error) {
	var o core.DCAOrder
	var id, pyramidID, groupID, status string
	var price, qty, gap, weight, tpPct, tpPrice, filledQty, avgFill string
	if err := row.Scan(&id, &pyramidID, &groupID, &o.LegIndex, &price, &qty, &gap, &weight, &tpPct, &tpPrice,
		&status, &o.ExchangeOrderID, &filledQty, &avgFill, &o.TPOrderID, &o.TPHit, &o.FilledAt, &o.IsTPLeg); err != nil {
		return nil, err
	}
	o.ID = scanUUID(id)
	o.PyramidID = scanUUID(pyramidID)
	o.GroupID = scanUUID(groupID)
	o.Status = core.OrderStatus(status)
	o.Price = dec(price)
	o.Quantity = dec(qty)
	o.GapPercent = dec(gap)
	o.WeightPercent = dec(weight)
	o.TPPercent = dec(tpPct)
	o.TPPrice = dec(tpPrice)
	o.FilledQuantity = dec(filledQty)
	o.AvgFillPrice = dec(avgFill)
	return &o, nil
}

// --- IQueuedSignalStore ---

func (s *SQLiteStore) Upsert(ctx context.Context, qs *core.QueuedSignal) error {
	payload, err := json.Marshal(qs.SignalPayload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO queued_signals (id, user_id, symbol, timeframe, exchange, side, status,
		entry_price, signal_payload, queued_at, promoted_at, replacement_count, current_loss_percent,
		is_pyramid_continuation, priority_score)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (user_id, symbol, timeframe, side) WHERE status = 'queued' DO UPDATE SET
			replacement_count = excluded.replacement_count,
			entry_price = excluded.entry_price,
			signal_payload = excluded.signal_payload,
			is_pyramid_continuation = excluded.is_pyramid_continuation`,
		qs.ID.String(), qs.UserID.String(), qs.Symbol, qs.Timeframe, qs.Exchange, string(qs.Side), string(qs.Status),
		qs.EntryPrice.String(), string(payload), qs.QueuedAt, qs.PromotedAt, qs.ReplacementCount,
		qs.CurrentLossPercent.String(), qs.IsPyramidContinuation, qs.PriorityScore.String())
	return err
}

const sqliteQueuedSelect = `SELECT id, user_id, symbol, timeframe, exchange, side, status, entry_price, signal_payload,
	queued_at, promoted_at, replacement_count, current_loss_percent, is_pyramid_continuation, priority_score
	FROM queued_signals`

func (s *SQLiteStore) GetActive(ctx context.Context, userID uuid.UUID, symbol, timeframe string, side core.Side) (*core.QueuedSignal, error) {
	qs, err := scanSQLiteQueued(s.db.QueryRowContext(ctx, sqliteQueuedSelect+` WHERE user_id=? AND symbol=? AND timeframe=? AND side=? AND status='queued'`,
		userID.String(), symbol, timeframe, string(side)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return qs, err
}

func (s *SQLiteStore) ListQueued(ctx context.Context) ([]*core.QueuedSignal, error) {
	rows, err := s.db.QueryContext(ctx, sqliteQueuedSelect+` WHERE status='queued' ORDER BY queued_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteQueuedRows(rows)
}

func (s *SQLiteStore) ListQueuedForUser(ctx context.Context, userID uuid.UUID) ([]*core.QueuedSignal, error) {
	rows, err := s.db.QueryContext(ctx, sqliteQueuedSelect+` WHERE user_id=? AND status='queued' ORDER BY queued_at`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteQueuedRows(rows)
}

func (s *SQLiteStore) Save(ctx context.Context, qs *core.QueuedSignal) error {
	payload, err := json.Marshal(qs.SignalPayload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE queued_signals SET status=?, entry_price=?, signal_payload=?, promoted_at=?,
		replacement_count=?, current_loss_percent=?, is_pyramid_continuation=?, priority_score=? WHERE id=?`,
		string(qs.Status), qs.EntryPrice.String(), string(payload), qs.PromotedAt, qs.ReplacementCount,
		qs.CurrentLossPercent.String(), qs.IsPyramidContinuation, qs.PriorityScore.String(), qs.ID.String())
	return err
}

func (s *SQLiteStore) CancelAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queued_signals SET status='cancelled' WHERE user_id=? AND status='queued'`, userID.String())
	return err
}

func (s *SQLiteStore) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_signals WHERE id=?`, id.String())
	return err
}

func scanSQLiteQueuedRows(rows *sql.Rows) ([]*core.QueuedSignal, error) {
	var out []*core.QueuedSignal
	for rows.Next() {
		qs, err := scanSQLiteQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qs)
	}
	return out, rows.Err()
}

func scanSQLiteQueued(row rowScanner) (*core.QueuedSignal, error) {
	var qs core.QueuedSignal
	var id, userID, side, status string
	var entryPrice, lossPercent, priority, payload string
	if err := row.Scan(&id, &userID, &qs.Symbol, &qs.Timeframe, &qs.Exchange, &side, &status, &entryPrice,
		&payload, &qs.QueuedAt, &qs.PromotedAt, &qs.ReplacementCount, &lossPercent, &qs.IsPyramidContinuation, &priority); err != nil {
		return nil, err
	}
	qs.ID = scanUUID(id)
	qs.UserID = scanUUID(userID)
	qs.Side = core.Side(side)
	qs.Status = core.QueuedSignalStatus(status)
	qs.EntryPrice = dec(entryPrice)
	qs.CurrentLossPercent = dec(lossPercent)
	qs.PriorityScore = dec(priority)
	if err := json.Unmarshal([]byte(payload), &qs.SignalPayload); err != nil {
		return nil, err
	}
	return &qs, nil
}

// --- IRiskActionStore ---

func (s *SQLiteStore) Record(ctx context.Context, a *core.RiskAction) error {
	contribs, err := json.Marshal(a.WinnerContribs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO risk_actions (id, user_id, loser_group_id, loser_pnl_usd, winner_contribs, executed_at)
		VALUES (?,?,?,?,?,?)`, a.ID.String(), a.UserID.String(), a.LoserGroupID.String(), a.LoserPnLUSD.String(), string(contribs), a.ExecutedAt)
	return err
}

func (s *SQLiteStore) SumRealizedPnLToday(ctx context.Context, userID uuid.UUID, day time.Time) (decimal.Decimal, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	sum := decimal.Zero
	rows, err := s.db.QueryContext(ctx, `SELECT realized_pnl_usd FROM position_groups
		WHERE user_id=? AND status='closed' AND closed_at >= ? AND closed_at < ?`, userID.String(), dayStart, dayEnd)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(dec(v))
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}

	actionRows, err := s.db.QueryContext(ctx, `SELECT loser_pnl_usd FROM risk_actions
		WHERE user_id=? AND executed_at >= ? AND executed_at < ?`, userID.String(), dayStart, dayEnd)
	if err != nil {
		return decimal.Zero, err
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var v string
		if err := actionRows.Scan(&v); err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(dec(v))
	}
	return sum, actionRows.Err()
}

// --- ICoordinationStore ---

func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var expires time.Time
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM coordination_kv WHERE key=?`, key).Scan(&expires)
	if err == nil && time.Now().Before(expires) {
		return false, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO coordination_kv (key, value, expires_at) VALUES (?,?,?)`,
		key, value, time.Now().Add(ttl))
	return err == nil, err
}

func (s *SQLiteStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM coordination_kv WHERE key=? AND value=?`, key, expected)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expires time.Time
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM coordination_kv WHERE key=?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().After(expires) {
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO coordination_kv (key, value, expires_at) VALUES (?,?,?)`,
		key, value, time.Now().Add(ttl))
	return err
}

func (s *SQLiteStore) Del(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM coordination_kv WHERE key=?`, key)
	return err
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, service string, ttl time.Duration) error {
	return s.Set(ctx, "service_health:"+service, time.Now().Format(time.RFC3339), ttl)
}

func (s *SQLiteStore) IsHealthy(ctx context.Context, service string) (bool, error) {
	_, ok, err := s.Get(ctx, "service_health:"+service)
	return ok, err
}
