// Package store implements the persistence layer: a Postgres-backed
// relational store (PostgresStore) used in production, a
// lightweight embedded SQLite store (SQLiteStore, see sqlite.go) for
// integration tests and single-node development, and an in-memory
// MemStore (memstore.go) backing unit tests and the zero-dependency dev
// profile.
//
// PostgresStore maps the engine's partial-unique-index invariants onto
// jackc/pgx/v5 + pgerrcode: a unique-violation on position_groups is
// translated to the typed DuplicatePositionException the core expects,
// rather than a raw Postgres error leaking upward. A conflict on the
// queued_signals active key is folded into the existing row by Upsert's
// ON CONFLICT clause instead.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	apperrors "dcaengine/pkg/errors"
)

// schema is applied idempotently at startup, standing in for a
// migration tool in the dev/integration profiles. A real deployment is
// expected to provision the database ahead of time.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id uuid PRIMARY KEY,
	risk_config jsonb NOT NULL,
	default_dca_config_id uuid,
	same_pair_timeframe_bypass boolean NOT NULL DEFAULT false,
	active boolean NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS dca_configs (
	id uuid PRIMARY KEY,
	user_id uuid NOT NULL,
	pair text NOT NULL,
	timeframe text NOT NULL,
	exchange text NOT NULL,
	entry_order_type text NOT NULL,
	levels jsonb NOT NULL,
	pyramid_levels jsonb,
	tp_mode text NOT NULL,
	tp_aggregate_percent text NOT NULL DEFAULT '0',
	max_pyramids int NOT NULL DEFAULT 1,
	cancel_dca_beyond_percent text NOT NULL DEFAULT '0',
	UNIQUE (user_id, pair, timeframe, exchange)
);

CREATE TABLE IF NOT EXISTS position_groups (
	id uuid PRIMARY KEY,
	user_id uuid NOT NULL,
	exchange text NOT NULL,
	symbol text NOT NULL,
	timeframe text NOT NULL,
	side text NOT NULL,
	status text NOT NULL,
	dca_config_id uuid,
	total_dca_legs int NOT NULL DEFAULT 0,
	filled_dca_legs int NOT NULL DEFAULT 0,
	pyramid_count int NOT NULL DEFAULT 0,
	max_pyramids int NOT NULL DEFAULT 1,
	total_filled_quantity text NOT NULL DEFAULT '0',
	total_invested_usd text NOT NULL DEFAULT '0',
	weighted_avg_entry text NOT NULL DEFAULT '0',
	realized_pnl_usd text NOT NULL DEFAULT '0',
	risk_timer_start timestamptz,
	risk_timer_expires timestamptz,
	risk_eligible boolean NOT NULL DEFAULT false,
	risk_blocked boolean NOT NULL DEFAULT false,
	risk_skip_once boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL DEFAULT now(),
	closed_at timestamptz
);
CREATE UNIQUE INDEX IF NOT EXISTS position_groups_active_key
	ON position_groups (user_id, exchange, symbol, timeframe, side)
	WHERE status NOT IN ('closed', 'failed');

CREATE TABLE IF NOT EXISTS pyramids (
	id uuid PRIMARY KEY,
	group_id uuid NOT NULL,
	pyramid_index int NOT NULL,
	status text NOT NULL,
	config_snapshot jsonb NOT NULL,
	total_filled_qty text NOT NULL DEFAULT '0',
	weighted_avg_cost text NOT NULL DEFAULT '0',
	realized_pnl_usd text NOT NULL DEFAULT '0',
	aggregate_tp_order_id text NOT NULL DEFAULT '',
	closed_at timestamptz
);

CREATE TABLE IF NOT EXISTS dca_orders (
	id uuid PRIMARY KEY,
	pyramid_id uuid NOT NULL,
	group_id uuid NOT NULL,
	leg_index int NOT NULL,
	price text NOT NULL,
	quantity text NOT NULL,
	gap_percent text NOT NULL DEFAULT '0',
	weight_percent text NOT NULL DEFAULT '0',
	tp_percent text NOT NULL DEFAULT '0',
	tp_price text NOT NULL DEFAULT '0',
	status text NOT NULL,
	exchange_order_id text NOT NULL DEFAULT '',
	filled_quantity text NOT NULL DEFAULT '0',
	avg_fill_price text NOT NULL DEFAULT '0',
	tp_order_id text NOT NULL DEFAULT '',
	tp_hit boolean NOT NULL DEFAULT false,
	filled_at timestamptz,
	is_tp_leg boolean NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS dca_orders_group_idx ON dca_orders (group_id);
CREATE INDEX IF NOT EXISTS dca_orders_pyramid_idx ON dca_orders (pyramid_id);

CREATE TABLE IF NOT EXISTS queued_signals (
	id uuid PRIMARY KEY,
	user_id uuid NOT NULL,
	symbol text NOT NULL,
	timeframe text NOT NULL,
	exchange text NOT NULL,
	side text NOT NULL,
	status text NOT NULL,
	entry_price text NOT NULL DEFAULT '0',
	signal_payload jsonb NOT NULL,
	queued_at timestamptz NOT NULL,
	promoted_at timestamptz,
	replacement_count int NOT NULL DEFAULT 0,
	current_loss_percent text NOT NULL DEFAULT '0',
	is_pyramid_continuation boolean NOT NULL DEFAULT false,
	priority_score text NOT NULL DEFAULT '0'
);
CREATE UNIQUE INDEX IF NOT EXISTS queued_signals_active_key
	ON queued_signals (user_id, symbol, timeframe, side)
	WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS risk_actions (
	id uuid PRIMARY KEY,
	user_id uuid NOT NULL,
	loser_group_id uuid NOT NULL,
	loser_pnl_usd text NOT NULL,
	winner_contribs jsonb NOT NULL,
	executed_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS coordination_kv (
	key text PRIMARY KEY,
	value text NOT NULL,
	expires_at timestamptz NOT NULL
);
`

// PostgresStore implements core.IStore and core.ICoordinationStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ core.IStore             = (*PostgresStore)(nil)
	_ core.ICoordinationStore = (*PostgresStore)(nil)
)

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// --- IUserStore ---

func (s *PostgresStore) GetUser(ctx context.Context, userID uuid.UUID) (*core.User, error) {
	var riskJSON []byte
	var u core.User
	u.ID = userID
	err := s.pool.QueryRow(ctx, `SELECT risk_config, default_dca_config_id, same_pair_timeframe_bypass FROM users WHERE id=$1`, userID).
		Scan(&riskJSON, &u.DefaultDCAConfigID, &u.SamePairTimeframeBypass)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &apperrors.UserNotFoundException{UserID: userID.String()}
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(riskJSON, &u.RiskConfig); err != nil {
		return nil, fmt.Errorf("store: unmarshal risk_config: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) SaveRiskConfig(ctx context.Context, userID uuid.UUID, cfg core.RiskConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE users SET risk_config=$2 WHERE id=$1`, userID, data)
	return err
}

func (s *PostgresStore) ListActiveUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users WHERE active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- IDCAConfigStore ---

func (s *PostgresStore) GetConfig(ctx context.Context, userID uuid.UUID, pair, timeframe, exchange string) (*core.DCAConfiguration, error) {
	var cfg core.DCAConfiguration
	var levelsJSON, pyramidLevelsJSON []byte
	var tpAgg, cancelBeyond string
	cfg.UserID = userID
	cfg.Pair = pair
	cfg.Timeframe = timeframe
	cfg.Exchange = exchange
	err := s.pool.QueryRow(ctx, `SELECT id, entry_order_type, levels, pyramid_levels, tp_mode, tp_aggregate_percent, max_pyramids, cancel_dca_beyond_percent
		FROM dca_configs WHERE user_id=$1 AND pair=$2 AND timeframe=$3 AND exchange=$4`,
		userID, pair, timeframe, exchange).
		Scan(&cfg.ID, &cfg.EntryOrderType, &levelsJSON, &pyramidLevelsJSON, &cfg.TPMode, &tpAgg, &cfg.MaxPyramids, &cancelBeyond)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(levelsJSON, &cfg.Levels); err != nil {
		return nil, err
	}
	if len(pyramidLevelsJSON) > 0 {
		if err := json.Unmarshal(pyramidLevelsJSON, &cfg.PyramidLevels); err != nil {
			return nil, err
		}
	}
	cfg.TPAggregatePercent = dec(tpAgg)
	cfg.CancelDCABeyondPercent = dec(cancelBeyond)
	return &cfg, nil
}

// --- IPositionGroupStore ---

func (s *PostgresStore) CreateGroup(ctx context.Context, g *core.PositionGroup) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO position_groups
		(id, user_id, exchange, symbol, timeframe, side, status, dca_config_id, total_dca_legs, filled_dca_legs,
		 pyramid_count, max_pyramids, total_filled_quantity, total_invested_usd, weighted_avg_entry, realized_pnl_usd,
		 created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		g.ID, g.UserID, g.Exchange, g.Symbol, g.Timeframe, string(g.Side), string(g.Status), g.DCAConfigID,
		g.TotalDCALegs, g.FilledDCALegs, g.PyramidCount, g.MaxPyramids,
		g.TotalFilledQuantity.String(), g.TotalInvestedUSD.String(), g.WeightedAvgEntry.String(), g.RealizedPnLUSD.String(),
		g.CreatedAt)
	if isUniqueViolation(err) {
		return &apperrors.DuplicatePositionException{UserID: g.UserID.String(), Symbol: g.Symbol, Side: string(g.Side)}
	}
	return err
}

func (s *PostgresStore) GetGroup(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	return s.scanGroup(s.pool.QueryRow(ctx, groupSelect+` WHERE id=$1`, id))
}

func (s *PostgresStore) GetActiveGroup(ctx context.Context, userID uuid.UUID, exchange, symbol, timeframe string, side core.Side) (*core.PositionGroup, error) {
	row := s.pool.QueryRow(ctx, groupSelect+` WHERE user_id=$1 AND exchange=$2 AND symbol=$3 AND timeframe=$4 AND side=$5 AND status NOT IN ('closed','failed')`,
		userID, exchange, symbol, timeframe, string(side))
	g, err := s.scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (s *PostgresStore) ListActiveGroups(ctx context.Context, userID uuid.UUID) ([]*core.PositionGroup, error) {
	rows, err := s.pool.Query(ctx, groupSelect+` WHERE user_id=$1 AND status NOT IN ('closed','failed')`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.PositionGroup
	for rows.Next() {
		g, err := s.scanGroupRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

const groupSelect = `SELECT id, user_id, exchange, symbol, timeframe, side, status, dca_config_id, total_dca_legs,
	filled_dca_legs, pyramid_count, max_pyramids, total_filled_quantity, total_invested_usd, weighted_avg_entry,
	realized_pnl_usd, risk_timer_start, risk_timer_expires, risk_eligible, risk_blocked, risk_skip_once, created_at, closed_at
	FROM position_groups`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanGroup(row pgx.Row) (*core.PositionGroup, error) {
	return scanGroupRow(row)
}

func (s *PostgresStore) scanGroupRows(rows pgx.Rows) (*core.PositionGroup, error) {
	return scanGroupRow(rows)
}

func scanGroupRow(row rowScanner) (*core.PositionGroup, error) {
	var g core.PositionGroup
	var side, status string
	var totalFilled, totalInvested, weightedAvg, realizedPnL string
	err := row.Scan(&g.ID, &g.UserID, &g.Exchange, &g.Symbol, &g.Timeframe, &side, &status, &g.DCAConfigID,
		&g.TotalDCALegs, &g.FilledDCALegs, &g.PyramidCount, &g.MaxPyramids,
		&totalFilled, &totalInvested, &weightedAvg, &realizedPnL,
		&g.RiskTimer.Start, &g.RiskTimer.Expires, &g.RiskTimer.Eligible, &g.RiskTimer.Blocked, &g.RiskTimer.SkipOnce,
		&g.CreatedAt, &g.ClosedAt)
	if err != nil {
		return nil, err
	}
	g.Side = core.Side(side)
	g.Status = core.PositionGroupStatus(status)
	g.TotalFilledQuantity = dec(totalFilled)
	g.TotalInvestedUSD = dec(totalInvested)
	g.WeightedAvgEntry = dec(weightedAvg)
	g.RealizedPnLUSD = dec(realizedPnL)
	return &g, nil
}

// WithGroupLock is the row-level write lock for group aggregates: the
// group row is fetched with FOR UPDATE inside a transaction, fn mutates
// the in-memory copy, and the transaction commits the full row back.
// The group-then-orders lock order is the caller's responsibility:
// WithGroupLock never itself locks order rows.
func (s *PostgresStore) WithGroupLock(ctx context.Context, groupID uuid.UUID, fn func(g *core.PositionGroup) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, lockedGroupSelect, groupID)
	g, err := scanGroupRow(row)
	if err != nil {
		return err
	}

	if err := fn(g); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE position_groups SET status=$2, total_dca_legs=$3, filled_dca_legs=$4,
		pyramid_count=$5, max_pyramids=$6, total_filled_quantity=$7, total_invested_usd=$8, weighted_avg_entry=$9,
		realized_pnl_usd=$10, risk_timer_start=$11, risk_timer_expires=$12, risk_eligible=$13, risk_blocked=$14,
		risk_skip_once=$15, closed_at=$16 WHERE id=$1`,
		g.ID, string(g.Status), g.TotalDCALegs, g.FilledDCALegs, g.PyramidCount, g.MaxPyramids,
		g.TotalFilledQuantity.String(), g.TotalInvestedUSD.String(), g.WeightedAvgEntry.String(), g.RealizedPnLUSD.String(),
		g.RiskTimer.Start, g.RiskTimer.Expires, g.RiskTimer.Eligible, g.RiskTimer.Blocked, g.RiskTimer.SkipOnce, g.ClosedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const lockedGroupSelect = `SELECT id, user_id, exchange, symbol, timeframe, side, status, dca_config_id, total_dca_legs,
	filled_dca_legs, pyramid_count, max_pyramids, total_filled_quantity, total_invested_usd, weighted_avg_entry,
	realized_pnl_usd, risk_timer_start, risk_timer_expires, risk_eligible, risk_blocked, risk_skip_once, created_at, closed_at
	FROM position_groups WHERE id=$1 FOR UPDATE`

// --- IPyramidStore ---

func (s *PostgresStore) CreatePyramid(ctx context.Context, p *core.Pyramid) error {
	snap, err := json.Marshal(p.ConfigSnapshot)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO pyramids (id, group_id, pyramid_index, status, config_snapshot, total_filled_qty,
		weighted_avg_cost, realized_pnl_usd, aggregate_tp_order_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.GroupID, p.Index, string(p.Status), snap, p.TotalFilledQty.String(), p.WeightedAvgCost.String(),
		p.RealizedPnLUSD.String(), p.AggregateTPOrderID)
	return err
}

const pyramidSelect = `SELECT id, group_id, pyramid_index, status, config_snapshot, total_filled_qty, weighted_avg_cost,
	realized_pnl_usd, aggregate_tp_order_id, closed_at FROM pyramids`

func (s *PostgresStore) GetPyramid(ctx context.Context, id uuid.UUID) (*core.Pyramid, error) {
	row := s.pool.QueryRow(ctx, pyramidSelect+` WHERE id=$1`, id)
	p, err := scanPyramidRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *PostgresStore) ListPyramids(ctx context.Context, groupID uuid.UUID) ([]*core.Pyramid, error) {
	rows, err := s.pool.Query(ctx, pyramidSelect+` WHERE group_id=$1 ORDER BY pyramid_index`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Pyramid
	for rows.Next() {
		p, err := scanPyramidRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePyramid(ctx context.Context, p *core.Pyramid) error {
	_, err := s.pool.Exec(ctx, `UPDATE pyramids SET status=$2, total_filled_qty=$3, weighted_avg_cost=$4,
		realized_pnl_usd=$5, aggregate_tp_order_id=$6, closed_at=$7 WHERE id=$1`,
		p.ID, string(p.Status), p.TotalFilledQty.String(), p.WeightedAvgCost.String(), p.RealizedPnLUSD.String(),
		p.AggregateTPOrderID, p.ClosedAt)
	return err
}

func scanPyramidRow(row rowScanner) (*core.Pyramid, error) {
	var p core.Pyramid
	var status string
	var snap []byte
	var totalFilled, avgCost, pnl string
	if err := row.Scan(&p.ID, &p.GroupID, &p.Index, &status, &snap, &totalFilled, &avgCost, &pnl, &p.AggregateTPOrderID, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.Status = core.PyramidStatus(status)
	if err := json.Unmarshal(snap, &p.ConfigSnapshot); err != nil {
		return nil, err
	}
	p.TotalFilledQty = dec(totalFilled)
	p.WeightedAvgCost = dec(avgCost)
	p.RealizedPnLUSD = dec(pnl)
	return &p, nil
}

// --- IDCAOrderStore ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *core.DCAOrder) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO dca_orders (id, pyramid_id, group_id, leg_index, price, quantity,
		gap_percent, weight_percent, tp_percent, tp_price, status, exchange_order_id, filled_quantity, avg_fill_price,
		tp_order_id, tp_hit, filled_at, is_tp_leg)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		o.ID, o.PyramidID, o.GroupID, o.LegIndex, o.Price.String(), o.Quantity.String(),
		o.GapPercent.String(), o.WeightPercent.String(), o.TPPercent.String(), o.TPPrice.String(),
		string(o.Status), o.ExchangeOrderID, o.FilledQuantity.String(), o.AvgFillPrice.String(),
		o.TPOrderID, o.TPHit, o.FilledAt, o.IsTPLeg)
	return err
}

const orderSelect = `SELECT id, pyramid_id, group_id, leg_index, price, quantity, gap_percent, weight_percent,
	tp_percent, tp_price, status, exchange_order_id, filled_quantity, avg_fill_price, tp_order_id, tp_hit, filled_at,
	is_tp_leg FROM dca_orders`

func (s *PostgresStore) GetOrder(ctx context.Context, id uuid.UUID) (*core.DCAOrder, error) {
	row := s.pool.QueryRow(ctx, orderSelect+` WHERE id=$1`, id)
	o, err := scanOrderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// SaveOrder issues one UPDATE covering status and filled_quantity
// together, never a read-modify-write split across statements.
func (s *PostgresStore) SaveOrder(ctx context.Context, o *core.DCAOrder) error {
	_, err := s.pool.Exec(ctx, `UPDATE dca_orders SET status=$2, exchange_order_id=$3, filled_quantity=$4,
		avg_fill_price=$5, tp_order_id=$6, tp_price=$7, tp_hit=$8, filled_at=$9 WHERE id=$1`,
		o.ID, string(o.Status), o.ExchangeOrderID, o.FilledQuantity.String(), o.AvgFillPrice.String(),
		o.TPOrderID, o.TPPrice.String(), o.TPHit, o.FilledAt)
	return err
}

func (s *PostgresStore) ListOrders(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := s.pool.Query(ctx, orderSelect+` WHERE group_id=$1 ORDER BY leg_index`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListOrdersByPyramid(ctx context.Context, pyramidID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := s.pool.Query(ctx, orderSelect+` WHERE pyramid_id=$1 ORDER BY leg_index`, pyramidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListNonTerminalOrdersForUser(ctx context.Context, userID uuid.UUID) ([]*core.DCAOrder, error) {
	rows, err := s.pool.Query(ctx, `SELECT o.id, o.pyramid_id, o.group_id, o.leg_index, o.price, o.quantity,
		o.gap_percent, o.weight_percent, o.tp_percent, o.tp_price, o.status, o.exchange_order_id, o.filled_quantity,
		o.avg_fill_price, o.tp_order_id, o.tp_hit, o.filled_at, o.is_tp_leg
		FROM dca_orders o JOIN position_groups g ON o.group_id = g.id
		WHERE g.user_id = $1 AND o.status NOT IN ('filled','cancelled','failed')`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]*core.DCAOrder, error) {
	var out []*core.DCAOrder
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrderRow(row rowScanner) (*core.DCAOrder, error) {
	var o core.DCAOrder
	var status string
	var price, qty, gap, weight, tpPct, tpPrice, filledQty, avgFill string
	if err := row.Scan(&o.ID, &o.PyramidID, &o.GroupID, &o.LegIndex, &price, &qty, &gap, &weight, &tpPct, &tpPrice,
		&status, &o.ExchangeOrderID, &filledQty, &avgFill, &o.TPOrderID, &o.TPHit, &o.FilledAt, &o.IsTPLeg); err != nil {
		return nil, err
	}
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

func (s *PostgresStore) Upsert(ctx context.Context, qs *core.QueuedSignal) error {
	payload, err := json.Marshal(qs.SignalPayload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO queued_signals (id, user_id, symbol, timeframe, exchange, side, status,
		entry_price, signal_payload, queued_at, promoted_at, replacement_count, current_loss_percent,
		is_pyramid_continuation, priority_score)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (user_id, symbol, timeframe, side) WHERE status = 'queued' DO UPDATE SET
			replacement_count = EXCLUDED.replacement_count,
			entry_price = EXCLUDED.entry_price,
			signal_payload = EXCLUDED.signal_payload,
			is_pyramid_continuation = EXCLUDED.is_pyramid_continuation`,
		qs.ID, qs.UserID, qs.Symbol, qs.Timeframe, qs.Exchange, string(qs.Side), string(qs.Status),
		qs.EntryPrice.String(), payload, qs.QueuedAt, qs.PromotedAt, qs.ReplacementCount,
		qs.CurrentLossPercent.String(), qs.IsPyramidContinuation, qs.PriorityScore.String())
	return err
}

const queuedSelect = `SELECT id, user_id, symbol, timeframe, exchange, side, status, entry_price, signal_payload,
	queued_at, promoted_at, replacement_count, current_loss_percent, is_pyramid_continuation, priority_score
	FROM queued_signals`

func (s *PostgresStore) GetActive(ctx context.Context, userID uuid.UUID, symbol, timeframe string, side core.Side) (*core.QueuedSignal, error) {
	row := s.pool.QueryRow(ctx, queuedSelect+` WHERE user_id=$1 AND symbol=$2 AND timeframe=$3 AND side=$4 AND status='queued'`,
		userID, symbol, timeframe, string(side))
	qs, err := scanQueuedRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return qs, err
}

func (s *PostgresStore) ListQueued(ctx context.Context) ([]*core.QueuedSignal, error) {
	rows, err := s.pool.Query(ctx, queuedSelect+` WHERE status='queued'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueued(rows)
}

func (s *PostgresStore) ListQueuedForUser(ctx context.Context, userID uuid.UUID) ([]*core.QueuedSignal, error) {
	rows, err := s.pool.Query(ctx, queuedSelect+` WHERE user_id=$1 AND status='queued'`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueued(rows)
}

func (s *PostgresStore) Save(ctx context.Context, qs *core.QueuedSignal) error {
	payload, err := json.Marshal(qs.SignalPayload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE queued_signals SET status=$2, entry_price=$3, signal_payload=$4, promoted_at=$5,
		replacement_count=$6, current_loss_percent=$7, is_pyramid_continuation=$8, priority_score=$9 WHERE id=$1`,
		qs.ID, string(qs.Status), qs.EntryPrice.String(), payload, qs.PromotedAt, qs.ReplacementCount,
		qs.CurrentLossPercent.String(), qs.IsPyramidContinuation, qs.PriorityScore.String())
	return err
}

func (s *PostgresStore) CancelAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE queued_signals SET status='cancelled' WHERE user_id=$1 AND status='queued'`, userID)
	return err
}

func (s *PostgresStore) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queued_signals WHERE id=$1`, id)
	return err
}

func scanQueued(rows pgx.Rows) ([]*core.QueuedSignal, error) {
	var out []*core.QueuedSignal
	for rows.Next() {
		qs, err := scanQueuedRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qs)
	}
	return out, rows.Err()
}

func scanQueuedRow(row rowScanner) (*core.QueuedSignal, error) {
	var qs core.QueuedSignal
	var side, status string
	var entryPrice, lossPercent, priority string
	var payload []byte
	if err := row.Scan(&qs.ID, &qs.UserID, &qs.Symbol, &qs.Timeframe, &qs.Exchange, &side, &status, &entryPrice,
		&payload, &qs.QueuedAt, &qs.PromotedAt, &qs.ReplacementCount, &lossPercent, &qs.IsPyramidContinuation, &priority); err != nil {
		return nil, err
	}
	qs.Side = core.Side(side)
	qs.Status = core.QueuedSignalStatus(status)
	qs.EntryPrice = dec(entryPrice)
	qs.CurrentLossPercent = dec(lossPercent)
	qs.PriorityScore = dec(priority)
	if err := json.Unmarshal(payload, &qs.SignalPayload); err != nil {
		return nil, err
	}
	return &qs, nil
}

// --- IRiskActionStore ---

func (s *PostgresStore) Record(ctx context.Context, a *core.RiskAction) error {
	contribs, err := json.Marshal(a.WinnerContribs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO risk_actions (id, user_id, loser_group_id, loser_pnl_usd, winner_contribs, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, a.ID, a.UserID, a.LoserGroupID, a.LoserPnLUSD.String(), contribs, a.ExecutedAt)
	return err
}

func (s *PostgresStore) SumRealizedPnLToday(ctx context.Context, userID uuid.UUID, day time.Time) (decimal.Decimal, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	var closedSum, hedgeSum string
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(realized_pnl_usd::numeric), 0)::text FROM position_groups
		WHERE user_id=$1 AND status='closed' AND closed_at >= $2 AND closed_at < $3`, userID, dayStart, dayEnd).Scan(&closedSum)
	if err != nil {
		return decimal.Zero, err
	}
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(loser_pnl_usd::numeric), 0)::text FROM risk_actions
		WHERE user_id=$1 AND executed_at >= $2 AND executed_at < $3`, userID, dayStart, dayEnd).Scan(&hedgeSum)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(closedSum).Add(dec(hedgeSum)), nil
}

// --- ICoordinationStore ---

// SetIfAbsent implements the CAS-insert used for leader election and
// per-(user,key) dedup locks.
func (s *PostgresStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO coordination_kv (key, value, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET key = EXCLUDED.key
		WHERE coordination_kv.expires_at < now()`, key, value, time.Now().Add(ttl))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	// The DO UPDATE branch above only fires when the existing row is
	// expired; a fresh insert (no conflict) also reports one row
	// affected, but the new value was never written in the expired-row
	// case. Overwrite unconditionally now that we own the row.
	_, err = s.pool.Exec(ctx, `UPDATE coordination_kv SET value=$2, expires_at=$3 WHERE key=$1`, key, value, time.Now().Add(ttl))
	return err == nil, err
}

func (s *PostgresStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM coordination_kv WHERE key=$1 AND value=$2`, key, expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expires time.Time
	err := s.pool.QueryRow(ctx, `SELECT value, expires_at FROM coordination_kv WHERE key=$1`, key).Scan(&value, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO coordination_kv (key, value, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=EXCLUDED.expires_at`, key, value, time.Now().Add(ttl))
	return err
}

func (s *PostgresStore) Del(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM coordination_kv WHERE key=$1`, key)
	return err
}

// Heartbeat writes the "service_health:<name>" liveness key.
func (s *PostgresStore) Heartbeat(ctx context.Context, service string, ttl time.Duration) error {
	return s.Set(ctx, "service_health:"+service, time.Now().Format(time.RFC3339), ttl)
}

func (s *PostgresStore) IsHealthy(ctx context.Context, service string) (bool, error) {
	_, ok, err := s.Get(ctx, "service_health:"+service)
	return ok, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}
