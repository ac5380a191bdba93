// Package core defines the shared data model and collaborator interfaces
// for the DCA/pyramid trading engine.
// Aggregates reference each other by id only (no in-memory back-pointers);
// a component that needs both sides of a relationship resolves it through
// a repository lookup (see DESIGN.md, "cyclic references").
package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a position or order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the counter-side used for TP/close orders.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderAction is the exchange-facing order direction, distinct from
// position Side: a long entry buys, a long exit sells.
type OrderAction string

const (
	ActionBuy  OrderAction = "buy"
	ActionSell OrderAction = "sell"
)

// EntryOrderType controls whether DCA legs submit as resting limit orders
// or as market orders triggered when price reaches the leg.
type EntryOrderType string

const (
	EntryOrderTypeLimit  EntryOrderType = "limit"
	EntryOrderTypeMarket EntryOrderType = "market"
)

// TPMode selects the take-profit strategy for a DCAConfiguration.
type TPMode string

const (
	TPModePerLeg           TPMode = "per_leg"
	TPModeAggregate        TPMode = "aggregate"
	TPModeHybrid           TPMode = "hybrid"
	TPModePyramidAggregate TPMode = "pyramid_aggregate"
)

// OrderStatus is the normalized status vocabulary shared by DCAOrder and
// the exchange connector.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusTriggerPending  OrderStatus = "trigger_pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
)

// IsTerminal reports whether the status is a terminal DCAOrder state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// PositionGroupStatus enumerates the PositionGroup lifecycle.
type PositionGroupStatus string

const (
	GroupStatusWaiting         PositionGroupStatus = "waiting"
	GroupStatusLive            PositionGroupStatus = "live"
	GroupStatusPartiallyFilled PositionGroupStatus = "partially_filled"
	GroupStatusActive          PositionGroupStatus = "active"
	GroupStatusClosing         PositionGroupStatus = "closing"
	GroupStatusClosed          PositionGroupStatus = "closed"
	GroupStatusFailed          PositionGroupStatus = "failed"
)

// IsTerminal reports whether the group status is terminal (releases its
// execution-pool slot).
func (s PositionGroupStatus) IsTerminal() bool {
	return s == GroupStatusClosed || s == GroupStatusFailed
}

// PyramidStatus enumerates the Pyramid lifecycle.
type PyramidStatus string

const (
	PyramidStatusPending   PyramidStatus = "pending"
	PyramidStatusSubmitted PyramidStatus = "submitted"
	PyramidStatusFilled    PyramidStatus = "filled"
	PyramidStatusCancelled PyramidStatus = "cancelled"
	PyramidStatusClosed    PyramidStatus = "closed"
)

// QueuedSignalStatus enumerates the QueuedSignal lifecycle.
type QueuedSignalStatus string

const (
	QueueStatusQueued    QueuedSignalStatus = "queued"
	QueueStatusPromoted  QueuedSignalStatus = "promoted"
	QueueStatusCancelled QueuedSignalStatus = "cancelled"
)

// SymbolPrecision is the exchange-legal quantization for one symbol.
type SymbolPrecision struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// LevelConfig is one row of a DCA grid definition: a gap from the base
// price, a weight of total capital, and a take-profit offset.
type LevelConfig struct {
	GapPercent    decimal.Decimal
	WeightPercent decimal.Decimal
	TPPercent     decimal.Decimal
}

// RiskConfig holds the per-user risk-control thresholds.
type RiskConfig struct {
	MaxOpenPositionsGlobal    int
	MaxOpenPositionsPerSymbol int
	MaxTotalExposureUSD       decimal.Decimal
	MaxDailyLossUSD           decimal.Decimal
	LossThresholdPercent      decimal.Decimal
	RequireFullPyramids       bool
	UseTradeAgeFilter         bool
	AgeThresholdMinutes       int
	TimerStartCondition       TimerStartCondition
	PostFullWaitMinutes       int
	MaxWinnersToCombine       int
	EnginePausedByLossLimit   bool
	EngineForceStopped        bool
}

// TimerStartCondition selects when a group's risk grace-timer arms.
type TimerStartCondition string

const (
	TimerStartAfterAllDCASubmitted TimerStartCondition = "after_all_dca_submitted"
	TimerStartAfterAllDCAFilled    TimerStartCondition = "after_all_dca_filled"
	TimerStartAfter5Pyramids       TimerStartCondition = "after_5_pyramids"
)

// User owns exchange credentials (opaque, vaulted elsewhere), a risk
// configuration, and a default grid configuration.
type User struct {
	ID                      uuid.UUID
	RiskConfig              RiskConfig
	DefaultDCAConfigID      uuid.UUID
	SamePairTimeframeBypass bool
}

// DCAConfiguration is a per-(user, pair, timeframe, exchange) grid
// definition.
type DCAConfiguration struct {
	ID                     uuid.UUID
	UserID                 uuid.UUID
	Pair                   string
	Timeframe              string
	Exchange               string
	EntryOrderType         EntryOrderType
	Levels                 []LevelConfig
	PyramidLevels          map[int][]LevelConfig // pyramid_index -> override, may be nil
	TPMode                 TPMode
	TPAggregatePercent     decimal.Decimal
	MaxPyramids            int
	CancelDCABeyondPercent decimal.Decimal
}

// LevelsForPyramid returns the level list that applies to pyramidIndex,
// falling back to the base Levels when no override exists.
func (c *DCAConfiguration) LevelsForPyramid(pyramidIndex int) []LevelConfig {
	if c.PyramidLevels != nil {
		if lv, ok := c.PyramidLevels[pyramidIndex]; ok {
			return lv
		}
	}
	return c.Levels
}

// PositionSlotKey is the execution-pool slot identity for a position:
// the same (exchange, symbol, timeframe, side) key the active-uniqueness
// invariant runs on, derivable both when a slot is requested (from the
// signal, before any group row exists) and when it is released (from the
// terminal group). One key, one counted slot, across the whole position
// lifecycle including pyramid continuations.
func PositionSlotKey(exchange, symbol, timeframe string, side Side) string {
	return exchange + "|" + symbol + "|" + timeframe + "|" + string(side)
}

// SlotKey returns the group's execution-pool slot identity.
func (g *PositionGroup) SlotKey() string {
	return PositionSlotKey(g.Exchange, g.Symbol, g.Timeframe, g.Side)
}

// RiskTimer is the grace-period timer embedded in a PositionGroup.
type RiskTimer struct {
	Start    *time.Time
	Expires  *time.Time
	Eligible bool
	Blocked  bool
	SkipOnce bool
}

// PositionGroup is the per-(user, exchange, symbol, timeframe, side)
// aggregate.
type PositionGroup struct {
	ID                  uuid.UUID
	UserID              uuid.UUID
	Exchange            string
	Symbol              string
	Timeframe           string
	Side                Side
	Status              PositionGroupStatus
	DCAConfigID         uuid.UUID
	TotalDCALegs        int
	FilledDCALegs       int
	PyramidCount        int
	MaxPyramids         int
	TotalFilledQuantity decimal.Decimal
	TotalInvestedUSD    decimal.Decimal
	WeightedAvgEntry    decimal.Decimal
	RealizedPnLUSD      decimal.Decimal
	RiskTimer           RiskTimer
	CreatedAt           time.Time
	ClosedAt            *time.Time
}

// Pyramid is a sub-aggregate within a PositionGroup.
type Pyramid struct {
	ID                 uuid.UUID
	GroupID            uuid.UUID
	Index              int
	Status             PyramidStatus
	ConfigSnapshot     DCAConfiguration
	TotalFilledQty     decimal.Decimal
	WeightedAvgCost    decimal.Decimal
	RealizedPnLUSD     decimal.Decimal
	AggregateTPOrderID string
	ClosedAt           *time.Time
}

// DCAOrder is a single order leg within a Pyramid.
type DCAOrder struct {
	ID              uuid.UUID
	PyramidID       uuid.UUID
	GroupID         uuid.UUID
	LegIndex        int
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	GapPercent      decimal.Decimal
	WeightPercent   decimal.Decimal
	TPPercent       decimal.Decimal
	TPPrice         decimal.Decimal
	Status          OrderStatus
	ExchangeOrderID string
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	TPOrderID       string
	TPHit           bool
	FilledAt        *time.Time
	IsTPLeg         bool // true when this record represents the TP child, not the entry leg
}

// QueuedSignal is a pending entry waiting for an execution-pool slot.
type QueuedSignal struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	Symbol                string
	Timeframe             string
	Exchange              string
	Side                  Side
	Status                QueuedSignalStatus
	EntryPrice            decimal.Decimal
	SignalPayload         Signal
	QueuedAt              time.Time
	PromotedAt            *time.Time
	ReplacementCount      int
	CurrentLossPercent    decimal.Decimal
	IsPyramidContinuation bool
	PriorityScore         decimal.Decimal
}

// WinnerContribution records one winner's partial-close contribution to a
// hedge.
type WinnerContribution struct {
	GroupID        uuid.UUID
	PnLUSD         decimal.Decimal
	QuantityClosed decimal.Decimal
}

// RiskAction is an append-only audit record of a risk-engine hedge
// execution.
type RiskAction struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	LoserGroupID   uuid.UUID
	LoserPnLUSD    decimal.Decimal
	WinnerContribs []WinnerContribution
	ExecutedAt     time.Time
}

// Signal is the normalized inbound webhook payload.
type Signal struct {
	UserID     uuid.UUID
	Exchange   string
	Symbol     string
	Timeframe  string
	Action     OrderAction
	EntryPrice decimal.Decimal
	IntentType IntentType
	IntentSide Side
	// CapitalAllocationUSD is computed by the Signal Router as
	// min(risk_per_position_percent * free_balance,
	// risk_per_position_cap_usd, max_total_exposure_usd). It travels with
	// the signal through the queue so promotion does not need to
	// re-derive it from a possibly-stale balance snapshot.
	CapitalAllocationUSD decimal.Decimal
}

// IntentType classifies the signal's execution_intent.type field.
type IntentType string

const (
	IntentSignal IntentType = "signal"
	IntentExit   IntentType = "exit"
)

// RouterResponseStatus is the router's acceptance verdict.
type RouterResponseStatus string

const (
	ResponseAccepted         RouterResponseStatus = "accepted"
	ResponseQueued           RouterResponseStatus = "queued"
	ResponseRejected         RouterResponseStatus = "rejected"
	ResponseExited           RouterResponseStatus = "exited"
	ResponseNoActivePosition RouterResponseStatus = "no_active_position"
)

// RouterResponse is returned synchronously to the webhook caller.
type RouterResponse struct {
	Status       RouterResponseStatus
	RejectReason string
	GroupID      uuid.UUID
	QueuedID     uuid.UUID
}
