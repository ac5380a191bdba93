package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExchangeOrderType is the wire-level order type understood by an
// exchange connector.
type ExchangeOrderType string

const (
	ExchangeOrderLimit  ExchangeOrderType = "limit"
	ExchangeOrderMarket ExchangeOrderType = "market"
)

// ExchangeOrder is the normalized response shape returned by every
// connector operation.
type ExchangeOrder struct {
	ID       string
	Status   OrderStatus
	Filled   decimal.Decimal
	AvgPrice decimal.Decimal
}

// Ticker is a single symbol's latest trade price, as returned in bulk by
// GetAllTickers.
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
}

// IExchangeConnector is the capability set the core consumes for a single
// exchange. One concrete adapter exists per exchange
// plus an in-process mock used for tests.
type IExchangeConnector interface {
	Name() string

	GetPrecisionRules(ctx context.Context) (map[string]SymbolPrecision, error)
	PlaceOrder(ctx context.Context, symbol string, side OrderAction, orderType ExchangeOrderType, quantity decimal.Decimal, price *decimal.Decimal) (ExchangeOrder, error)
	GetOrderStatus(ctx context.Context, id string, symbol string) (ExchangeOrder, error)
	CancelOrder(ctx context.Context, id string, symbol string) (ExchangeOrder, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAllTickers(ctx context.Context) (map[string]Ticker, error)
	FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error)
}

// ConnectorFactory resolves the connector for a (user, exchange) pair.
// Credential lookup (the encrypted vault) lives outside this module;
// the factory is handed opaque, already-decrypted credentials by its
// caller.
type ConnectorFactory interface {
	Connector(ctx context.Context, userID uuid.UUID, exchange string) (IExchangeConnector, error)
}

// IUserStore resolves users and their risk configuration.
type IUserStore interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*User, error)
	SaveRiskConfig(ctx context.Context, userID uuid.UUID, cfg RiskConfig) error
	ListActiveUserIDs(ctx context.Context) ([]uuid.UUID, error)
}

// IDCAConfigStore resolves DCA grid configuration, normally behind a
// read-through cache.
type IDCAConfigStore interface {
	GetConfig(ctx context.Context, userID uuid.UUID, pair, timeframe, exchange string) (*DCAConfiguration, error)
}

// IPositionGroupStore persists PositionGroup aggregates. CreateGroup
// must enforce active uniqueness (at most one non-terminal group per
// (user, exchange, symbol, timeframe, side)) and return
// ErrDuplicatePosition on violation.
type IPositionGroupStore interface {
	CreateGroup(ctx context.Context, g *PositionGroup) error
	GetGroup(ctx context.Context, id uuid.UUID) (*PositionGroup, error)
	GetActiveGroup(ctx context.Context, userID uuid.UUID, exchange, symbol, timeframe string, side Side) (*PositionGroup, error)
	ListActiveGroups(ctx context.Context, userID uuid.UUID) ([]*PositionGroup, error)
	// WithGroupLock runs fn with the group row locked (SELECT ... FOR
	// UPDATE semantics); callers follow the group-then-orders lock
	// order everywhere. fn's mutations are persisted atomically if it
	// returns a nil error.
	WithGroupLock(ctx context.Context, groupID uuid.UUID, fn func(g *PositionGroup) error) error
}

// IPyramidStore persists Pyramid sub-aggregates.
type IPyramidStore interface {
	CreatePyramid(ctx context.Context, p *Pyramid) error
	GetPyramid(ctx context.Context, id uuid.UUID) (*Pyramid, error)
	ListPyramids(ctx context.Context, groupID uuid.UUID) ([]*Pyramid, error)
	SavePyramid(ctx context.Context, p *Pyramid) error
}

// IDCAOrderStore persists DCAOrder legs. SaveOrder must be a single
// UPDATE-shaped write that sets status and filled_quantity together.
type IDCAOrderStore interface {
	CreateOrder(ctx context.Context, o *DCAOrder) error
	GetOrder(ctx context.Context, id uuid.UUID) (*DCAOrder, error)
	SaveOrder(ctx context.Context, o *DCAOrder) error
	ListOrders(ctx context.Context, groupID uuid.UUID) ([]*DCAOrder, error)
	ListOrdersByPyramid(ctx context.Context, pyramidID uuid.UUID) ([]*DCAOrder, error)
	ListNonTerminalOrdersForUser(ctx context.Context, userID uuid.UUID) ([]*DCAOrder, error)
}

// IQueuedSignalStore persists QueuedSignal rows, enforcing the
// one-queued-per-(user,symbol,timeframe,side) invariant.
type IQueuedSignalStore interface {
	Upsert(ctx context.Context, s *QueuedSignal) error
	GetActive(ctx context.Context, userID uuid.UUID, symbol, timeframe string, side Side) (*QueuedSignal, error)
	ListQueued(ctx context.Context) ([]*QueuedSignal, error)
	ListQueuedForUser(ctx context.Context, userID uuid.UUID) ([]*QueuedSignal, error)
	Save(ctx context.Context, s *QueuedSignal) error
	CancelAllForUser(ctx context.Context, userID uuid.UUID) error
	Remove(ctx context.Context, id uuid.UUID) error
}

// IRiskActionStore appends hedge-execution audit rows.
type IRiskActionStore interface {
	Record(ctx context.Context, a *RiskAction) error
	SumRealizedPnLToday(ctx context.Context, userID uuid.UUID, day time.Time) (decimal.Decimal, error)
}

// IStore aggregates every repository the core depends on. A single implementation typically backs all of them with shared
// transactions; see internal/store.
type IStore interface {
	IUserStore
	IDCAConfigStore
	IPositionGroupStore
	IPyramidStore
	IDCAOrderStore
	IQueuedSignalStore
	IRiskActionStore
}

// ICoordinationStore is the key-value coordination layer: leader
// election, per-(user,key) dedup locks, TTL caches, and health
// heartbeats.
type ICoordinationStore interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Heartbeat(ctx context.Context, service string, ttl time.Duration) error
	IsHealthy(ctx context.Context, service string) (bool, error)
}

// INotifier is the best-effort notification fan-out; delivery failures
// never roll back core state. Implementations (Telegram, Slack) must never
// return an error that the caller is expected to act on; Notify logs and
// swallows transport failures itself.
type INotifier interface {
	Notify(ctx context.Context, userID uuid.UUID, message string)
}
