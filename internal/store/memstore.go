package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	apperrors "dcaengine/pkg/errors"
)

// MemStore is a mutex-guarded, in-process implementation of core.IStore
// and core.ICoordinationStore. It backs unit tests across the engine's
// packages and the zero-dependency dev profile (no database_url
// configured). Rows are deep-copied on the way in and out so callers
// observe database-like value semantics: mutating a returned aggregate
// changes nothing until it is saved back.
type MemStore struct {
	mu sync.Mutex

	users       map[uuid.UUID]*core.User
	activeUsers []uuid.UUID
	configs     map[string]*core.DCAConfiguration
	groups      map[uuid.UUID]*core.PositionGroup
	pyramids    map[uuid.UUID]*core.Pyramid
	orders      map[uuid.UUID]*core.DCAOrder
	queued      map[uuid.UUID]*core.QueuedSignal
	riskActions []*core.RiskAction

	kv map[string]kvEntry
}

type kvEntry struct {
	value   string
	expires time.Time
}

var (
	_ core.IStore             = (*MemStore)(nil)
	_ core.ICoordinationStore = (*MemStore)(nil)
)

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:    make(map[uuid.UUID]*core.User),
		configs:  make(map[string]*core.DCAConfiguration),
		groups:   make(map[uuid.UUID]*core.PositionGroup),
		pyramids: make(map[uuid.UUID]*core.Pyramid),
		orders:   make(map[uuid.UUID]*core.DCAOrder),
		queued:   make(map[uuid.UUID]*core.QueuedSignal),
		kv:       make(map[string]kvEntry),
	}
}

func configKey(userID uuid.UUID, pair, timeframe, exchange string) string {
	return strings.Join([]string{userID.String(), pair, timeframe, exchange}, "|")
}

// --- seeding helpers (tests and the dev profile) ---

// PutUser registers a user and marks it active.
func (s *MemStore) PutUser(u *core.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	for _, id := range s.activeUsers {
		if id == u.ID {
			return
		}
	}
	s.activeUsers = append(s.activeUsers, u.ID)
}

// PutConfig registers a DCAConfiguration under its (user, pair,
// timeframe, exchange) key.
func (s *MemStore) PutConfig(c *core.DCAConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyConfig(c)
	s.configs[configKey(c.UserID, c.Pair, c.Timeframe, c.Exchange)] = cp
}

func copyConfig(c *core.DCAConfiguration) *core.DCAConfiguration {
	cp := *c
	cp.Levels = append([]core.LevelConfig(nil), c.Levels...)
	if c.PyramidLevels != nil {
		cp.PyramidLevels = make(map[int][]core.LevelConfig, len(c.PyramidLevels))
		for k, v := range c.PyramidLevels {
			cp.PyramidLevels[k] = append([]core.LevelConfig(nil), v...)
		}
	}
	return &cp
}

func copyGroup(g *core.PositionGroup) *core.PositionGroup {
	cp := *g
	if g.RiskTimer.Start != nil {
		t := *g.RiskTimer.Start
		cp.RiskTimer.Start = &t
	}
	if g.RiskTimer.Expires != nil {
		t := *g.RiskTimer.Expires
		cp.RiskTimer.Expires = &t
	}
	if g.ClosedAt != nil {
		t := *g.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func copyOrder(o *core.DCAOrder) *core.DCAOrder {
	cp := *o
	if o.FilledAt != nil {
		t := *o.FilledAt
		cp.FilledAt = &t
	}
	return &cp
}

func copyPyramid(p *core.Pyramid) *core.Pyramid {
	cp := *p
	cp.ConfigSnapshot = *copyConfig(&p.ConfigSnapshot)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func copyQueued(q *core.QueuedSignal) *core.QueuedSignal {
	cp := *q
	if q.PromotedAt != nil {
		t := *q.PromotedAt
		cp.PromotedAt = &t
	}
	return &cp
}

// --- IUserStore ---

func (s *MemStore) GetUser(ctx context.Context, userID uuid.UUID) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, &apperrors.UserNotFoundException{UserID: userID.String()}
	}
	cp := *u
	return &cp, nil
}

func (s *MemStore) SaveRiskConfig(ctx context.Context, userID uuid.UUID, cfg core.RiskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return &apperrors.UserNotFoundException{UserID: userID.String()}
	}
	u.RiskConfig = cfg
	return nil
}

func (s *MemStore) ListActiveUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.activeUsers...), nil
}

// --- IDCAConfigStore ---

func (s *MemStore) GetConfig(ctx context.Context, userID uuid.UUID, pair, timeframe, exchange string) (*core.DCAConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[configKey(userID, pair, timeframe, exchange)]
	if !ok {
		return nil, nil
	}
	return copyConfig(c), nil
}

// --- IPositionGroupStore ---

func (s *MemStore) CreateGroup(ctx context.Context, g *core.PositionGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if existing.Status.IsTerminal() {
			continue
		}
		if existing.UserID == g.UserID && existing.Exchange == g.Exchange && existing.Symbol == g.Symbol &&
			existing.Timeframe == g.Timeframe && existing.Side == g.Side {
			return &apperrors.DuplicatePositionException{UserID: g.UserID.String(), Symbol: g.Symbol, Side: string(g.Side)}
		}
	}
	s.groups[g.ID] = copyGroup(g)
	return nil
}

func (s *MemStore) GetGroup(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	return copyGroup(g), nil
}

func (s *MemStore) GetActiveGroup(ctx context.Context, userID uuid.UUID, exchange, symbol, timeframe string, side core.Side) (*core.PositionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.Status.IsTerminal() {
			continue
		}
		if g.UserID == userID && g.Exchange == exchange && g.Symbol == symbol && g.Timeframe == timeframe && g.Side == side {
			return copyGroup(g), nil
		}
	}
	return nil, nil
}

func (s *MemStore) ListActiveGroups(ctx context.Context, userID uuid.UUID) ([]*core.PositionGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.PositionGroup
	for _, g := range s.groups {
		if g.UserID == userID && !g.Status.IsTerminal() {
			out = append(out, copyGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) WithGroupLock(ctx context.Context, groupID uuid.UUID, fn func(g *core.PositionGroup) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return &apperrors.ValidationError{Field: "group_id", Reason: "group not found: " + groupID.String()}
	}
	cp := copyGroup(g)
	if err := fn(cp); err != nil {
		return err
	}
	s.groups[groupID] = cp
	return nil
}

// --- IPyramidStore ---

func (s *MemStore) CreatePyramid(ctx context.Context, p *core.Pyramid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pyramids[p.ID] = copyPyramid(p)
	return nil
}

func (s *MemStore) GetPyramid(ctx context.Context, id uuid.UUID) (*core.Pyramid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pyramids[id]
	if !ok {
		return nil, nil
	}
	return copyPyramid(p), nil
}

func (s *MemStore) ListPyramids(ctx context.Context, groupID uuid.UUID) ([]*core.Pyramid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Pyramid
	for _, p := range s.pyramids {
		if p.GroupID == groupID {
			out = append(out, copyPyramid(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemStore) SavePyramid(ctx context.Context, p *core.Pyramid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pyramids[p.ID] = copyPyramid(p)
	return nil
}

// --- IDCAOrderStore ---

func (s *MemStore) CreateOrder(ctx context.Context, o *core.DCAOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *MemStore) GetOrder(ctx context.Context, id uuid.UUID) (*core.DCAOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (s *MemStore) SaveOrder(ctx context.Context, o *core.DCAOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = copyOrder(o)
	return nil
}

func (s *MemStore) ListOrders(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.DCAOrder
	for _, o := range s.orders {
		if o.GroupID == groupID {
			out = append(out, copyOrder(o))
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemStore) ListOrdersByPyramid(ctx context.Context, pyramidID uuid.UUID) ([]*core.DCAOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.DCAOrder
	for _, o := range s.orders {
		if o.PyramidID == pyramidID {
			out = append(out, copyOrder(o))
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemStore) ListNonTerminalOrdersForUser(ctx context.Context, userID uuid.UUID) ([]*core.DCAOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.DCAOrder
	for _, o := range s.orders {
		if o.Status.IsTerminal() {
			continue
		}
		g, ok := s.groups[o.GroupID]
		if !ok || g.UserID != userID {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sortOrders(out)
	return out, nil
}

func sortOrders(orders []*core.DCAOrder) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].LegIndex != orders[j].LegIndex {
			return orders[i].LegIndex < orders[j].LegIndex
		}
		return orders[i].ID.String() < orders[j].ID.String()
	})
}

// --- IQueuedSignalStore ---

func (s *MemStore) Upsert(ctx context.Context, q *core.QueuedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.queued {
		if existing.Status != core.QueueStatusQueued {
			continue
		}
		if existing.UserID == q.UserID && existing.Symbol == q.Symbol && existing.Timeframe == q.Timeframe && existing.Side == q.Side {
			existing.ReplacementCount = q.ReplacementCount
			existing.EntryPrice = q.EntryPrice
			existing.SignalPayload = q.SignalPayload
			existing.IsPyramidContinuation = q.IsPyramidContinuation
			return nil
		}
	}
	s.queued[q.ID] = copyQueued(q)
	return nil
}

func (s *MemStore) GetActive(ctx context.Context, userID uuid.UUID, symbol, timeframe string, side core.Side) (*core.QueuedSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queued {
		if q.Status == core.QueueStatusQueued && q.UserID == userID && q.Symbol == symbol && q.Timeframe == timeframe && q.Side == side {
			return copyQueued(q), nil
		}
	}
	return nil, nil
}

func (s *MemStore) ListQueued(ctx context.Context) ([]*core.QueuedSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.QueuedSignal
	for _, q := range s.queued {
		if q.Status == core.QueueStatusQueued {
			out = append(out, copyQueued(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

func (s *MemStore) ListQueuedForUser(ctx context.Context, userID uuid.UUID) ([]*core.QueuedSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.QueuedSignal
	for _, q := range s.queued {
		if q.Status == core.QueueStatusQueued && q.UserID == userID {
			out = append(out, copyQueued(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

func (s *MemStore) Save(ctx context.Context, q *core.QueuedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[q.ID] = copyQueued(q)
	return nil
}

func (s *MemStore) CancelAllForUser(ctx context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queued {
		if q.UserID == userID && q.Status == core.QueueStatusQueued {
			q.Status = core.QueueStatusCancelled
		}
	}
	return nil
}

func (s *MemStore) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, id)
	return nil
}

// --- IRiskActionStore ---

func (s *MemStore) Record(ctx context.Context, a *core.RiskAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.WinnerContribs = append([]core.WinnerContribution(nil), a.WinnerContribs...)
	s.riskActions = append(s.riskActions, &cp)
	return nil
}

func (s *MemStore) SumRealizedPnLToday(ctx context.Context, userID uuid.UUID, day time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	sum := decimal.Zero
	for _, g := range s.groups {
		if g.UserID == userID && g.Status == core.GroupStatusClosed && g.ClosedAt != nil &&
			!g.ClosedAt.Before(dayStart) && g.ClosedAt.Before(dayEnd) {
			sum = sum.Add(g.RealizedPnLUSD)
		}
	}
	for _, a := range s.riskActions {
		if a.UserID == userID && !a.ExecutedAt.Before(dayStart) && a.ExecutedAt.Before(dayEnd) {
			sum = sum.Add(a.LoserPnLUSD)
		}
	}
	return sum, nil
}

// RiskActions returns every recorded RiskAction, oldest first (test hook).
func (s *MemStore) RiskActions() []*core.RiskAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.RiskAction(nil), s.riskActions...)
}

// --- ICoordinationStore ---

func (s *MemStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if ok && time.Now().Before(e.expires) {
		return false, nil
	}
	s.kv[key] = kvEntry{value: value, expires: time.Now().Add(ttl)}
	return true, nil
}

func (s *MemStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.kv, key)
	return true, nil
}

func (s *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok || time.Now().After(e.expires) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = kvEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *MemStore) Heartbeat(ctx context.Context, service string, ttl time.Duration) error {
	return s.Set(ctx, "service_health:"+service, time.Now().Format(time.RFC3339), ttl)
}

func (s *MemStore) IsHealthy(ctx context.Context, service string) (bool, error) {
	_, ok, err := s.Get(ctx, "service_health:"+service)
	return ok, err
}
