package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names. The per-user gauges carry a user_id attribute and the
// order counters an exchange attribute; the other counters carry no
// attributes. Nothing is keyed per symbol.
const (
	MetricQueueDepth           = "dcaengine_queue_depth"
	MetricPoolUtilization      = "dcaengine_pool_utilization"
	MetricPoolSlotsGranted     = "dcaengine_pool_slots_granted_total"
	MetricPoolSlotsDenied      = "dcaengine_pool_slots_denied_total"
	MetricSignalsPromotedTotal = "dcaengine_signals_promoted_total"
	MetricGroupsOpenedTotal    = "dcaengine_groups_opened_total"
	MetricGroupsClosedTotal    = "dcaengine_groups_closed_total"
	MetricOrdersPlacedTotal    = "dcaengine_orders_placed_total"
	MetricOrdersFilledTotal    = "dcaengine_orders_filled_total"
	MetricTPFiresTotal         = "dcaengine_tp_fires_total"
	MetricHedgesExecutedTotal  = "dcaengine_hedges_executed_total"
	MetricRealizedPnLTotal     = "dcaengine_realized_pnl_usd_total"
	MetricEnginePaused         = "dcaengine_engine_paused"
	MetricFillMonitorLatency   = "dcaengine_fill_monitor_cycle_seconds"
)

// MetricsHolder holds initialized OpenTelemetry instruments for the
// engine's four subsystems. Counters increment directly; gauges are
// observed from an in-memory map snapshot at each metrics.Pull.
type MetricsHolder struct {
	QueueDepth           metric.Int64ObservableGauge
	PoolUtilization      metric.Float64ObservableGauge
	PoolSlotsGranted     metric.Int64Counter
	PoolSlotsDenied      metric.Int64Counter
	SignalsPromotedTotal metric.Int64Counter
	GroupsOpenedTotal    metric.Int64Counter
	GroupsClosedTotal    metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	TPFiresTotal         metric.Int64Counter
	HedgesExecutedTotal  metric.Int64Counter
	RealizedPnLTotal     metric.Float64Counter
	EnginePaused         metric.Int64ObservableGauge
	FillMonitorLatency   metric.Float64Histogram

	mu              sync.RWMutex
	queueDepthMap   map[string]int64   // user_id -> queued signal count
	poolUtilMap     map[string]float64 // user_id -> active/limit
	enginePausedMap map[string]int64   // user_id -> 1 if paused by loss limit
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			queueDepthMap:   make(map[string]int64),
			poolUtilMap:     make(map[string]float64),
			enginePausedMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics registers every instrument against meter. Called once from
// bootstrap after the OTel MeterProvider is wired.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.PoolSlotsGranted, err = meter.Int64Counter(MetricPoolSlotsGranted, metric.WithDescription("Execution pool slot grants")); err != nil {
		return err
	}
	if m.PoolSlotsDenied, err = meter.Int64Counter(MetricPoolSlotsDenied, metric.WithDescription("Execution pool slot denials")); err != nil {
		return err
	}
	if m.SignalsPromotedTotal, err = meter.Int64Counter(MetricSignalsPromotedTotal, metric.WithDescription("Queued signals promoted to a position")); err != nil {
		return err
	}
	if m.GroupsOpenedTotal, err = meter.Int64Counter(MetricGroupsOpenedTotal, metric.WithDescription("Position groups created")); err != nil {
		return err
	}
	if m.GroupsClosedTotal, err = meter.Int64Counter(MetricGroupsClosedTotal, metric.WithDescription("Position groups closed")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("DCA/TP orders submitted to an exchange")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("DCA/TP orders observed filled")); err != nil {
		return err
	}
	if m.TPFiresTotal, err = meter.Int64Counter(MetricTPFiresTotal, metric.WithDescription("Take-profit evaluations that closed exposure"), metric.WithUnit("{fire}")); err != nil {
		return err
	}
	if m.HedgesExecutedTotal, err = meter.Int64Counter(MetricHedgesExecutedTotal, metric.WithDescription("Risk engine hedge executions")); err != nil {
		return err
	}
	if m.RealizedPnLTotal, err = meter.Float64Counter(MetricRealizedPnLTotal, metric.WithDescription("Cumulative realized PnL in USD"), metric.WithUnit("usd")); err != nil {
		return err
	}
	if m.FillMonitorLatency, err = meter.Float64Histogram(MetricFillMonitorLatency, metric.WithDescription("Order fill monitor cycle duration"), metric.WithUnit("s")); err != nil {
		return err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("Queued signals awaiting promotion, per user"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for userID, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_id", userID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PoolUtilization, err = meter.Float64ObservableGauge(MetricPoolUtilization, metric.WithDescription("Execution pool utilization (active/limit), per user"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for userID, val := range m.poolUtilMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_id", userID)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EnginePaused, err = meter.Int64ObservableGauge(MetricEnginePaused, metric.WithDescription("1 if the user's engine is paused by the daily-loss circuit breaker"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for userID, val := range m.enginePausedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_id", userID)))
			}
			return nil
		}))
	return err
}

// SetQueueDepth records the current queued-signal count for a user.
func (m *MetricsHolder) SetQueueDepth(userID string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[userID] = depth
}

// SetPoolUtilization records active/limit for a user's execution pool.
func (m *MetricsHolder) SetPoolUtilization(userID string, utilization float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolUtilMap[userID] = utilization
}

// SetEnginePaused records the daily-loss circuit breaker state for a user.
func (m *MetricsHolder) SetEnginePaused(userID string, paused bool) {
	val := int64(0)
	if paused {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enginePausedMap[userID] = val
}
