package reconcile

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"cryptoguard/internal/exchange"
	"cryptoguard/internal/metrics"
	"cryptoguard/internal/models"
	"cryptoguard/internal/session"
	"cryptoguard/logger"
)

const openOrdersEndpoint = "/fapi/v1/openOrders"

// OrderPoller mirrors each session's open orders.
type OrderPoller struct {
	base
}

func NewOrderPoller(registry *session.Registry, opts Options) *OrderPoller {
	return &OrderPoller{base: newBase(registry, opts, "order_poller")}
}

func (p *OrderPoller) Name() string { return p.component }

// Run reconciles every session once.
func (p *OrderPoller) Run(ctx context.Context) CycleReport {
	started := time.Now()
	report := p.forEachSession(ctx, p.reconcile)
	p.logCycle(report, started)
	return report
}

func (p *OrderPoller) reconcile(ctx context.Context, s *session.Session, client exchange.RESTClient) (Changes, error) {
	var raw []json.RawMessage
	err := p.call(ctx, openOrdersEndpoint, exchange.WeightOpenOrders, func(ctx context.Context) error {
		var err error
		raw, err = client.GetOpenOrders(ctx)
		return err
	})
	if err != nil {
		return Changes{}, err
	}

	now := p.now()
	snapshot := make(map[int64]models.Order, len(raw))
	for _, element := range raw {
		order, err := parseOrder(element, now)
		if err != nil {
			p.log.WithComponent(p.component).WithError(err).Debug("skipping malformed order")
			continue
		}
		snapshot[order.OrderID] = order
	}

	log := p.log.WithComponent(p.component).WithFields(logger.Fields{"session_id": s.ID.String()})
	return apply(&s.Orders, snapshot, models.Order.SameState, func(change string, id int64) {
		metrics.IncReconcileChange("order", change)
		fields := logger.Fields{"order_id": strconv.FormatInt(id, 10), "change": change}
		if o, ok := snapshot[id]; ok {
			fields["symbol"] = o.Symbol
			fields["status"] = string(o.Status)
		}
		log.WithFields(fields).Info("order " + change)
	}), nil
}
