package reconcile

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptoguard/internal/exchange"
	"cryptoguard/internal/metrics"
	"cryptoguard/internal/models"
	"cryptoguard/internal/session"
	"cryptoguard/logger"
)

const (
	positionRiskEndpoint = "/fapi/v2/positionRisk"
	balanceEndpoint      = "/fapi/v2/balance"
)

// DefaultQuoteAssets are refreshed after every position diff.
var DefaultQuoteAssets = []string{"USDT", "USDC"}

// PositionPoller mirrors each session's open positions and quote balances.
type PositionPoller struct {
	base
	quoteAssets []string
}

func NewPositionPoller(registry *session.Registry, quoteAssets []string, opts Options) *PositionPoller {
	assets := make([]string, 0, len(quoteAssets))
	for _, a := range quoteAssets {
		if a = strings.ToUpper(strings.TrimSpace(a)); a != "" {
			assets = append(assets, a)
		}
	}
	if len(assets) == 0 {
		assets = DefaultQuoteAssets
	}
	return &PositionPoller{base: newBase(registry, opts, "position_poller"), quoteAssets: assets}
}

func (p *PositionPoller) Name() string { return p.component }

func (p *PositionPoller) Run(ctx context.Context) CycleReport {
	started := time.Now()
	report := p.forEachSession(ctx, p.reconcile)
	p.logCycle(report, started)
	return report
}

func (p *PositionPoller) reconcile(ctx context.Context, s *session.Session, client exchange.RESTClient) (Changes, error) {
	var raw []json.RawMessage
	err := p.call(ctx, positionRiskEndpoint, exchange.WeightPositionRisk, func(ctx context.Context) error {
		var err error
		raw, err = client.GetPositions(ctx)
		return err
	})
	if err != nil {
		return Changes{}, err
	}

	log := p.log.WithComponent(p.component).WithFields(logger.Fields{"session_id": s.ID.String()})
	onChange := func(change, key string) {
		metrics.IncReconcileChange("position", change)
		log.WithFields(logger.Fields{"position": key, "change": change}).Info("position " + change)
	}

	now := p.now()
	var changes Changes
	snapshot := make(map[string]models.Position, len(raw))
	for _, element := range raw {
		pos, err := parsePosition(element, now)
		if err != nil {
			log.WithError(err).Debug("skipping malformed position")
			continue
		}
		key := pos.Key()
		if pos.Closed() {
			if _, ok := s.Positions.Get(key); ok {
				s.Positions.Delete(key)
				changes.count(changeRemoved)
				onChange(changeRemoved, key)
			}
			continue
		}
		snapshot[key] = pos
	}
	changes.add(apply(&s.Positions, snapshot, models.Position.SameState, onChange))

	p.refreshBalances(ctx, s, client)
	return changes, nil
}

// refreshBalances fetches each quote asset independently; one failure does
// not block the others.
func (p *PositionPoller) refreshBalances(ctx context.Context, s *session.Session, client exchange.RESTClient) {
	for _, asset := range p.quoteAssets {
		var available decimal.Decimal
		err := p.call(ctx, balanceEndpoint, exchange.WeightBalance, func(ctx context.Context) error {
			var err error
			available, err = client.GetQuoteAvailable(ctx, asset)
			return err
		})
		if err != nil {
			p.log.WithComponent(p.component).WithFields(logger.Fields{
				"session_id": s.ID.String(),
				"asset":      asset,
			}).WithError(err).Warn("balance refresh failed")
			continue
		}
		s.Balances.Set(asset, models.Balance{Asset: asset, Available: available, Timestamp: p.now().UTC()})
	}
}
