package session

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptoguard/internal/exchange"
	"cryptoguard/internal/models"
)

// ErrNoClient is returned when a session has no exchange client attached.
var ErrNoClient = errors.New("session: no exchange client")

// Session is one authenticated exchange context and its cached view.
type Session struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time

	client exchange.RESTClient

	Orders    OrderCache
	Positions PositionCache
	Balances  BalanceCache
}

func New(name string, client exchange.RESTClient) *Session {
	return &Session{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		client:    client,
	}
}

// Client returns the session's REST client or ErrNoClient.
func (s *Session) Client() (exchange.RESTClient, error) {
	if s.client == nil {
		return nil, ErrNoClient
	}
	return s.client, nil
}

// Overview is a point-in-time summary of one session.
type Overview struct {
	ID               uuid.UUID         `json:"id"`
	Name             string            `json:"name"`
	Orders           []models.Order    `json:"orders"`
	Positions        []models.Position `json:"positions"`
	Balances         []models.Balance  `json:"balances"`
	FuturesAvailable decimal.Decimal   `json:"futures_available"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

// futuresQuoteAssets are summed into the futures trading balance.
var futuresQuoteAssets = []string{"USDT", "USDC"}

// Overview lists orders and positions updated within window (all of them when
// window is zero) together with the cached balances.
func (s *Session) Overview(now time.Time, window time.Duration) Overview {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = now.Add(-window)
	}

	orders := sortedOrders(s.Orders.Snapshot())
	filteredOrders := orders[:0]
	for _, o := range orders {
		if o.UpdateTime.IsZero() || !o.UpdateTime.Before(cutoff) {
			filteredOrders = append(filteredOrders, o)
		}
	}

	positions := sortedPositions(s.Positions.Snapshot())
	filteredPositions := positions[:0]
	for _, p := range positions {
		if p.UpdateTime.IsZero() || !p.UpdateTime.Before(cutoff) {
			filteredPositions = append(filteredPositions, p)
		}
	}

	balances := make([]models.Balance, 0)
	available := decimal.Zero
	for asset, b := range s.Balances.Snapshot() {
		balances = append(balances, b)
		for _, quote := range futuresQuoteAssets {
			if strings.EqualFold(asset, quote) {
				available = available.Add(b.Available)
			}
		}
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })

	return Overview{
		ID:               s.ID,
		Name:             s.Name,
		Orders:           filteredOrders,
		Positions:        filteredPositions,
		Balances:         balances,
		FuturesAvailable: available,
		GeneratedAt:      now.UTC(),
	}
}
