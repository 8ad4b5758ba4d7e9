package reconcile

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptoguard/internal/models"
)

var errMissingField = errors.New("reconcile: required field missing")

// rawObject holds one snapshot element with its fields still undecoded so
// that a bad field degrades to a default instead of failing the element.
type rawObject map[string]json.RawMessage

func decodeObject(raw json.RawMessage) (rawObject, error) {
	var obj rawObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errMissingField
	}
	return obj, nil
}

func (o rawObject) has(key string) bool {
	v, ok := o[key]
	return ok && string(v) != "null"
}

// str accepts JSON strings and bare numbers.
func (o rawObject) str(key string) string {
	v, ok := o[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

// dec returns zero for missing or unparsable values.
func (o rawObject) dec(key string) decimal.Decimal {
	d, err := decimal.NewFromString(o.str(key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (o rawObject) integer(key string) (int64, bool) {
	n, err := strconv.ParseInt(o.str(key), 10, 64)
	return n, err == nil
}

func (o rawObject) boolean(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return b
	}
	parsed, _ := strconv.ParseBool(o.str(key))
	return parsed
}

// millis converts an epoch-milliseconds field, falling back to now.
func (o rawObject) millis(key string, now time.Time) time.Time {
	if ms, ok := o.integer(key); ok && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return now.UTC()
}

// parseOrder maps one open-orders element. Elements without an order id or
// symbol, or with an unknown side, type or status, are rejected. Time in
// force and position side fall back to GTC and BOTH.
func parseOrder(raw json.RawMessage, now time.Time) (models.Order, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return models.Order{}, err
	}
	id, ok := obj.integer("orderId")
	symbol := obj.str("symbol")
	if !ok || symbol == "" {
		return models.Order{}, errMissingField
	}
	side, err := models.ParseOrderSide(obj.str("side"))
	if err != nil {
		return models.Order{}, err
	}
	orderType, err := models.ParseOrderType(obj.str("type"))
	if err != nil {
		return models.Order{}, err
	}
	status, err := models.ParseOrderStatus(obj.str("status"))
	if err != nil {
		return models.Order{}, err
	}

	return models.Order{
		OrderID:       id,
		Symbol:        symbol,
		Side:          side,
		Type:          orderType,
		Quantity:      obj.dec("origQty"),
		Price:         obj.dec("price"),
		StopPrice:     obj.dec("stopPrice"),
		TimeInForce:   models.ParseTimeInForce(obj.str("timeInForce")),
		ReduceOnly:    obj.boolean("reduceOnly"),
		PositionSide:  models.ParsePositionSide(obj.str("positionSide")),
		ClientOrderID: obj.str("clientOrderId"),
		Status:        status,
		UpdateTime:    obj.millis("updateTime", now),
	}, nil
}

// parsePosition maps one position-risk element. Symbol and positionAmt are
// required.
func parsePosition(raw json.RawMessage, now time.Time) (models.Position, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return models.Position{}, err
	}
	symbol := obj.str("symbol")
	if symbol == "" || !obj.has("positionAmt") {
		return models.Position{}, errMissingField
	}
	qty, err := decimal.NewFromString(obj.str("positionAmt"))
	if err != nil {
		return models.Position{}, err
	}

	leverage, _ := obj.integer("leverage")
	return models.Position{
		Symbol:        symbol,
		Side:          models.ParsePositionSide(obj.str("positionSide")),
		Quantity:      qty,
		EntryPrice:    obj.dec("entryPrice"),
		MarkPrice:     obj.dec("markPrice"),
		UnrealizedPnL: obj.dec("unRealizedProfit"),
		Leverage:      int(leverage),
		UpdateTime:    obj.millis("updateTime", now),
	}, nil
}
