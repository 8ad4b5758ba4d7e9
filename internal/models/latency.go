package models

import "time"

// IncompleteMeasurement is the error code recorded when a tracker is closed
// without an explicit completion.
const IncompleteMeasurement = "INCOMPLETE_MEASUREMENT"

// LatencyMeasurement is one timed round trip to an endpoint.
type LatencyMeasurement struct {
	ID                  string            `json:"id" gorm:"primaryKey;size:36"`
	Endpoint            string            `json:"endpoint" gorm:"index;size:128"`
	RequestType         string            `json:"request_type" gorm:"size:64"`
	RequestTime         time.Time         `json:"request_time"`
	ResponseTime        time.Time         `json:"response_time"`
	ExchangeTime        *time.Time        `json:"exchange_time,omitempty"`
	TotalLatencyMs      int64             `json:"total_latency_ms"`
	NetworkLatencyMs    int64             `json:"network_latency_ms"`
	ProcessingLatencyMs int64             `json:"processing_latency_ms"`
	Success             bool              `json:"success"`
	ErrorCode           string            `json:"error_code,omitempty" gorm:"size:64"`
	Metadata            map[string]string `json:"metadata,omitempty" gorm:"serializer:json"`
}

// ApiCall is a planned or historical request used for rate-limit analysis.
// A zero Timestamp means the call is untimed.
type ApiCall struct {
	Endpoint  string    `json:"endpoint"`
	Weight    int       `json:"weight"`
	IsOrder   bool      `json:"is_order"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// RateLimitRule holds the ceilings for one endpoint category.
type RateLimitRule struct {
	Category          string    `json:"category" gorm:"primaryKey;size:64"`
	WeightLimitPerMin int       `json:"weight_limit_per_min"`
	OrderLimitPerMin  int       `json:"order_limit_per_min"`
	OrderLimitPer10s  int       `json:"order_limit_per_10s"`
	AlertThreshold    float64   `json:"alert_threshold"`
	RecoveryThreshold float64   `json:"recovery_threshold"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultRateLimitRule returns the rule created for a category on first use.
func DefaultRateLimitRule(category string) RateLimitRule {
	return RateLimitRule{
		Category:          category,
		WeightLimitPerMin: 2400,
		OrderLimitPerMin:  1200,
		OrderLimitPer10s:  300,
		AlertThreshold:    0.80,
		RecoveryThreshold: 0.50,
		UpdatedAt:         time.Now().UTC(),
	}
}
