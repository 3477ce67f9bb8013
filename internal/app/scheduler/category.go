package scheduler

import (
	"sort"
	"strings"
	"time"
)

// Category is a broker API grouping rate limited as one unit.
type Category string

const (
	CategoryMarketData  Category = "market_data"
	CategoryOrders      Category = "orders"
	CategoryOptionChain Category = "option_chain"
	CategoryPositions   Category = "positions"
	CategoryHoldings    Category = "holdings"
	CategoryExpiryDates Category = "expiry_dates"
	CategoryBalance     Category = "balance"
	CategoryStrikeOHLC  Category = "strike_ohlc"
)

// Priority orders queued requests within a category.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// DefaultIntervals returns the minimum spacing between dispatches per category.
func DefaultIntervals() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryMarketData:  time.Second,
		CategoryOrders:      2 * time.Second,
		CategoryOptionChain: 3 * time.Second,
		CategoryPositions:   3 * time.Second,
		CategoryHoldings:    3 * time.Second,
		CategoryExpiryDates: 5 * time.Second,
		CategoryBalance:     5 * time.Second,
		CategoryStrikeOHLC:  time.Second,
	}
}

// ParseCategory normalises a configured category name.
func ParseCategory(raw string) Category {
	return Category(strings.ToLower(strings.TrimSpace(raw)))
}

func sortedCategories(intervals map[Category]time.Duration) []Category {
	out := make([]Category, 0, len(intervals))
	for cat := range intervals {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
