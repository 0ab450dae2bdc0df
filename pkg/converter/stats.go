package converter

import (
	"sync"
	"time"
)

// TokenUsage records the tokens consumed by one OCR/LLM provider call.
type TokenUsage struct {
	Type             UsageType `json:"type" yaml:"type" msgpack:"type"`
	PromptTokens     int64     `json:"promptTokens" yaml:"promptTokens" msgpack:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens" yaml:"completionTokens" msgpack:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens" yaml:"totalTokens" msgpack:"totalTokens"`
	Timestamp        time.Time `json:"timestamp" yaml:"timestamp" msgpack:"timestamp"`
}

// total returns TotalTokens, falling back to prompt + completion when the provider omitted it.
func (u TokenUsage) total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// LLMStats is a point-in-time copy of the collector's aggregate.
type LLMStats struct {
	TotalRequests       int64         `json:"totalRequests" yaml:"totalRequests"`
	SuccessfulRequests  int64         `json:"successfulRequests" yaml:"successfulRequests"`
	FailedRequests      int64         `json:"failedRequests" yaml:"failedRequests"`
	TotalTokensUsed     int64         `json:"totalTokensUsed" yaml:"totalTokensUsed"`
	PromptTokens        int64         `json:"promptTokens" yaml:"promptTokens"`
	CompletionTokens    int64         `json:"completionTokens" yaml:"completionTokens"`
	TotalCostEstimate   float64       `json:"totalCostEstimate" yaml:"totalCostEstimate"`
	AverageResponseTime time.Duration `json:"averageResponseTime" yaml:"averageResponseTime"`
	CacheHits           int64         `json:"cacheHits" yaml:"cacheHits"`
}

// SuccessRate is SuccessfulRequests / TotalRequests in [0,1], 0 when there were no requests.
func (s LLMStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests)
}

// StatsCollector accumulates request, token and cost counters across all batches
// of one BatchController. All methods are safe for concurrent use.
type StatsCollector struct {
	mu    sync.Mutex
	stats LLMStats
	avgNs float64 // running mean kept in float to avoid integer drift
}

// NewStatsCollector returns an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// AddRequest folds one executed attempt into the aggregate. Cache hits are not
// requests and must be reported through RecordCacheHit instead.
func (c *StatsCollector) AddRequest(r ConversionResult, settings ConversionSettings) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalRequests++
	if r.Status == JobSuccess {
		c.stats.SuccessfulRequests++
	} else {
		c.stats.FailedRequests++
	}

	if u := r.TokenUsage; u != nil {
		c.stats.TotalTokensUsed += u.total()
		c.stats.PromptTokens += u.PromptTokens
		c.stats.CompletionTokens += u.CompletionTokens
		c.stats.TotalCostEstimate += (float64(u.PromptTokens)*settings.PromptTokenPrice +
			float64(u.CompletionTokens)*settings.CompletionTokenPrice) / 1_000_000
	}

	// incremental mean: avg_n = avg_{n-1} + (x - avg_{n-1}) / n
	n := float64(c.stats.TotalRequests)
	c.avgNs += (float64(r.Duration) - c.avgNs) / n
	c.stats.AverageResponseTime = time.Duration(c.avgNs)
}

// RecordCacheHit counts a job that was served from the result cache.
func (c *StatsCollector) RecordCacheHit() {
	c.mu.Lock()
	c.stats.CacheHits++
	c.mu.Unlock()
}

// Snapshot returns a copy of the aggregate.
func (c *StatsCollector) Snapshot() LLMStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Reset clears every counter.
func (c *StatsCollector) Reset() {
	c.mu.Lock()
	c.stats = LLMStats{}
	c.avgNs = 0
	c.mu.Unlock()
}
