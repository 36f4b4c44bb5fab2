package incremental

import (
	"fmt"
	"sync"
	"time"
)

// Metrics is a point-in-time view of indexer activity across workspaces.
type Metrics struct {
	Workspaces          int           `json:"workspaces"`
	FullIndexes         int64         `json:"fullIndexes"`
	IncrementalUpdates  int64         `json:"incrementalUpdates"`
	CacheHits           int64         `json:"cacheHits"`
	CacheMisses         int64         `json:"cacheMisses"`
	CacheErrors         int64         `json:"cacheErrors"`
	FilesReanalyzed     int64         `json:"filesReanalyzed"`
	FilesSkipped        int64         `json:"filesSkipped"`
	MetadataTouches     int64         `json:"metadataTouches"`
	SymbolsUpdated      int64         `json:"symbolsUpdated"`
	ParseErrors         int64         `json:"parseErrors"`
	TotalAnalysisTime   time.Duration `json:"totalAnalysisTime"`
	AverageAnalysisTime time.Duration `json:"averageAnalysisTime"`
	IndexSizeBytes      int64         `json:"indexSizeBytes"`
}

// HitRate returns the share of cache lookups that avoided re-analysis.
func (m Metrics) HitRate() float64 {
	total := m.CacheHits + m.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(total)
}

// String renders a one-line summary.
func (m Metrics) String() string {
	return fmt.Sprintf("%d updates, %d reanalyzed, %d hits / %d misses (%.0f%%), avg %s",
		m.IncrementalUpdates, m.FilesReanalyzed, m.CacheHits, m.CacheMisses,
		m.HitRate()*100, m.AverageAnalysisTime.Round(time.Microsecond))
}

type metricsCollector struct {
	mu sync.Mutex
	m  Metrics
}

// passStats accumulates one indexing pass before it is folded into the totals.
type passStats struct {
	hits, misses, touches, skipped int64
	analyzed, symbols, parseErrs   int64
	analysisTime                   time.Duration
}

func (c *metricsCollector) record(p *passStats, full, incremental bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if full {
		c.m.FullIndexes++
	}
	if incremental {
		c.m.IncrementalUpdates++
	}
	c.m.CacheHits += p.hits
	c.m.CacheMisses += p.misses
	c.m.MetadataTouches += p.touches
	c.m.FilesSkipped += p.skipped
	c.m.FilesReanalyzed += p.analyzed
	c.m.SymbolsUpdated += p.symbols
	c.m.ParseErrors += p.parseErrs
	c.m.TotalAnalysisTime += p.analysisTime
	if c.m.FilesReanalyzed > 0 {
		c.m.AverageAnalysisTime = c.m.TotalAnalysisTime / time.Duration(c.m.FilesReanalyzed)
	}
}

func (c *metricsCollector) cacheError() {
	c.mu.Lock()
	c.m.CacheErrors++
	c.mu.Unlock()
}

func (c *metricsCollector) snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m
}
