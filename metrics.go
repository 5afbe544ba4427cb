package vpr

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StatisticsCollector exports the per-heap usage of an Allocator as Prometheus gauges. It reads the
// same counters as Allocator.HeapBudgets, so collecting is cheap.
type StatisticsCollector struct {
	allocator *Allocator

	blockCount      *prometheus.Desc
	blockBytes      *prometheus.Desc
	allocationCount *prometheus.Desc
	allocationBytes *prometheus.Desc
	budgetBytes     *prometheus.Desc
	usageBytes      *prometheus.Desc
}

var _ prometheus.Collector = (*StatisticsCollector)(nil)

// NewStatisticsCollector creates a collector for allocator. constLabels are attached to every
// metric, and may be nil.
func NewStatisticsCollector(allocator *Allocator, constLabels prometheus.Labels) *StatisticsCollector {
	heapLabels := []string{"heap"}

	return &StatisticsCollector{
		allocator: allocator,
		blockCount: prometheus.NewDesc(
			"vpr_heap_blocks",
			"Number of device memory regions allocated from the heap",
			heapLabels,
			constLabels,
		),
		blockBytes: prometheus.NewDesc(
			"vpr_heap_block_bytes",
			"Bytes of device memory allocated from the heap",
			heapLabels,
			constLabels,
		),
		allocationCount: prometheus.NewDesc(
			"vpr_heap_allocations",
			"Number of live allocations placed in the heap, dedicated allocations included",
			heapLabels,
			constLabels,
		),
		allocationBytes: prometheus.NewDesc(
			"vpr_heap_allocation_bytes",
			"Bytes held by live allocations placed in the heap",
			heapLabels,
			constLabels,
		),
		budgetBytes: prometheus.NewDesc(
			"vpr_heap_budget_bytes",
			"Bytes of the heap the process may use",
			heapLabels,
			constLabels,
		),
		usageBytes: prometheus.NewDesc(
			"vpr_heap_usage_bytes",
			"Bytes of the heap currently in use by the process",
			heapLabels,
			constLabels,
		),
	}
}

func (c *StatisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.blockCount
	ch <- c.blockBytes
	ch <- c.allocationCount
	ch <- c.allocationBytes
	ch <- c.budgetBytes
	ch <- c.usageBytes
}

func (c *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	budgets := c.allocator.HeapBudgets()

	for heapIndex, budget := range budgets {
		heap := strconv.Itoa(heapIndex)

		ch <- prometheus.MustNewConstMetric(c.blockCount, prometheus.GaugeValue, float64(budget.Statistics.BlockCount), heap)
		ch <- prometheus.MustNewConstMetric(c.blockBytes, prometheus.GaugeValue, float64(budget.Statistics.BlockBytes), heap)
		ch <- prometheus.MustNewConstMetric(c.allocationCount, prometheus.GaugeValue, float64(budget.Statistics.AllocationCount), heap)
		ch <- prometheus.MustNewConstMetric(c.allocationBytes, prometheus.GaugeValue, float64(budget.Statistics.AllocationBytes), heap)
		ch <- prometheus.MustNewConstMetric(c.budgetBytes, prometheus.GaugeValue, float64(budget.Budget), heap)
		ch <- prometheus.MustNewConstMetric(c.usageBytes, prometheus.GaugeValue, float64(budget.Usage), heap)
	}
}
