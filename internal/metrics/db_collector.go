package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBPoolStats is a snapshot of connection pool state.
type DBPoolStats struct {
	Total             int32
	Idle              int32
	Acquired          int32
	Max               int32
	AcquireCount      int64
	EmptyAcquireCount int64
}

// DBPoolStatFunc returns pool statistics without importing pgxpool.
type DBPoolStatFunc func() DBPoolStats

type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	totalDesc        *prometheus.Desc
	idleDesc         *prometheus.Desc
	acquiredDesc     *prometheus.Desc
	maxDesc          *prometheus.Desc
	acquiresDesc     *prometheus.Desc
	emptyAcquireDesc *prometheus.Desc
}

// NewDBPoolCollector creates a collector that reads pool stats on scrape.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	gauge := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("prepaid_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		statFunc:         statFunc,
		totalDesc:        gauge("total_conns", "Total number of connections in the DB pool."),
		idleDesc:         gauge("idle_conns", "Number of idle connections in the DB pool."),
		acquiredDesc:     gauge("acquired_conns", "Number of acquired connections in the DB pool."),
		maxDesc:          gauge("max_conns", "Maximum size of the DB pool."),
		acquiresDesc:     gauge("acquires_total", "Cumulative number of connection acquires."),
		emptyAcquireDesc: gauge("empty_acquires_total", "Cumulative number of acquires that waited for a connection."),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.idleDesc
	ch <- c.acquiredDesc
	ch <- c.maxDesc
	ch <- c.acquiresDesc
	ch <- c.emptyAcquireDesc
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.maxDesc, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.acquiresDesc, prometheus.CounterValue, float64(s.AcquireCount))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquireDesc, prometheus.CounterValue, float64(s.EmptyAcquireCount))
}
