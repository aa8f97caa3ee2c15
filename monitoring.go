package traitdb

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

type StoreStats struct {
	Rows      int
	IndexRows int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64
}

func (ss *StoreStats) TotalSize() int64 {
	return ss.DataSize + ss.IndexSize
}

func (ss *StoreStats) TotalAlloc() int64 {
	return ss.DataAlloc + ss.IndexAlloc
}

func (tx *Tx) StoreStats(store *StoreDef) (StoreStats, error) {
	if err := tx.live("StoreStats", false); err != nil {
		return StoreStats{}, err
	}
	ss, err := tx.storeState(store)
	if err != nil {
		return StoreStats{}, err
	}
	dataBuck, err := tx.dataBucket(ss)
	if err != nil {
		return StoreStats{}, err
	}
	bs := dataBuck.Stats()
	result := StoreStats{
		Rows:      bs.KeyN,
		DataSize:  bs.LeafInuse,
		DataAlloc: bs.TotalAlloc(),
	}
	for _, is := range ss.orderedIndexes() {
		b := tx.mustIndexBucket(ss, is.index)
		bs = b.Stats()
		result.IndexRows += bs.KeyN
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += bs.TotalAlloc()
	}
	return result, nil
}

// Collector exports database statistics to Prometheus. Each scrape runs a
// read-only transaction.
type Collector struct {
	db *DB

	rows       *prometheus.Desc
	indexRows  *prometheus.Desc
	dataBytes  *prometheus.Desc
	indexBytes *prometheus.Desc

	reads         *prometheus.Desc
	writes        *prometheus.Desc
	openReaders   *prometheus.Desc
	openWriters   *prometheus.Desc
	queuedWriters *prometheus.Desc
	size          *prometheus.Desc
}

func NewCollector(db *DB) *Collector {
	storeLabels := []string{"store"}
	return &Collector{
		db: db,

		rows: prometheus.NewDesc(
			"traitdb_store_rows",
			"Number of rows in the store",
			storeLabels, nil,
		),
		indexRows: prometheus.NewDesc(
			"traitdb_store_index_rows",
			"Number of index entries across all indexes of the store",
			storeLabels, nil,
		),
		dataBytes: prometheus.NewDesc(
			"traitdb_store_data_bytes",
			"Bytes in use by the rows of the store",
			storeLabels, nil,
		),
		indexBytes: prometheus.NewDesc(
			"traitdb_store_index_bytes",
			"Bytes in use by the index entries of the store",
			storeLabels, nil,
		),

		reads: prometheus.NewDesc(
			"traitdb_read_transactions_total",
			"Total number of read-only transactions started",
			nil, nil,
		),
		writes: prometheus.NewDesc(
			"traitdb_write_transactions_total",
			"Total number of write transactions started",
			nil, nil,
		),
		openReaders: prometheus.NewDesc(
			"traitdb_open_read_transactions",
			"Number of read-only transactions currently open",
			nil, nil,
		),
		openWriters: prometheus.NewDesc(
			"traitdb_open_write_transactions",
			"Number of write transactions currently open",
			nil, nil,
		),
		queuedWriters: prometheus.NewDesc(
			"traitdb_pending_write_transactions",
			"Number of write transactions waiting for the writer lock",
			nil, nil,
		),
		size: prometheus.NewDesc(
			"traitdb_size_bytes",
			"Database size as of the last commit",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rows
	ch <- c.indexRows
	ch <- c.dataBytes
	ch <- c.indexBytes

	ch <- c.reads
	ch <- c.writes
	ch <- c.openReaders
	ch <- c.openWriters
	ch <- c.queuedWriters
	ch <- c.size
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	db := c.db
	ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(db.ReadCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(db.WriteCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.openReaders, prometheus.GaugeValue, float64(db.ReaderCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.openWriters, prometheus.GaugeValue, float64(db.WriterCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.queuedWriters, prometheus.GaugeValue, float64(db.PendingWriterCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(db.Size()))

	// scrapes don't count as reads
	err := db.view(context.Background(), txUncounted, func(tx *Tx) error {
		for _, store := range tx.Schema().Stores() {
			s, err := tx.StoreStats(store)
			if err != nil {
				return err
			}
			ch <- prometheus.MustNewConstMetric(c.rows, prometheus.GaugeValue, float64(s.Rows), store.name)
			ch <- prometheus.MustNewConstMetric(c.indexRows, prometheus.GaugeValue, float64(s.IndexRows), store.name)
			ch <- prometheus.MustNewConstMetric(c.dataBytes, prometheus.GaugeValue, float64(s.DataSize), store.name)
			ch <- prometheus.MustNewConstMetric(c.indexBytes, prometheus.GaugeValue, float64(s.IndexSize), store.name)
		}
		return nil
	})
	if err != nil {
		db.logger.Error("collecting store stats", "err", err)
	}
}
