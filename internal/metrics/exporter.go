package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	collector *Collector
	server    *http.Server
	stop      chan struct{}
}

// NewExporter creates a metrics exporter
func NewExporter(addr string, snapshots SnapshotCounter) *Exporter {
	collector := NewCollector(snapshots)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		addr:      addr,
		collector: collector,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		stop: make(chan struct{}),
	}
}

// Start starts the exporter
func (e *Exporter) Start() error {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.collector.Collect()
			case <-e.stop:
				return
			}
		}
	}()

	err := e.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the exporter
func (e *Exporter) Stop() error {
	close(e.stop)
	return e.server.Close()
}
