package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ioServiceBytesCounter is the total bytes dispatched through the throttler
	ioServiceBytesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blkio_throttler",
		Subsystem: "dispatch",
		Name:      "io_service_bytes_total",
		Help:      "The total number of bytes dispatched, per group, device and direction",
	}, []string{"group", "device", "direction"})

	// ioServicedCounter is the total number of ios dispatched through the throttler
	ioServicedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blkio_throttler",
		Subsystem: "dispatch",
		Name:      "io_serviced_total",
		Help:      "The total number of ios dispatched, per group, device and direction",
	}, []string{"group", "device", "direction"})

	// issuedCounter is the number of throttled bios handed back to the block layer
	issuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blkio_throttler",
		Subsystem: "issue",
		Name:      "bios_total",
		Help:      "The number of previously throttled bios issued, per device",
	}, []string{"device"})
)

func init() {
	prometheus.MustRegister(ioServiceBytesCounter, ioServicedCounter, issuedCounter)
}

// InstallHandler registers the prometheus handler
func InstallHandler(mux *http.ServeMux, path string) {
	mux.Handle(path, promhttp.Handler())
}

// RegisterDispatch records one dispatched bio
func RegisterDispatch(group, device, direction string, bytes float64) {
	ioServiceBytesCounter.WithLabelValues(group, device, direction).Add(bytes)
	ioServicedCounter.WithLabelValues(group, device, direction).Inc()
}

// RegisterIssued records bios handed back to the block layer
func RegisterIssued(device string, count float64) {
	if count == 0 {
		return
	}
	issuedCounter.WithLabelValues(device).Add(count)
}
