package starter

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meridian_connections_total",
		Help: "Total number of connections accepted by the meridian listeners",
	},
	[]string{"type"},
)

// countConnections wraps the listener so every accepted connection
// increments the counter, labeled by connection type.
func countConnections(cType string, l net.Listener) net.Listener {
	return &countingListener{
		cType:    cType,
		Listener: l,
		counter:  connTotal,
	}
}

type countingListener struct {
	net.Listener
	cType   string
	counter *prometheus.CounterVec
}

func (cl *countingListener) Accept() (net.Conn, error) {
	conn, err := cl.Listener.Accept()
	cl.counter.WithLabelValues(cl.cType).Inc()
	return conn, err
}
