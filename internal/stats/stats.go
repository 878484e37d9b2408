package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LiveConnections   = promauto.NewGauge(prometheus.GaugeOpts{Name: "passage_live_connections", Help: "Connections currently owned by the handler runtime"})
	RemovalsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "passage_removals_total", Help: "Connection removals by reason"}, []string{"reason"})
	BytesTransferred  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "passage_bytes_transferred_total", Help: "Bytes forwarded by direction"}, []string{"direction"})
	DNSCacheHits      = promauto.NewCounter(prometheus.CounterOpts{Name: "passage_dns_cache_hits_total", Help: "Resolve requests answered from the local cache"})
	DNSLookupsOK      = promauto.NewCounter(prometheus.CounterOpts{Name: "passage_dns_successful_lookups_total", Help: "Successful backend DNS lookups"})
	DNSLookupsFailed  = promauto.NewCounter(prometheus.CounterOpts{Name: "passage_dns_failed_lookups_total", Help: "Failed backend DNS lookups"})
	ConnectsNegotiated = promauto.NewCounter(prometheus.CounterOpts{Name: "passage_connects_negotiated_total", Help: "CONNECT tunnels successfully negotiated"})
)
