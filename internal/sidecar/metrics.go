package sidecar

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spoke_sidecar_tokens_issued_total",
		Help: "Media credentials successfully minted.",
	})
	tokensDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spoke_sidecar_tokens_denied_total",
		Help: "Token requests denied, by reason.",
	}, []string{"reason"})
)
