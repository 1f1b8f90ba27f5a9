package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckInsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_checkins_accepted_total",
		Help: "Accepted check-ins by path.",
	}, []string{"path"})

	CheckInsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_checkins_rejected_total",
		Help: "Rejected check-ins by path and reason.",
	}, []string{"path", "reason"})
)
