package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecredits_ledger_reservations_total",
		Help: "Authorize attempts by feature and result (reserved, insufficient, duplicate, error)",
	}, []string{"feature", "result"})

	creditsSpentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecredits_ledger_credits_spent_total",
		Help: "Credits committed as spent",
	}, []string{"feature"})

	creditsRefundedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecredits_ledger_credits_refunded_total",
		Help: "Credits returned by rolled back reservations",
	}, []string{"feature"})

	discrepanciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecredits_ledger_discrepancies_total",
		Help: "Commit or rollback writes that failed and were handed to reconciliation",
	}, []string{"outcome"})
)
