package enrollment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	admissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_admission_total",
		Help: "Seat admission decisions by policy and outcome",
	}, []string{"policy", "outcome"})

	couponClaimTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_coupon_claims_total",
		Help: "Coupon claim attempts by result",
	}, []string{"result"})

	expiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_expired_total",
		Help: "Entities released by the expiry sweep",
	}, []string{"entity"})

	receiptReviewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_receipt_reviews_total",
		Help: "Receipt reviews by decision",
	}, []string{"decision"})
)
