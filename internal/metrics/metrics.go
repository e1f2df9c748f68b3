package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CodesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendcode_codes_issued_total",
		Help: "Attendance codes issued, by result.",
	}, []string{"result"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendcode_verifications_total",
		Help: "Code verifications, by outcome code.",
	}, []string{"outcome"})

	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendcode_marks_total",
		Help: "Attendance mark attempts, by outcome code and network mode.",
	}, []string{"outcome", "via"})

	Grants = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendcode_access_grants_total",
		Help: "Captive portal access grants, by result.",
	}, []string{"result"})

	Captures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendcode_face_captures_total",
		Help: "Face captures requested, by result.",
	}, []string{"result"})
)
