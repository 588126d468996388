package pubsub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uabridge_pubsub_messages_total",
		Help: "The total number of published network messages",
	}, []string{"publisher", "kind"})

	metricSendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uabridge_pubsub_send_errors_total",
		Help: "The total number of failed transport sends",
	}, []string{"publisher"})

	metricDataSetFields = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uabridge_pubsub_dataset_fields",
		Help: "The number of registered dataset fields",
	}, []string{"publisher"})
)
