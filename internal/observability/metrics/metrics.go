package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RatchetOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_ratchet_ops_total",
			Help: "Ratchet encrypt and decrypt operations.",
		},
		[]string{"op", "result"},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_handshakes_total",
			Help: "Session handshakes by role.",
		},
		[]string{"role", "result"},
	)

	GroupOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_group_ops_total",
			Help: "Sender key group operations.",
		},
		[]string{"op", "result"},
	)

	SerializerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_serializer_queued_ops",
			Help: "Operations waiting in conversation lanes.",
		},
	)

	SerializerOpDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_serializer_op_duration_seconds",
			Help:    "Time spent running a serialized conversation operation, including persistence.",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeviceRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_device_registrations_total",
			Help: "Device registrations.",
		},
		[]string{"result"},
	)

	PreKeyBundlesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_prekey_bundles_fetched_total",
			Help: "Prekey bundles handed out.",
		},
		[]string{"result"},
	)

	SignedPreKeysRotatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_signed_prekeys_rotated_total",
			Help: "Signed prekey rotations.",
		},
		[]string{"result"},
	)

	OneTimePreKeysUploadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_one_time_prekeys_uploaded_total",
			Help: "One-time prekey upload requests.",
		},
		[]string{"result"},
	)
)

// MustRegister registers every collector on the default registry with a
// constant service label.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		RatchetOpsTotal,
		HandshakesTotal,
		GroupOpsTotal,
		SerializerQueueDepth,
		SerializerOpDurationSeconds,
		DeviceRegistrationsTotal,
		PreKeyBundlesFetchedTotal,
		SignedPreKeysRotatedTotal,
		OneTimePreKeysUploadedTotal,
	)
}

func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
