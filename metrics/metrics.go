// Package metrics provides Prometheus instrumentation for VM provisioning,
// keyset handling and persisted state access.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all provisioning metrics
	Namespace = "pd"

	// Label names
	LabelOperation = "operation"
	LabelBackend   = "backend"
	LabelStatus    = "status"
	LabelStage     = "stage"
	LabelEvent     = "event"
	LabelErrorType = "error_type"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Storage operation names
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"

	// Keyset operation names
	OpGenerate      = "generate"
	OpEncrypt       = "encrypt"
	OpDecrypt       = "decrypt"
	OpWrap          = "wrap"
	OpUnwrap        = "unwrap"
	OpExportPublic  = "export_public"
	OpStableHash    = "stable_hash"
	OpProvision     = "provision"
	OpDeleteVM      = "delete_vm"
	OpAttest        = "attest"
	OpKeyExchange   = "key_exchange"
	OpMasterKeyLoad = "master_key_load"
)

var (
	// StorageOperationsTotal tracks persisted state operations by backend and status.
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Total number of persisted state operations by type, backend, and status",
		},
		[]string{LabelOperation, LabelBackend, LabelStatus},
	)

	// StorageOperationDuration tracks the latency of persisted state operations.
	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Duration of persisted state operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelOperation, LabelBackend},
	)

	// KeysetOperationsTotal tracks keyset operations by type and status.
	KeysetOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "keyset",
			Name:      "operations_total",
			Help:      "Total number of keyset operations by type and status",
		},
		[]string{LabelOperation, LabelStatus},
	)

	// ProvisioningTotal counts finished provisioning calls by terminal stage.
	// Successful calls end in the descriptor_ready stage.
	ProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "vm",
			Name:      "provisioning_total",
			Help:      "Total number of provisioning calls by the stage they ended in",
		},
		[]string{LabelStage, LabelStatus},
	)

	// ProvisioningDuration tracks the duration of whole provisioning calls.
	// Buckets cover VM boot times.
	ProvisioningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "vm",
			Name:      "provisioning_duration_seconds",
			Help:      "Duration of provisioning calls in seconds",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{LabelStatus},
	)

	// VMEventsTotal counts lifecycle notifications received from VMs.
	VMEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "vm",
			Name:      "events_total",
			Help:      "Total number of VM lifecycle notifications by event",
		},
		[]string{LabelEvent},
	)

	// ConfigConflictRecoveriesTotal counts destructive VM recreations.
	ConfigConflictRecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "vm",
			Name:      "config_conflict_recoveries_total",
			Help:      "Total number of VMs deleted and recreated after a config conflict",
		},
	)

	// AttestationsTotal counts measurement requests by resulting status.
	AttestationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "attestation",
			Name:      "requests_total",
			Help:      "Total number of measurement requests by status",
		},
		[]string{LabelStatus},
	)

	// ErrorsTotal tracks errors by operation and error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error type",
		},
		[]string{LabelOperation, LabelErrorType},
	)

	// BackendHealthy indicates whether a storage backend is healthy (1) or unhealthy (0).
	BackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "backend_healthy",
			Help:      "Indicates whether a storage backend is healthy (1) or unhealthy (0)",
		},
		[]string{LabelBackend},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// Enable turns metric recording on.
func Enable() {
	enabled.Store(true)
}

// Disable turns metric recording off. Collectors stay registered.
func Disable() {
	enabled.Store(false)
}

// IsEnabled reports whether metric recording is on.
func IsEnabled() bool {
	return enabled.Load()
}

// Status maps an error to StatusSuccess or StatusError.
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordStorageOperation records a persisted state operation with its duration.
//
// Example:
//
//	start := time.Now()
//	err := backend.Put(ctx, key, value)
//	RecordStorageOperation(OpWrite, backend.Name(), Status(err), time.Since(start).Seconds())
func RecordStorageOperation(operation, backend, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	StorageOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	StorageOperationDuration.WithLabelValues(operation, backend).Observe(duration)
}

// RecordKeysetOperation records a keyset operation.
func RecordKeysetOperation(operation, status string) {
	if !enabled.Load() {
		return
	}
	KeysetOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordProvisioning records a finished provisioning call and the stage it ended in.
func RecordProvisioning(stage, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	ProvisioningTotal.WithLabelValues(stage, status).Inc()
	ProvisioningDuration.WithLabelValues(status).Observe(duration)
}

// RecordVMEvent records a lifecycle notification.
func RecordVMEvent(event string) {
	if !enabled.Load() {
		return
	}
	VMEventsTotal.WithLabelValues(event).Inc()
}

// RecordConfigConflictRecovery records a delete-and-recreate of a VM.
func RecordConfigConflictRecovery() {
	if !enabled.Load() {
		return
	}
	ConfigConflictRecoveriesTotal.Inc()
}

// RecordAttestation records a measurement request outcome.
func RecordAttestation(status string) {
	if !enabled.Load() {
		return
	}
	AttestationsTotal.WithLabelValues(status).Inc()
}

// RecordError records an error event.
func RecordError(operation, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetBackendHealth sets the health gauge for a storage backend.
func SetBackendHealth(backend string, healthy bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	BackendHealthy.WithLabelValues(backend).Set(value)
}
