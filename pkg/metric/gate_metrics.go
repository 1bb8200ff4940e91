package metric

import (
	"strconv"
	"time"
)

const (
	CheckpointCount       = "gate_checkpoint_count"
	CheckpointLatency     = "gate_checkpoint_latency"
	RedirectCount         = "gate_redirect_count"
	TamperDetectedCount   = "gate_tamper_detected_count"
	ReconcileCount        = "gate_reconcile_count"
	ReconcileLatency      = "gate_reconcile_latency"
	StaleResponseCount    = "gate_stale_response_count"
	CheckpointPanicCount  = "gate_checkpoint_panic_count"
	BackendCallCount      = "gate_backend_call_count"
	BackendCallLatency    = "gate_backend_call_latency"
	ChangeEventCount      = "gate_change_event_count"
	OverrideMutationCount = "gate_override_mutation_count"
)

func ObserveCheckpoint(resource, verdict string, latency time.Duration) {
	tags := BuildTag(
		NewTag(TagResource, resource),
		NewTag(TagVerdict, verdict),
	)
	Incr(CheckpointCount, tags)
	Timing(CheckpointLatency, latency, tags)
}

func ObserveRedirect(resource string) {
	Incr(RedirectCount, BuildTag(NewTag(TagResource, resource)))
}

func ObserveTamper(resource, classification string) {
	Incr(TamperDetectedCount, BuildTag(
		NewTag(TagResource, resource),
		NewTag(TagClassification, classification),
	))
}

func ObserveReconcile(resource, outcome string, latency time.Duration) {
	tags := BuildTag(
		NewTag(TagResource, resource),
		NewTag(TagOutcome, outcome),
	)
	Incr(ReconcileCount, tags)
	Timing(ReconcileLatency, latency, tags)
}

func ObserveStaleResponse(resource string) {
	Incr(StaleResponseCount, BuildTag(NewTag(TagResource, resource)))
}

func ObserveCheckpointPanic(resource string) {
	Incr(CheckpointPanicCount, BuildTag(NewTag(TagResource, resource)))
}

func ObserveBackendCall(path string, statusCode int, latency time.Duration) {
	tags := BuildTag(
		NewTag(TagBackendPath, path),
		NewTag(TagStatusCode, strconv.Itoa(statusCode)),
	)
	Incr(BackendCallCount, tags)
	Timing(BackendCallLatency, latency, tags)
}

func ObserveChangeEvent(kind string) {
	Incr(ChangeEventCount, BuildTag(NewTag(TagOutcome, kind)))
}

func ObserveOverrideMutation(resource, action string) {
	Incr(OverrideMutationCount, BuildTag(
		NewTag(TagResource, resource),
		NewTag(TagOutcome, action),
	))
}
