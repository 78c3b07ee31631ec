package nwc

import "sync/atomic"

// Request/response metrics
var (
	requestsSent      atomic.Int64
	responsesMatched  atomic.Int64
	duplicatesDropped atomic.Int64
	timeoutsTotal     atomic.Int64
	protocolErrors    atomic.Int64
)

// Listener metrics
var (
	notificationsTotal  atomic.Int64
	settlementsRecorded atomic.Int64
	listenerReconnects  atomic.Int64
	droppedSettlements  atomic.Int64
)

// MetricsSnapshot is a point-in-time copy of the package counters.
type MetricsSnapshot struct {
	RequestsSent       int64
	ResponsesMatched   int64
	DuplicatesDropped  int64
	Timeouts           int64
	ProtocolErrors     int64
	Notifications      int64
	Settlements        int64
	ListenerReconnects int64
	DroppedSettlements int64
}

// Metrics returns a snapshot of the package counters.
func Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		RequestsSent:       requestsSent.Load(),
		ResponsesMatched:   responsesMatched.Load(),
		DuplicatesDropped:  duplicatesDropped.Load(),
		Timeouts:           timeoutsTotal.Load(),
		ProtocolErrors:     protocolErrors.Load(),
		Notifications:      notificationsTotal.Load(),
		Settlements:        settlementsRecorded.Load(),
		ListenerReconnects: listenerReconnects.Load(),
		DroppedSettlements: droppedSettlements.Load(),
	}
}
