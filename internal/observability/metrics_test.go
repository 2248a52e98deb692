package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/playermesh/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	SetConnectionsOpen("node-a", 3)
	SetSessionsActive("node-a", 2)
	RecordLogin("node-a", true)
	RecordClose("node-a", "client closed")
	RecordClientError("node-a", "DecodeError")
	RecordDelivery("node-a", PathRemote, OutcomeDelivered)
	RecordForwardAttempt("node-a", errors.New("timeout"))
	ObserveForwardLatency("node-a", 4*time.Millisecond)
	SetPendingAttempts("node-a", 0)
	SetMembership("node-a", 7, 3)
	RecordPeerRequest("node-a", "outbound", "deliver", nil)
}
