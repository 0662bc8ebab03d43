package interceptors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"session-control-plane/backend/internal/telemetry"
)

func TestTelemetryUnary_Emits(t *testing.T) {
	capture := &telemetry.Capture{}
	ctx := WithSessionID(incoming(MDTenantID, "tenant-a", MDServiceID, "svc"), "s-1")

	resp, err := TelemetryUnary(capture, nil)(ctx, nil, &grpc.UnaryServerInfo{FullMethod: testMethod}, okHandler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	require.Eventually(t, func() bool { return len(capture.Operation("grpc_request")) == 1 }, time.Second, 5*time.Millisecond)
	e := capture.Operation("grpc_request")[0]
	assert.True(t, e.Success)
	assert.Equal(t, telemetry.PhaseComplete, e.Phase)
	assert.Equal(t, "tenant-a", e.TenantID)
	assert.Equal(t, "s-1", e.SessionID)
	assert.Equal(t, testMethod, e.Details["full_method"])
	assert.Equal(t, "OK", e.Details["status_code"])
}

func TestTelemetryUnary_SkipAndNil(t *testing.T) {
	capture := &telemetry.Capture{}
	skip := map[string]bool{testMethod: true}
	_, err := TelemetryUnary(capture, skip)(incoming(MDTenantID, "t"), nil, &grpc.UnaryServerInfo{FullMethod: testMethod}, okHandler)
	require.NoError(t, err)
	_, err = TelemetryUnary(nil, nil)(incoming(MDTenantID, "t"), nil, &grpc.UnaryServerInfo{FullMethod: testMethod}, okHandler)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, capture.Events())
}
