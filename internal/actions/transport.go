package actions

import (
	"context"

	"corral/internal/logs"
	"corral/internal/models"
)

// Transport delivers an action to the device side. The wire protocol (MDM
// push, OS agent) is an external concern; implementations are expected to be
// fire-and-forget — the ack arrives asynchronously through AckAction.
// Devices dedupe by action UUID.
type Transport interface {
	Send(ctx context.Context, a models.RemoteAction) error
}

// LogTransport — default transport for deployments without a push bridge:
// accepts every send so the action sits in executing until the agent polls
// and acks. Also the test transport.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, a models.RemoteAction) error {
	logs.Logger.WithFields(map[string]any{
		"action": a.UUID,
		"device": a.DeviceUUID,
		"type":   string(a.Type),
	}).Debug("action queued for device")
	return nil
}
