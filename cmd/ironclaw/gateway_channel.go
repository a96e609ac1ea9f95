package main

import (
	"context"

	"github.com/danielsimonjr/ironclaw/internal/gateway"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// gatewayChannel adapts the web gateway to the channel port: messages
// arrive through the gateway's inject path, responses and status events
// leave through the SSE hub.
type gatewayChannel struct {
	gw     *gateway.Gateway
	stream chan types.IncomingMessage
}

func newGatewayChannel(gw *gateway.Gateway) *gatewayChannel {
	return &gatewayChannel{gw: gw, stream: make(chan types.IncomingMessage)}
}

func (c *gatewayChannel) Name() string { return "gateway" }

func (c *gatewayChannel) Start(ctx context.Context) (<-chan types.IncomingMessage, error) {
	go func() {
		<-ctx.Done()
		close(c.stream)
	}()
	return c.stream, nil
}

func (c *gatewayChannel) Respond(_ *types.IncomingMessage, resp types.OutgoingResponse) error {
	kind := types.StatusStreamChunk
	if resp.IsError {
		kind = types.StatusError
	}
	c.gw.Events().Publish(types.StatusUpdate{
		Kind:     kind,
		ThreadID: resp.ThreadID,
		Text:     resp.Content,
	})
	return nil
}

func (c *gatewayChannel) SendStatus(update types.StatusUpdate) error {
	c.gw.Events().Publish(update)
	return nil
}

func (c *gatewayChannel) Broadcast(_ string, resp types.OutgoingResponse) error {
	return c.Respond(nil, resp)
}

func (c *gatewayChannel) HealthCheck(context.Context) error { return nil }
func (c *gatewayChannel) Shutdown(context.Context) error    { return nil }
