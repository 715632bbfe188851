package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/m2menc/internal/events"
)

// registerEventRoutes exposes the session's event bus as Server-Sent Events.
// Packet events are left out; at video frame rates they would swamp clients.
func (s *Server) registerEventRoutes() {
	if s.options.Bus == nil {
		return
	}

	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Session state changes, faults, dropped frames and bitrate changes",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"session-state":   events.SessionStateChangedEvent{},
		"encoder-fault":   events.EncoderFaultEvent{},
		"frames-dropped":  events.FramesDroppedEvent{},
		"bitrate-changed": events.BitrateChangedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 16)
		unsubscribers := []func(){
			events.SubscribeToChannel[events.SessionStateChangedEvent](s.options.Bus, eventCh),
			events.SubscribeToChannel[events.EncoderFaultEvent](s.options.Bus, eventCh),
			events.SubscribeToChannel[events.FramesDroppedEvent](s.options.Bus, eventCh),
			events.SubscribeToChannel[events.BitrateChangedEvent](s.options.Bus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
