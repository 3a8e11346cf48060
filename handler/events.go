package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/byod-backtesting/bridge/internal/gateway"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// eventBuffer is the number of events queued per connection before
// further events are dropped.
const eventBuffer = 256

// EventMessage is a single event sent to a subscriber.
type EventMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type EventsHandler struct {
	gateway Gateway
	log     *zap.Logger
}

func NewEventsHandler(gw Gateway, log *zap.Logger) *EventsHandler {
	return &EventsHandler{
		gateway: gw,
		log:     log.Named("events"),
	}
}

// ServeHTTP streams events over a websocket. The event query parameter
// selects the event channels, all of them if omitted. Requests for a
// channel that is not whitelisted are refused before the upgrade.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	events, err := subscribedEvents(r.URL.Query()["event"])
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.log.Debug("error accepting websocket conn", zap.Error(err))
		return
	}

	log := h.log.With(zap.Strings("events", events))
	log.Debug("accepted websocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	queue := make(chan EventMessage, eventBuffer)

	for _, event := range events {
		unsubscribe, err := h.gateway.Subscribe(event, func(data json.RawMessage) {
			select {
			case queue <- EventMessage{Event: event, Data: data}:
			default:
				log.Warn("subscriber too slow, dropping event", zap.String("event", event))
			}
		})
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, err.Error())
			return
		}
		defer unsubscribe()
	}

	err = stream(ctx, conn, queue)

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		log.Debug("websocket closed by client")
	case errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		log.Debug("websocket failed", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "stream failed")
	}
}

// subscribedEvents returns the requested event channels without
// duplicates, or every subscribable channel if none is requested.
func subscribedEvents(requested []string) ([]string, error) {
	if len(requested) == 0 {
		var events []string
		for _, c := range gateway.Channels() {
			if c.Direction == gateway.DirectionSubscribe {
				events = append(events, c.Name)
			}
		}
		return events, nil
	}

	seen := make(map[string]struct{}, len(requested))
	events := make([]string, 0, len(requested))

	for _, event := range requested {
		if !gateway.IsSubscribable(event) {
			return nil, fmt.Errorf("%w: %s", gateway.ErrUnauthorizedChannel, event)
		}
		if _, ok := seen[event]; ok {
			continue
		}
		seen[event] = struct{}{}
		events = append(events, event)
	}

	return events, nil
}

// stream writes queued events until the client goes away. Messages sent
// by the client are read and discarded.
func stream(ctx context.Context, conn *websocket.Conn, queue <-chan EventMessage) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return err
			}
		}
	})

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-queue:
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					return err
				}
			}
		}
	})

	return group.Wait()
}
