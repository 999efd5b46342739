package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

// Event notifies stream subscribers about a committed mutation so open
// clients can refresh without polling.
type Event struct {
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
	Type       string `json:"type"`
	Time       int64  `json:"time"`
}

const (
	entityTask     = "task"
	entityCategory = "category"

	eventCreated = "created"
	eventUpdated = "updated"
	eventDeleted = "deleted"
)

var (
	subsMu      sync.Mutex
	subscribers = map[string]map[chan Event]struct{}{}
)

func addSubscriber(userID string) chan Event {
	subsMu.Lock()
	defer subsMu.Unlock()
	ch := make(chan Event, 10)
	if subscribers[userID] == nil {
		subscribers[userID] = make(map[chan Event]struct{})
	}
	subscribers[userID][ch] = struct{}{}
	return ch
}

func removeSubscriber(userID string, ch chan Event) {
	subsMu.Lock()
	defer subsMu.Unlock()
	if subs, ok := subscribers[userID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(subscribers, userID)
		}
	}
}

// broadcast fans an event out to every open stream for the user. Slow
// consumers are skipped rather than blocking the mutation path.
func broadcast(userID, entityType, eventType, entityID string) {
	ev := Event{
		EntityID:   entityID,
		EntityType: entityType,
		Type:       eventType,
		Time:       time.Now().UTC().Unix(),
	}
	subsMu.Lock()
	subs := subscribers[userID]
	subsMu.Unlock()
	for ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func streamEvents(auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := resolveUserID(c, auth)

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().WriteHeader(http.StatusOK)
		// Write an initial comment to ensure headers are flushed to the client.
		if _, err := c.Response().Write([]byte(":ok\n\n")); err != nil {
			return nil
		}
		flusher.Flush()

		ch := addSubscriber(userID)
		defer removeSubscriber(userID, ch)
		ctx := c.Request().Context()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case ev := <-ch:
				data, err := sonic.ConfigStd.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return nil
				}
				if _, err := c.Response().Write(data); err != nil {
					return nil
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case <-ticker.C:
				// Send a comment as a heartbeat to keep the connection alive.
				if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			case <-ctx.Done():
				return nil
			}
		}
	}
}
