package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/metrics"
	"github.com/researchdesk/api/internal/model"
)

const (
	defaultSendTimeout = 2 * time.Second
	defaultBuffer      = 64
	pingInterval       = 30 * time.Second
)

// Client is one subscriber to a job's progress events
type Client struct {
	JobID string
	Send  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed once the client has been removed from the hub
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub fans progress events out to every live subscriber of a job.
// Nothing is retained for subscribers that join late.
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool
	mu      sync.RWMutex

	sendTimeout time.Duration
	buffer      int
	logger      *zap.Logger
}

// Option configures a Hub
type Option func(*Hub)

// WithSendTimeout bounds how long Publish waits on one slow subscriber
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.sendTimeout = d
		}
	}
}

// WithBuffer sets the per-subscriber queue length
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the hub logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub creates a new Hub
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:     make(map[string]map[*Client]bool),
		sendTimeout: defaultSendTimeout,
		buffer:      defaultBuffer,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new client for jobID
func (h *Hub) Subscribe(jobID string) *Client {
	client := &Client{
		JobID: jobID,
		Send:  make(chan []byte, h.buffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*Client]bool)
	}
	h.clients[jobID][client] = true
	h.mu.Unlock()

	h.logger.Debug("Client subscribed", zap.String("job_id", jobID))
	return client
}

// Unsubscribe removes a client. Calling it more than once is harmless.
func (h *Hub) Unsubscribe(client *Client) {
	h.remove(client)
	client.close()
}

func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.JobID]
	if !ok || !clients[client] {
		return false
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
	h.logger.Debug("Client unsubscribed", zap.String("job_id", client.JobID))
	return true
}

// SubscriberCount returns the number of live subscribers for jobID
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Publish delivers evt to every current subscriber of its job. Each send is
// bounded by the hub's send timeout; subscribers that time out or are gone
// are removed. Publish never blocks longer than one send timeout.
func (h *Hub) Publish(evt model.ProgressEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(evt.Wire())
	if err != nil {
		h.logger.Error("Failed to marshal status update", zap.Error(err))
		return
	}
	h.broadcast(evt.JobID, data)
}

// SendStatusUpdate publishes a status_update message for jobID
func (h *Hub) SendStatusUpdate(jobID, status, message, errMsg string, result map[string]any) {
	h.Publish(model.ProgressEvent{
		JobID:   jobID,
		Status:  status,
		Message: message,
		Error:   errMsg,
		Result:  result,
	})
}

func (h *Hub) broadcast(jobID string, data []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[jobID]))
	for client := range h.clients[jobID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, client := range targets {
		wg.Add(1)
		go func(client *Client) {
			defer wg.Done()
			if h.deliver(client, data) {
				return
			}
			if h.remove(client) {
				metrics.DroppedSubscribers.Inc()
				h.logger.Warn("Dropped slow or closed subscriber", zap.String("job_id", jobID))
			}
			client.close()
		}(client)
	}
	wg.Wait()
}

func (h *Hub) deliver(client *Client, data []byte) bool {
	select {
	case <-client.done:
		return false
	default:
	}

	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()

	select {
	case client.Send <- data:
		return true
	case <-client.done:
		return false
	case <-timer.C:
		return false
	}
}

// attach subscribes to jobID before reading the status snapshot, so an
// event published while the snapshot is taken is queued on the client.
func (h *Hub) attach(jobID string, snapshot func() *model.WSStatusMessage) (*Client, *model.WSStatusMessage) {
	client := h.Subscribe(jobID)
	if snapshot == nil {
		return client, nil
	}
	return client, snapshot()
}

// HandleConnection streams a job's events over a WebSocket connection.
// snapshot, when set, supplies the current state which is written first.
// Closing the connection only unsubscribes; the job keeps running.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, snapshot func() *model.WSStatusMessage) {
	client, initial := h.attach(jobID, snapshot)
	defer h.Unsubscribe(client)

	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					h.Unsubscribe(client)
					return
				}

			case <-client.Done():
				_ = c.WriteMessage(websocket.CloseMessage, []byte{})
				return

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					h.Unsubscribe(client)
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error", zap.String("job_id", jobID), zap.Error(err))
			}
			break
		}

		// Handle client messages (ping/pong)
		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			case <-client.Done():
			default:
			}
		}
	}
}
