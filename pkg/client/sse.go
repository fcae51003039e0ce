package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/pkg/retry"
)

// SSEEvent is one event from the push channel. Data holds the JSON payload
// matching Type (see the protocol package).
type SSEEvent struct {
	Type string
	Data json.RawMessage
}

// Decode unmarshals the payload into v.
func (e SSEEvent) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// SSEClient subscribes to the server's event stream and reconnects with
// backoff when the stream drops. Events published while disconnected are
// not replayed.
type SSEClient struct {
	baseURL    string
	httpClient *http.Client
	backoff    retry.Config
	log        *zap.Logger
}

// NewSSEClient creates a new SSE client. logger may be nil.
func NewSSEClient(baseURL string, logger *zap.Logger) *SSEClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSEClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		backoff: retry.Config{
			InitialWait: 1 * time.Second,
			MaxWait:     30 * time.Second,
			Multiplier:  2,
			Jitter:      0.1,
		},
		log: logger,
	}
}

// Subscribe connects to the event stream and returns a channel of events.
// The channel is closed when ctx is done.
func (c *SSEClient) Subscribe(ctx context.Context) <-chan SSEEvent {
	events := make(chan SSEEvent, 100)
	go c.subscribeLoop(ctx, events)
	return events
}

func (c *SSEClient) subscribeLoop(ctx context.Context, events chan<- SSEEvent) {
	defer close(events)

	attempt := 0
	for ctx.Err() == nil {
		received, err := c.connect(ctx, events)
		if ctx.Err() != nil {
			return
		}
		if received {
			attempt = 0
		}
		attempt++
		delay := c.backoff.Backoff(attempt)
		c.log.Warn("event stream disconnected",
			zap.Error(err),
			zap.Duration("reconnect_in", delay))
		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// connect reads one stream until it ends. received reports whether the
// stream was established.
func (c *SSEClient) connect(ctx context.Context, events chan<- SSEEvent) (received bool, err error) {
	url := c.baseURL + "/api/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	c.log.Info("event stream connected", zap.String("url", url))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 64<<20)

	var eventType string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				ev := SSEEvent{Type: eventType, Data: json.RawMessage(data.String())}
				select {
				case events <- ev:
				case <-ctx.Done():
					return true, nil
				}
			}
			eventType = ""
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return true, fmt.Errorf("read: %w", err)
	}
	return true, errors.New("connection closed")
}
