package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"batchgate/internal/config"
	"batchgate/internal/jsonrpc"
	"batchgate/internal/proxy"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 10 * 1024 * 1024 // 10MB
	maxInFlight    = 256              // messages being served per connection
)

// Client represents a WebSocket client connection.
// Messages are served concurrently so that requests arriving back to back
// can share an upstream batch; responses are written as they complete.
type Client struct {
	conn           *websocket.Conn
	group          *proxy.Group
	requestTimeout time.Duration
	logger         zerolog.Logger

	sendChan  chan []byte
	inFlight  chan struct{}
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a new WebSocket client
func NewClient(conn *websocket.Conn, group *proxy.Group, cfg *config.Config, logger zerolog.Logger) *Client {
	return &Client{
		conn:           conn,
		group:          group,
		requestTimeout: cfg.GetRequestTimeoutDuration(),
		logger:         logger,
		sendChan:       make(chan []byte, 256),
		inFlight:       make(chan struct{}, maxInFlight),
		closeChan:      make(chan struct{}),
	}
}

// Run serves the connection until either side closes it or ctx is done
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx)
	}()

	c.readPump(ctx)

	cancel()
	c.wg.Wait()
	<-done
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		select {
		case c.inFlight <- struct{}{}:
		case <-c.closeChan:
			return
		}
		c.wg.Add(1)
		go func() {
			defer func() {
				<-c.inFlight
				c.wg.Done()
			}()
			c.handleMessage(ctx, data)
		}()
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case data := <-c.sendChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage serves one text frame holding a request or a batch
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	requests, isBatch, err := jsonrpc.ParseBatchRequest(data)
	if err != nil {
		c.sendResponse(jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.ErrParse))
		return
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	responses := proxy.ExecuteAll(ctx, c.group, requests)
	switch {
	case len(responses) == 0:
	case isBatch:
		data, err := jsonrpc.MarshalBatchResponse(responses)
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to marshal batch response")
			return
		}
		c.send(data)
	default:
		c.sendResponse(responses[0])
	}
}

// sendResponse sends a JSON-RPC response
func (c *Client) sendResponse(resp *jsonrpc.Response) {
	data, err := resp.Bytes()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal response")
		return
	}
	c.send(data)
}

// send queues data for the write pump, waiting for room while the
// connection is open. Returns false if the connection closed first.
func (c *Client) send(data []byte) bool {
	select {
	case c.sendChan <- data:
		return true
	case <-c.closeChan:
		c.logger.Debug().Msg("connection closed, response discarded")
		return false
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.conn.Close()
		c.logger.Debug().Msg("client closed")
	})
}
