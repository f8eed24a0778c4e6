package wire

import (
	"fmt"
	"net"
	"sync"

	"github.com/arcgraph/arcgraph-go/db"
	"github.com/arcgraph/arcgraph-go/packstream"
	log "github.com/sirupsen/logrus"
)

// queuedHandler pairs a pending response handler with whether its request
// was a RESET, which is the only message that clears a quarantined channel.
type queuedHandler struct {
	h     db.ResponseHandler
	reset bool
}

// Channel wraps one transport. A single reader goroutine decodes inbound
// messages and dispatches them onto the FIFO of queued handlers: SUCCESS,
// FAILURE and IGNORED pop the head, RECORD routes to the current head.
//
// After a FAILURE the channel is quarantined: the server IGNOREs everything
// until RESET, and the dispatcher completes those handlers with the original
// failure. Codec or I/O errors close the channel and fail every queued
// handler with a ServiceUnavailable wrapping the cause.
type Channel struct {
	conn net.Conn

	mu             sync.Mutex
	cond           *sync.Cond // Signals autoRead and close transitions.
	queue          []queuedHandler
	pendingFailure error // Set while quarantined.
	autoRead       bool
	closed         bool
	closeErr       error

	packer packstream.Packer
}

func newChannel(conn net.Conn) *Channel {
	var c = &Channel{conn: conn, autoRead: true}
	c.cond = sync.NewCond(&c.mu)
	go c.readLoop()
	return c
}

// sendAndFlush atomically appends one handler per message to the inbound
// FIFO and writes the framed batch.
func (c *Channel) sendAndFlush(msgs []message, handlers []queuedHandler) error {
	if len(msgs) != len(handlers) {
		panic(fmt.Sprintf("%d messages with %d handlers", len(msgs), len(handlers)))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &db.ServiceUnavailable{Message: "connection is closed", Cause: c.closeErr}
	}
	c.queue = append(c.queue, handlers...)

	for _, m := range msgs {
		c.packer.Reset()
		c.packer.PackStruct(m.tag, m.fields...)
		var buf, err = c.packer.Bytes()
		if err == nil {
			err = writeChunked(c.conn, buf)
		}
		if err != nil {
			c.closeLocked(fmt.Errorf("writing message 0x%02X: %w", m.tag, err))
			return &db.ServiceUnavailable{Message: "connection is closed", Cause: c.closeErr}
		}
		messagesSentCounter.WithLabelValues(requestName(m.tag)).Inc()
	}
	return nil
}

func (c *Channel) readLoop() {
	var buf []byte
	var unpacker packstream.Unpacker

	for {
		// Backpressure gate: a falling-behind consumer parks the reader
		// between messages rather than buffering without bound.
		c.mu.Lock()
		for !c.autoRead && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		var msg, err = readChunked(c.conn, buf)
		if err != nil {
			c.CloseWithError(err)
			return
		}
		buf = msg

		unpacker.Reset(msg)
		tag, fields, err := unpacker.UnpackStruct()
		if err != nil {
			c.CloseWithError(fmt.Errorf("decoding inbound message: %w", err))
			return
		}
		messagesReceivedCounter.WithLabelValues(responseName(tag)).Inc()

		if err = c.dispatch(tag, fields); err != nil {
			c.CloseWithError(err)
			return
		}
	}
}

func (c *Channel) dispatch(tag byte, fields []any) error {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("received message 0x%02X with no pending request", tag)
	}

	switch tag {
	case msgRecord:
		if c.pendingFailure != nil {
			// A record raced the server's own failure processing. Accepted
			// and dropped; the stream's handler already saw the failure.
			c.mu.Unlock()
			return nil
		}
		var head = c.queue[0]
		c.mu.Unlock()
		if len(fields) != 1 {
			return fmt.Errorf("RECORD message carries %d fields, want 1", len(fields))
		}
		var values, ok = fields[0].([]any)
		if !ok {
			return fmt.Errorf("RECORD message values have type %T", fields[0])
		}
		head.h.OnRecord(values)
		return nil

	case msgSuccess:
		var head = c.queue[0]
		c.queue = c.queue[1:]
		if head.reset {
			c.pendingFailure = nil
		}
		c.mu.Unlock()
		var meta, _ = metaField(fields)
		head.h.OnSuccess(meta)
		return nil

	case msgFailure:
		var head = c.queue[0]
		c.queue = c.queue[1:]
		var meta, ok = metaField(fields)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("FAILURE message carries no metadata")
		}
		var failure = &db.ServerError{
			Code:    stringOr(meta["code"], "Neo.DatabaseError.General.UnknownError"),
			Message: stringOr(meta["message"], "unknown failure"),
		}
		c.pendingFailure = failure
		c.mu.Unlock()

		channelFailureCounter.WithLabelValues(failure.Code).Inc()
		head.h.OnFailure(failure)
		return nil

	case msgIgnored:
		var head = c.queue[0]
		c.queue = c.queue[1:]
		var failure = c.pendingFailure
		c.mu.Unlock()
		if failure == nil {
			failure = &db.UsageError{Message: "request was ignored by the server"}
		}
		head.h.OnFailure(failure)
		return nil
	}

	c.mu.Unlock()
	return fmt.Errorf("received unknown message tag 0x%02X", tag)
}

// CloseWithError closes the transport and completes every queued handler
// with a ServiceUnavailable wrapping |cause|.
func (c *Channel) CloseWithError(cause error) {
	c.mu.Lock()
	c.closeLocked(cause)
	c.mu.Unlock()
}

func (c *Channel) closeLocked(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = cause
	_ = c.conn.Close()
	c.cond.Broadcast()

	var pending = c.queue
	c.queue = nil
	if len(pending) > 0 {
		log.WithFields(log.Fields{
			"pending": len(pending),
			"cause":   cause,
		}).Debug("closing channel with pending requests")
	}

	// Complete handlers outside the dispatch path but while still holding
	// the lock is unsafe if a handler re-enters the channel; hand off.
	go func() {
		for _, q := range pending {
			q.h.OnFailure(&db.ServiceUnavailable{Message: "connection was closed", Cause: cause})
		}
	}()
}

func (c *Channel) Close() { c.CloseWithError(nil) }

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Channel) EnableAutoRead() {
	c.mu.Lock()
	c.autoRead = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Channel) DisableAutoRead() {
	c.mu.Lock()
	c.autoRead = false
	c.mu.Unlock()
}

func metaField(fields []any) (map[string]any, bool) {
	if len(fields) == 0 {
		return map[string]any{}, false
	}
	var meta, ok = fields[0].(map[string]any)
	if !ok {
		return map[string]any{}, false
	}
	return meta, true
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}
