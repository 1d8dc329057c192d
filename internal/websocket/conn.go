package websocket

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/energizer-project/relay/internal/metrics"
	"github.com/energizer-project/relay/internal/util"
)

// State is the lifecycle state of a connection.
type State int32

const (
	// StateOpen accepts sends and delivers messages.
	StateOpen State = iota
	// StateClosing is entered by a local Close: pending sends are flushed,
	// the Close frame is written and the peer's echo is awaited.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes a connection.
type Options struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	CloseTimeout   time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	SendQueueSize  int

	// RateLimit is the inbound message rate per second. Zero disables it.
	RateLimit rate.Limit
	RateBurst int
}

// DefaultOptions returns the connection defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval:   5 * time.Second,
		PingTimeout:    15 * time.Second,
		CloseTimeout:   2 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: MaxFramePayloadSize,
		SendQueueSize:  256,
		RateLimit:      200,
		RateBurst:      400,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = def.PingTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = def.CloseTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
}

// Handler receives connection events. OnMessage runs on the connection's
// receive goroutine; OnClose runs exactly once, after both loops exited and
// the socket was released.
type Handler interface {
	OnOpen(c *Conn)
	OnMessage(c *Conn, data []byte)
	OnClose(c *Conn, code CloseCode, reason string)
}

// Conn is a server-side WebSocket connection. It runs one receive and one
// send goroutine; whichever exits last releases the socket.
type Conn struct {
	id      string
	path    string
	netConn net.Conn
	br      *bufio.Reader
	opts    Options
	handler Handler
	limiter *rate.Limiter
	logger  zerolog.Logger

	state    atomic.Int32
	refs     atomic.Int32
	lastSeen atomic.Int64

	control chan []byte
	payload chan []byte

	closing    chan struct{}
	closeFrame []byte // written before closing is closed
	done       chan struct{}
	doneOnce   sync.Once

	reasonMu    sync.Mutex
	reasonSet   bool
	closeCode   CloseCode
	closeReason string
}

// NewConn wraps an upgraded socket. br must be the reader the handshake was
// read from, since it may hold the first frames. Call Start to run it.
func NewConn(netConn net.Conn, br *bufio.Reader, path string, opts Options, h Handler) *Conn {
	opts.applyDefaults()
	if br == nil {
		br = bufio.NewReader(netConn)
	}

	id := uuid.NewString()
	c := &Conn{
		id:      id,
		path:    path,
		netConn: netConn,
		br:      br,
		opts:    opts,
		handler: h,
		control: make(chan []byte, 16),
		payload: make(chan []byte, opts.SendQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		logger: util.ComponentLogger("websocket").With().
			Str("conn", id).
			Str("remote", netConn.RemoteAddr().String()).
			Logger(),
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(opts.RateLimit, opts.RateBurst)
	}
	return c
}

// Start launches the receive and send loops.
func (c *Conn) Start() {
	c.touch()
	c.refs.Store(2)
	metrics.ConnectionOpened()
	go c.receiveLoop()
	go c.sendLoop()
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Path returns the request path of the upgrade request.
func (c *Conn) Path() string { return c.path }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// LastSeen returns when the last frame was received.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Done is closed once the connection reached StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseReason returns the code and reason the connection closed with. It is
// meaningful once Done is closed.
func (c *Conn) CloseReason() (CloseCode, string) {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if !c.reasonSet {
		return CloseAbnormal, ""
	}
	return c.closeCode, c.closeReason
}

// Send queues a binary message. It never blocks: a full queue closes the
// connection with PolicyViolation.
func (c *Conn) Send(data []byte) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	frame, err := EncodeFrame(OpcodeBinary, data)
	if err != nil {
		return err
	}
	select {
	case c.payload <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.logger.Warn().Int("queued", len(c.payload)).Msg("send queue full, closing connection")
		c.Close(ClosePolicyViolation, "send queue overflow")
		return ErrSendQueueFull
	}
}

// Close starts a graceful close: queued messages are flushed, a Close frame
// with code is written and the peer's echo is awaited for CloseTimeout.
func (c *Conn) Close(code CloseCode, reason string) {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	c.setReason(code, reason)
	frame, err := EncodeFrame(OpcodeClose, FormatClose(code, reason))
	if err != nil {
		c.Abort(code)
		return
	}
	c.closeFrame = frame
	close(c.closing)
}

// Abort closes the connection immediately without a close handshake.
func (c *Conn) Abort(code CloseCode) {
	c.setReason(code, "")
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	c.doneOnce.Do(func() { close(c.done) })
	_ = c.netConn.SetDeadline(time.Now())
}

func (c *Conn) setReason(code CloseCode, reason string) {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reasonSet {
		return
	}
	c.reasonSet = true
	c.closeCode = code
	c.closeReason = reason
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Conn) receiveLoop() {
	defer c.exitLoop("receive")

	var (
		message   []byte
		opcode    Opcode
		inMessage bool
	)

	for {
		f, err := ReadFrame(c.br, true)
		if err != nil {
			c.readFailed(err)
			return
		}
		c.touch()

		switch f.Opcode {
		case OpcodePing:
			c.enqueueControl(OpcodePong, f.Payload)
			continue
		case OpcodePong:
			continue
		case OpcodeClose:
			code, reason, err := ParseClose(f.Payload)
			if err != nil {
				c.protocolError(code, err)
				return
			}
			c.logger.Debug().Uint16("code", uint16(code)).Str("reason", reason).Msg("close frame received")
			c.setReason(code, reason)
			c.Close(code, reason)
			return
		case OpcodeText, OpcodeBinary:
			if inMessage {
				c.protocolError(CloseProtocolError, &FrameError{Err: ErrInterleavedMessage, Opcode: f.Opcode})
				return
			}
			opcode = f.Opcode
			message = f.Payload
		case OpcodeContinuation:
			if !inMessage {
				c.protocolError(CloseProtocolError, &FrameError{Err: ErrUnexpectedContinue, Opcode: f.Opcode})
				return
			}
			message = append(message, f.Payload...)
		}

		if len(message) > c.opts.MaxMessageSize {
			c.protocolError(CloseMessageTooBig, &FrameError{Err: ErrMessageTooBig, Opcode: opcode})
			return
		}
		inMessage = !f.Fin
		if inMessage {
			continue
		}
		if !c.deliver(opcode, message) {
			return
		}
		message = nil
	}
}

func (c *Conn) deliver(opcode Opcode, message []byte) bool {
	if c.State() != StateOpen {
		// Draining while waiting for the peer's Close echo.
		return true
	}
	if opcode != OpcodeBinary {
		c.protocolError(CloseInvalidMessageType, &FrameError{Err: ErrInvalidOpcode, Opcode: opcode})
		return false
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn().Msg("inbound rate limit exceeded")
		metrics.ProtocolError(ClosePolicyViolation.String())
		c.Close(ClosePolicyViolation, "rate limit exceeded")
		return false
	}
	metrics.FrameIn()
	c.handler.OnMessage(c, message)
	return true
}

func (c *Conn) readFailed(err error) {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		code := CloseProtocolError
		if errors.Is(err, ErrFrameTooLarge) {
			code = CloseMessageTooBig
		}
		c.protocolError(code, err)
		return
	}
	if c.State() == StateOpen {
		c.logger.Debug().Err(err).Msg("connection lost")
	}
	c.Abort(CloseAbnormal)
}

func (c *Conn) protocolError(code CloseCode, err error) {
	c.logger.Warn().Err(err).Str("code", code.String()).Msg("protocol violation")
	metrics.ProtocolError(code.String())
	c.Close(code, "")
}

func (c *Conn) enqueueControl(op Opcode, payload []byte) {
	frame, err := EncodeFrame(op, payload)
	if err != nil {
		return
	}
	select {
	case c.control <- frame:
	case <-c.done:
	default:
		c.logger.Debug().Str("opcode", op.String()).Msg("control queue full, dropping frame")
	}
}

func (c *Conn) sendLoop() {
	defer c.exitLoop("send")

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		// Control frames always go first.
		select {
		case frame := <-c.control:
			if !c.write(frame) {
				return
			}
			continue
		default:
		}

		select {
		case frame := <-c.control:
			if !c.write(frame) {
				return
			}
		case frame := <-c.payload:
			if !c.write(frame) {
				return
			}
			metrics.FrameOut()
		case <-ticker.C:
			if idle := time.Since(c.LastSeen()); idle > c.opts.PingTimeout {
				c.logger.Info().Dur("idle", idle).Msg("keep-alive timeout")
				c.Abort(CloseAbnormal)
				return
			}
			frame, _ := EncodeFrame(OpcodePing, nil)
			if !c.write(frame) {
				return
			}
		case <-c.closing:
			c.flushAndClose()
			return
		case <-c.done:
			return
		}
	}
}

// flushAndClose writes what is still queued, then the Close frame, and gives
// the receive loop CloseTimeout to see the peer's echo.
func (c *Conn) flushAndClose() {
	for {
		select {
		case frame := <-c.control:
			if !c.write(frame) {
				return
			}
			continue
		default:
		}
		select {
		case frame := <-c.payload:
			if !c.write(frame) {
				return
			}
			metrics.FrameOut()
			continue
		default:
		}
		break
	}

	if !c.write(c.closeFrame) {
		return
	}
	if c.State() == StateClosing {
		_ = c.netConn.SetReadDeadline(time.Now().Add(c.opts.CloseTimeout))
	}
}

func (c *Conn) write(frame []byte) bool {
	_ = c.netConn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if _, err := c.netConn.Write(frame); err != nil {
		if c.State() == StateOpen {
			c.logger.Debug().Err(err).Msg("write failed")
		}
		c.Abort(CloseAbnormal)
		return false
	}
	return true
}

func (c *Conn) exitLoop(loop string) {
	if r := recover(); r != nil {
		c.logger.Error().Interface("panic", r).Str("loop", loop).Msg("connection loop panicked")
		c.Abort(CloseInternalServerError)
	}
	if c.refs.Add(-1) > 0 {
		return
	}
	c.release()
}

func (c *Conn) release() {
	c.state.Store(int32(StateClosed))
	c.doneOnce.Do(func() { close(c.done) })
	_ = c.netConn.Close()
	metrics.ConnectionClosed()

	code, reason := c.CloseReason()
	c.logger.Debug().Str("code", code.String()).Str("reason", reason).Msg("connection closed")
	if c.handler != nil {
		c.handler.OnClose(c, code, reason)
	}
}
