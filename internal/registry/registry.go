// Package registry tracks live viewer connections and fans messages out to
// them. A single goroutine owns the connection set; callers talk to it over a
// command channel.
package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/lexiqai/talk-gateway/internal/observability"
)

const (
	commandBuffer = 256
	stopTimeout   = 10 * time.Second

	defaultSendBuffer = 16
	shutdownReason    = "server shutting down"
)

// Reasons a viewer leaves the registry, used as the metric label
const (
	ReasonClosed     = "closed"
	ReasonEvicted    = "evicted"
	ReasonWriteError = "write_error"
	ReasonShutdown   = "shutdown"
)

// Conn is the part of a websocket connection the registry writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DeliveryError describes a viewer that could not be written to. It never
// leaves the registry; it is logged and the viewer is dropped.
type DeliveryError struct {
	ViewerID string
	Reason   string
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery to viewer %s failed (%s): %v", e.ViewerID, e.Reason, e.Err)
	}
	return fmt.Sprintf("delivery to viewer %s failed (%s)", e.ViewerID, e.Reason)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Options configures a Registry
type Options struct {
	// Greeting is queued as the first message of every new viewer
	Greeting []byte
	// SendBuffer is how many messages may queue for one viewer before it is
	// evicted as too slow
	SendBuffer int
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

type command interface{ isCommand() }

type baseCommand struct{}

func (baseCommand) isCommand() {}

type registerCmd struct {
	baseCommand
	conn  Conn
	reply chan string
}

type unregisterCmd struct {
	baseCommand
	conn   Conn
	reason string
	err    error
	// reply is nil for fire-and-forget removals from writer goroutines
	reply chan struct{}
}

type broadcastCmd struct {
	baseCommand
	payload []byte
	reply   chan int
}

type lenCmd struct {
	baseCommand
	reply chan int
}

type stopCmd struct {
	baseCommand
}

// Registry is the live set of viewer connections
type Registry struct {
	cmdCh chan command
	done  chan struct{}

	clock      clockwork.Clock
	logger     zerolog.Logger
	greeting   []byte
	sendBuffer int

	// owned by run
	viewers map[Conn]*viewer
}

// New starts a registry. Call Stop to drain it.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	r := &Registry{
		cmdCh:      make(chan command, commandBuffer),
		done:       make(chan struct{}),
		clock:      opts.Clock,
		logger:     opts.Logger,
		greeting:   opts.Greeting,
		sendBuffer: opts.SendBuffer,
		viewers:    make(map[Conn]*viewer),
	}
	go r.run()
	return r
}

// send hands cmd to the actor. It reports false once the registry has stopped.
func (r *Registry) send(cmd command) bool {
	select {
	case r.cmdCh <- cmd:
		return true
	case <-r.done:
		return false
	}
}

// Register adds conn to the live set and queues the greeting as its first
// message. It returns the viewer id. On a stopped registry conn is closed
// and the id is empty.
func (r *Registry) Register(conn Conn) string {
	reply := make(chan string, 1)
	if r.send(registerCmd{conn: conn, reply: reply}) {
		select {
		case id := <-reply:
			return id
		case <-r.done:
		}
	}
	_ = conn.Close()
	return ""
}

// Unregister removes conn and closes it. Removing an absent connection is a
// no-op.
func (r *Registry) Unregister(conn Conn) {
	r.unregister(conn, ReasonClosed, nil, true)
}

func (r *Registry) unregister(conn Conn, reason string, err error, wait bool) {
	cmd := unregisterCmd{conn: conn, reason: reason, err: err}
	if wait {
		cmd.reply = make(chan struct{}, 1)
	}
	if !r.send(cmd) || !wait {
		return
	}
	select {
	case <-cmd.reply:
	case <-r.done:
	}
}

// Broadcast queues payload for every viewer registered when the command is
// processed and returns how many deliveries were attempted. A viewer whose
// queue is full is dropped; the broadcast itself never fails.
func (r *Registry) Broadcast(payload []byte) int {
	reply := make(chan int, 1)
	if !r.send(broadcastCmd{payload: payload, reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-r.done:
		return 0
	}
}

// Len returns the number of registered viewers
func (r *Registry) Len() int {
	reply := make(chan int, 1)
	if !r.send(lenCmd{reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-r.done:
		return 0
	}
}

// Running reports whether the registry still accepts commands. It is used as
// a readiness check.
func (r *Registry) Running() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Stop closes every viewer with a close frame and waits for the actor to
// exit, up to a timeout.
func (r *Registry) Stop() {
	if !r.send(stopCmd{}) {
		return
	}

	timeout := r.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-r.done:
		r.logger.Info().Msg("Registry stopped")
	case <-timeout.Chan():
		r.logger.Warn().Dur("timeout", stopTimeout).Msg("Registry stop timeout exceeded")
	}
}

func (r *Registry) run() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("Registry panic recovered")
			r.closeAll()
		}
	}()

	for cmd := range r.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			c.reply <- r.handleRegister(c.conn)
		case unregisterCmd:
			r.handleUnregister(c.conn, c.reason, c.err)
			if c.reply != nil {
				c.reply <- struct{}{}
			}
		case broadcastCmd:
			c.reply <- r.handleBroadcast(c.payload)
		case lenCmd:
			c.reply <- len(r.viewers)
		case stopCmd:
			r.logger.Info().Int("viewers", len(r.viewers)).Msg("Registry shutting down")
			r.closeAll()
			return
		default:
			r.logger.Warn().Str("command_type", fmt.Sprintf("%T", cmd)).Msg("Registry received unknown command")
		}
	}
}

func (r *Registry) handleRegister(conn Conn) string {
	if v, ok := r.viewers[conn]; ok {
		return v.id
	}

	v := newViewer(uuid.NewString(), conn, r.sendBuffer, r.clock, r.onWriteFailure)
	if r.greeting != nil {
		v.send <- r.greeting
	}
	r.viewers[conn] = v
	v.start()

	observability.RecordViewerRegistered()
	r.logger.Info().Str("viewer_id", v.id).Int("viewers", len(r.viewers)).Msg("Viewer registered")
	return v.id
}

func (r *Registry) handleUnregister(conn Conn, reason string, err error) {
	v, ok := r.viewers[conn]
	if !ok {
		return
	}
	delete(r.viewers, conn)
	v.stop()

	observability.RecordViewerUnregistered(reason)
	event := r.logger.Info()
	if reason != ReasonClosed {
		event = r.logger.Warn().Err(&DeliveryError{ViewerID: v.id, Reason: reason, Err: err})
	}
	event.Str("viewer_id", v.id).
		Str("reason", reason).
		Int("viewers", len(r.viewers)).
		Msg("Viewer unregistered")
}

func (r *Registry) handleBroadcast(payload []byte) int {
	attempts := len(r.viewers)
	observability.RecordBroadcast(attempts)

	var slow []Conn
	for conn, v := range r.viewers {
		select {
		case v.send <- payload:
			observability.RecordDelivery(observability.DeliveryQueued)
		default:
			slow = append(slow, conn)
		}
	}

	for _, conn := range slow {
		observability.RecordDelivery(observability.DeliveryEvicted)
		r.handleUnregister(conn, ReasonEvicted, nil)
	}

	r.logger.Debug().Int("recipients", attempts).Int("evicted", len(slow)).Msg("Broadcast queued")
	return attempts
}

// onWriteFailure runs on a viewer's writer goroutine after it has exited.
// The removal goes through the actor without waiting, since the actor may
// itself be waiting for that writer.
func (r *Registry) onWriteFailure(conn Conn, err error) {
	observability.RecordDelivery(observability.DeliveryWriteError)
	go r.unregister(conn, ReasonWriteError, err, false)
}

func (r *Registry) closeAll() {
	for conn, v := range r.viewers {
		v.stopGraceful(shutdownReason)
		delete(r.viewers, conn)
		observability.RecordViewerUnregistered(ReasonShutdown)
	}
}
