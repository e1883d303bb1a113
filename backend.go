// Package iscsi provides the main API for running an iSCSI target protocol
// engine on top of a pluggable SCSI backend.
package iscsi

import (
	"context"
	"net"
	"sync"

	"github.com/iscsi-scst/go-iscsi-core/internal/backend"
	"github.com/iscsi-scst/go-iscsi-core/internal/conn"
	"github.com/iscsi-scst/go-iscsi-core/internal/constants"
	"github.com/iscsi-scst/go-iscsi-core/internal/digest"
	"github.com/iscsi-scst/go-iscsi-core/internal/logging"
	"github.com/iscsi-scst/go-iscsi-core/internal/r2t"
	"github.com/iscsi-scst/go-iscsi-core/internal/session"
)

// Backend is the SCSI mid-layer a Target dispatches commands to.
type Backend = backend.Backend

// Logger is satisfied by *logging.Logger; callers may substitute their own.
type Logger interface {
	Printf(format string, args ...any)
}

// Target represents one listening iSCSI target: it accepts TCP
// connections, negotiates (trivially — login negotiation itself is out of
// scope) a session for each, and runs the protocol engine against the
// configured Backend for every command that arrives.
type Target struct {
	Backend Backend

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	metrics  *Metrics
	observer Observer

	r2tParams r2t.Params
	hdrDigest digest.Digest
	dataDigest digest.Digest

	mu    sync.Mutex
	conns map[int]*conn.Conn
	nextConnID int
	nextSessionID uint64
}

// Params contains parameters for creating a Target.
type Params struct {
	// Backend provides the SCSI mid-layer implementation.
	Backend Backend

	// ListenAddr is the address to listen on, e.g. ":3260".
	ListenAddr string

	// R2T flow-control negotiation defaults. A real implementation would
	// let login negotiation override these per session; this engine
	// applies them uniformly.
	MaxOutstandingR2T uint32
	MaxBurstLength    uint32
	FirstBurstLength  uint32
	InitialR2T        bool

	// Digest toggles. Both default to disabled, matching iSCSI's
	// None/None default before negotiation.
	EnableHeaderDigest bool
	EnableDataDigest   bool
}

// DefaultParams returns default target parameters for the given backend.
func DefaultParams(be Backend) Params {
	return Params{
		Backend:           be,
		ListenAddr:        ":3260",
		MaxOutstandingR2T: constants.DefaultMaxOutstandingR2T,
		MaxBurstLength:    constants.DefaultMaxBurstLength,
		FirstBurstLength:  constants.DefaultFirstBurstLength,
		InitialR2T:        true,
	}
}

// Options contains additional options for target creation.
type Options struct {
	// Context for cancellation (if nil, uses context.Background()).
	Context context.Context

	// Logger, if set, also receives the startup message; the engine's own
	// messages go to the package default logger either way.
	Logger Logger

	// Observer for metrics collection (if nil, records into the target's
	// own Metrics).
	Observer Observer
}

// Serve creates a Target listening at params.ListenAddr and begins
// accepting connections. It returns immediately; connections are served
// on background goroutines until the context is cancelled or Close is
// called.
//
// Example:
//
//	be := membackend.NewMemory(64 << 20) // 64MB in-memory LUN
//	params := iscsi.DefaultParams(be)
//	target, err := iscsi.Serve(context.Background(), params, nil)
func Serve(ctx context.Context, params Params, options *Options) (*Target, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}
	if params.Backend == nil {
		return nil, NewError("SERVE", ErrCodeInvalidParameters, "backend is required")
	}

	ln, err := net.Listen("tcp", params.ListenAddr)
	if err != nil {
		return nil, WrapError("LISTEN", err)
	}

	metrics := NewMetrics()
	var observer Observer = NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	t := &Target{
		Backend:  params.Backend,
		ln:       ln,
		metrics:  metrics,
		observer: observer,
		conns:    make(map[int]*conn.Conn),
		r2tParams: r2t.Params{
			MaxOutstandingR2T: params.MaxOutstandingR2T,
			MaxBurstLength:    params.MaxBurstLength,
			FirstBurstLength:  params.FirstBurstLength,
			InitialR2T:        params.InitialR2T,
		},
		hdrDigest:  digest.NoDigest(),
		dataDigest: digest.NoDigest(),
	}
	if params.EnableHeaderDigest {
		t.hdrDigest = digest.New()
	}
	if params.EnableDataDigest {
		t.dataDigest = digest.New()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	logger := logging.Default()
	logger.Info("target listening", "addr", ln.Addr().String())
	if options.Logger != nil {
		options.Logger.Printf("iSCSI target listening on %s", ln.Addr().String())
	}

	t.wg.Add(1)
	go t.acceptLoop()

	go func() {
		<-t.ctx.Done()
		ln.Close()
	}()

	return t, nil
}

func (t *Target) acceptLoop() {
	defer t.wg.Done()
	for {
		nc, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				logging.Default().Errorf("accept: %v", err)
				return
			}
		}
		t.wg.Add(1)
		go t.serveConn(nc)
	}
}

func (t *Target) serveConn(nc net.Conn) {
	defer t.wg.Done()
	defer nc.Close()

	t.mu.Lock()
	t.nextSessionID++
	sessID := t.nextSessionID
	t.nextConnID++
	connID := t.nextConnID
	t.mu.Unlock()

	sess := session.New(sessID, 0)

	c := conn.New(conn.Config{
		ID:           connID,
		NetConn:      nc,
		Session:      sess,
		Backend:      t.Backend,
		HeaderDigest: t.hdrDigest,
		DataDigest:   t.dataDigest,
		R2TParams:    t.r2tParams,
		Observer:     t.observer,
	})

	t.mu.Lock()
	t.conns[connID] = c
	t.mu.Unlock()

	if err := c.Serve(); err != nil {
		logging.Default().Debugf("connection %d ended: %v", connID, err)
	}

	t.mu.Lock()
	delete(t.conns, connID)
	t.mu.Unlock()
}

// Addr returns the address the target is listening on.
func (t *Target) Addr() net.Addr {
	if t == nil || t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// ActiveConns returns the number of currently-served connections.
func (t *Target) ActiveConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Metrics returns the current metrics for the target.
func (t *Target) Metrics() *Metrics {
	if t == nil {
		return nil
	}
	return t.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of target metrics.
func (t *Target) MetricsSnapshot() MetricsSnapshot {
	if t == nil || t.metrics == nil {
		return MetricsSnapshot{}
	}
	return t.metrics.Snapshot()
}

// ReportAen delivers aen as an Asynchronous Message PDU on the named
// session, the way SCST's iscsi_report_aen reaches down from the mid-layer
// to push an unsolicited notification onto whichever connection of that
// session is still live. It picks the most recently active non-closing
// connection bound to sessionID, and reports false if none is found (the
// session has already torn down, or no connection has been registered for
// it yet).
func (t *Target) ReportAen(sessionID uint64, aen backend.AEN) bool {
	t.mu.Lock()
	var target *conn.Conn
	for _, c := range t.conns {
		if c.SessionID() != sessionID || c.Closing() {
			continue
		}
		if target == nil || c.LastActivity().After(target.LastActivity()) {
			target = c
		}
	}
	t.mu.Unlock()

	if target == nil {
		return false
	}
	target.SendAen(aen)
	return true
}

// Close stops the target: it stops accepting new connections, closes every
// connection currently being served, and waits for their goroutines to
// exit.
func Close(t *Target) error {
	if t == nil {
		return ErrInvalidParams
	}
	t.cancel()
	t.metrics.Stop()

	t.mu.Lock()
	conns := make([]*conn.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	t.wg.Wait()
	return nil
}
