// Package visualiser streams supervisor debug state to remote viewers over
// gRPC.
//
// The supervisor tick hands states to a Publisher without blocking. A
// broadcast goroutine decimates them to the configured publish frequency
// and fans them out to every connected stream; slow clients lose states
// rather than stall the loop.
package visualiser

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/timeutil"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

const (
	queueSize       = 100
	clientQueueSize = 10
)

// Config holds configuration for the visualiser server.
type Config struct {
	ListenAddr string

	// PublishFrequency caps the states sent per second. Zero sends every
	// state.
	PublishFrequency float64

	// SampleStep is the spacing in seconds of the trajectory positions sent
	// to viewers. Zero sends only the trajectory summary.
	SampleStep float64

	MaxClients int
	Clock      timeutil.Clock
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:50061",
		PublishFrequency: 10,
		SampleStep:       0.1,
		MaxClients:       5,
	}
}

// Publisher implements supervisor.DebugPublisher and serves the
// visualiser stream.
type Publisher struct {
	config   Config
	clock    timeutil.Clock
	server   *grpc.Server
	listener net.Listener

	states     chan supervisor.State
	trajectory atomic.Pointer[trajectory.Trajectory]

	clientsMu sync.RWMutex
	clients   map[string]*clientStream

	lastSent time.Time // owned by broadcastLoop

	published atomic.Uint64
	sent      atomic.Uint64
	decimated atomic.Uint64
	dropped   atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ supervisor.DebugPublisher = (*Publisher)(nil)

type clientStream struct {
	id string
	ch chan *structpb.Struct
}

// NewPublisher creates a Publisher. Nothing is broadcast until Start or
// Serve.
func NewPublisher(cfg Config) *Publisher {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Publisher{
		config:  cfg,
		clock:   clock,
		states:  make(chan supervisor.State, queueSize),
		clients: make(map[string]*clientStream),
		stopCh:  make(chan struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves the visualiser service on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	Register(p.server, p)

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		log.Printf("[visualiser] serving on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[visualiser] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends all streams and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.Stop()
	p.wg.Wait()
	log.Printf("[visualiser] stopped: published=%d sent=%d decimated=%d dropped=%d",
		p.published.Load(), p.sent.Load(), p.decimated.Load(), p.dropped.Load())
}

// SetTrajectory records the supervised trajectory. It is sent to every
// client when it connects.
func (p *Publisher) SetTrajectory(t *trajectory.Trajectory) {
	p.trajectory.Store(t)
	msg, err := encodeTrajectory(t, p.config.SampleStep)
	if err != nil {
		log.Printf("[visualiser] encode trajectory: %v", err)
		return
	}
	p.fanOut(msg)
}

// Publish queues a state for broadcast. It never blocks.
func (p *Publisher) Publish(s supervisor.State) {
	if !p.running.Load() {
		return
	}
	select {
	case p.states <- s:
		p.published.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	var period time.Duration
	if p.config.PublishFrequency > 0 {
		period = time.Duration(float64(time.Second) / p.config.PublishFrequency)
	}
	for {
		select {
		case <-p.stopCh:
			return
		case s := <-p.states:
			now := p.clock.Now()
			if period > 0 && !p.lastSent.IsZero() && now.Sub(p.lastSent) < period {
				p.decimated.Add(1)
				continue
			}
			p.lastSent = now
			msg, err := encodeState(s)
			if err != nil {
				log.Printf("[visualiser] encode state: %v", err)
				continue
			}
			p.sent.Add(1)
			p.fanOut(msg)
		}
	}
}

func (p *Publisher) fanOut(msg *structpb.Struct) {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for _, c := range p.clients {
		select {
		case c.ch <- msg:
		default:
			p.dropped.Add(1)
		}
	}
}

// StreamStates serves one client until it goes away or the publisher stops.
func (p *Publisher) StreamStates(req *structpb.Struct, stream grpc.ServerStream) error {
	name := req.GetFields()["client"].GetStringValue()
	c, err := p.addClient(name)
	if err != nil {
		return err
	}
	defer p.removeClient(c.id)

	if t := p.trajectory.Load(); t != nil {
		msg, err := encodeTrajectory(t, p.config.SampleStep)
		if err == nil {
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case msg := <-c.ch:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) addClient(name string) (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "visualiser: %d clients connected", len(p.clients))
	}
	id := uuid.NewString()
	if name != "" {
		id = name + "-" + id[:8]
	}
	c := &clientStream{id: id, ch: make(chan *structpb.Struct, clientQueueSize)}
	p.clients[id] = c
	log.Printf("[visualiser] client connected: %s (total: %d)", id, len(p.clients))
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; ok {
		delete(p.clients, id)
		log.Printf("[visualiser] client disconnected: %s (remaining: %d)", id, len(p.clients))
	}
}

// PublisherStats contains publisher counters.
type PublisherStats struct {
	Published uint64
	Sent      uint64
	Decimated uint64
	Dropped   uint64
	Clients   int
	Running   bool
}

// Stats returns current publisher counters.
func (p *Publisher) Stats() PublisherStats {
	p.clientsMu.RLock()
	n := len(p.clients)
	p.clientsMu.RUnlock()
	return PublisherStats{
		Published: p.published.Load(),
		Sent:      p.sent.Load(),
		Decimated: p.decimated.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   n,
		Running:   p.running.Load(),
	}
}
