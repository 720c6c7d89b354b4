package service

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/resident-x/go-buslog/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultRedialDelay is how long a collector waits before reconnecting to a
// host that refused or dropped the connection.
const DefaultRedialDelay = 5 * time.Second

// Packet is one quiescence-delimited read from a host.
type Packet struct {
	Host string
	// Index is the packet's position within its burst, starting at 1.
	Index int
	Time  time.Time
	Data  []byte
}

// Collector dials every configured host and cuts each byte stream into
// packets at read pauses. Hosts fail independently; the packets of all
// hosts are handed to one consumer in arrival order.
type Collector struct {
	addrs       []string
	quiet       time.Duration
	burst       time.Duration
	redial      time.Duration
	dialer      net.Dialer
	clients     map[string]net.Conn
	clientMutex sync.Mutex
	logger      zerolog.Logger
}

// NewCollector creates a collector for cfg.Modbus. Hosts without a port use
// modbus.port.
func NewCollector(cfg *config.Config) *Collector {
	addrs := make([]string, 0, len(cfg.Modbus.Hosts))
	for _, h := range cfg.Modbus.Hosts {
		if _, _, err := net.SplitHostPort(h); err != nil {
			h = net.JoinHostPort(h, strconv.Itoa(cfg.Modbus.Port))
		}
		addrs = append(addrs, h)
	}
	return &Collector{
		addrs:   addrs,
		quiet:   time.Duration(cfg.Modbus.QuietMS) * time.Millisecond,
		burst:   time.Duration(cfg.Modbus.BurstMS) * time.Millisecond,
		redial:  DefaultRedialDelay,
		dialer:  net.Dialer{Timeout: 10 * time.Second},
		clients: make(map[string]net.Conn),
		logger:  log.With().Str("component", "collector").Logger(),
	}
}

// Run collects until ctx is done or handle returns an error, which is
// returned.
func (c *Collector) Run(ctx context.Context, handle func(Packet) error) error {
	if len(c.addrs) == 0 {
		return errors.New("no modbus hosts configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	packets := make(chan Packet, 64)

	for _, addr := range c.addrs {
		g.Go(func() error {
			c.connectLoop(gctx, addr, packets)
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case pkt := <-packets:
				if err := handle(pkt); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	c.closeAll()
	return err
}

// connectLoop keeps one host connected until ctx is done.
func (c *Collector) connectLoop(ctx context.Context, addr string, packets chan<- Packet) {
	for {
		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Str("address", addr).Err(err).Msg("Failed to connect")
		} else {
			c.handleConnection(ctx, addr, conn, packets)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.redial):
		}
	}
}

func (c *Collector) handleConnection(ctx context.Context, addr string, conn net.Conn, packets chan<- Packet) {
	c.clientMutex.Lock()
	c.clients[addr] = conn
	c.clientMutex.Unlock()

	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Error().Err(err).Msg("Failed to close connection")
		}
		c.clientMutex.Lock()
		delete(c.clients, addr)
		c.clientMutex.Unlock()
	}()

	c.logger.Info().Str("address", addr).Msg("Connected")
	c.runConnectionLoop(ctx, addr, conn, packets)
}

// runConnectionLoop accumulates reads until the line has been quiet for
// c.quiet, then emits what it has as one packet.
func (c *Collector) runConnectionLoop(ctx context.Context, addr string, conn net.Conn, packets chan<- Packet) {
	buf := make([]byte, 4096)
	var (
		pending    []byte
		started    time.Time
		lastPacket time.Time
		index      int
	)

	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		if started.Sub(lastPacket) > c.burst {
			index = 0
		}
		index++
		lastPacket = started
		pkt := Packet{Host: addr, Index: index, Time: started, Data: pending}
		pending = nil
		select {
		case packets <- pkt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(c.quiet)); err != nil {
			c.logger.Error().Err(err).Msg("Failed to set read deadline")
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if len(pending) == 0 {
				started = time.Now()
			}
			pending = append(pending, buf[:n]...)
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if !flush() {
				return
			}
			continue
		}

		flush()
		c.logger.Info().Str("address", addr).Err(err).Msg("Host disconnected")
		return
	}
}

func (c *Collector) closeAll() {
	c.clientMutex.Lock()
	defer c.clientMutex.Unlock()
	for addr, conn := range c.clients {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Error().Str("address", addr).Err(err).Msg("Failed to close connection")
		}
	}
}

// Hosts returns the dial addresses.
func (c *Collector) Hosts() []string {
	return append([]string(nil), c.addrs...)
}

