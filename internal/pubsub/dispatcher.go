package pubsub

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/resident-x/go-buslog/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultInFlight bounds concurrent sink writes.
const DefaultInFlight = 16

// putTimeout bounds one sink write.
const putTimeout = 10 * time.Second

// DispatchStats counts dispatcher activity.
type DispatchStats struct {
	Dispatched int64 `json:"dispatched"`
	Written    int64 `json:"written"`
	Failed     int64 `json:"failed"`
}

// Dispatcher writes to a sink off the caller's goroutine. Emit returns as
// soon as the write is scheduled; Close waits for every scheduled write.
type Dispatcher struct {
	sink       domain.Sink
	group      errgroup.Group
	ctx        context.Context
	cancel     context.CancelFunc
	dispatched atomic.Int64
	written    atomic.Int64
	failed     atomic.Int64
	logger     zerolog.Logger
}

// NewDispatcher creates a dispatcher in front of sink. inFlight <= 0 uses
// DefaultInFlight.
func NewDispatcher(sink domain.Sink, inFlight int) *Dispatcher {
	if inFlight <= 0 {
		inFlight = DefaultInFlight
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().Str("component", "dispatcher").Logger(),
	}
	d.group.SetLimit(inFlight)
	return d
}

// Emit schedules sink.Put(key, value). It only blocks while the in-flight
// limit is reached.
func (d *Dispatcher) Emit(key string, value any) {
	d.dispatched.Add(1)
	d.group.Go(func() error {
		ctx, cancel := context.WithTimeout(d.ctx, putTimeout)
		defer cancel()

		if err := d.sink.Put(ctx, key, value); err != nil {
			d.failed.Add(1)
			d.logger.Error().Err(err).Str("key", key).Msg("Sink write failed")
			return fmt.Errorf("put %s: %w", key, err)
		}
		d.written.Add(1)
		return nil
	})
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Dispatched: d.dispatched.Load(),
		Written:    d.written.Load(),
		Failed:     d.failed.Load(),
	}
}

// Close waits for scheduled writes, then closes the sink. When ctx expires
// first, pending writes are cancelled. The first write error is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- d.group.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		err = fmt.Errorf("drain sink writes: %w", ctx.Err())
	}
	d.cancel()

	if cerr := d.sink.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
