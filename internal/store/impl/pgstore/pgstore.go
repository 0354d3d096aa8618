package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/dmtp/internal/device"
	"nuha.dev/dmtp/internal/event"
	"nuha.dev/dmtp/internal/nak"
)

var columns = []string{"device_id", "status", "latitude", "longitude", "speed", "heading", "altitude", "odometer", "seq", "gps_time", "server_time"}

type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store batches events and writes them with COPY from a single flusher goroutine. A batch is
// flushed when it is full or older than MaxAgeFlush. While one batch is being copied the next
// one fills up; once that one is full too, events are refused with ExcessiveEvents.
// A batch whose copy failed stays pending and is retried; until a copy succeeds events are
// refused with EventError.
type Store struct {
	config    *StoreConfig
	cond      *sync.Cond
	wlock     sync.Mutex
	rbuf      buffer
	pending   bool
	closed    bool
	err       error
	stop      chan struct{}
	done      chan struct{}
	wbuf      buffer
	db        copier
	log       log.Logger
	retryWait time.Duration
}

type StoreConfig struct {
	Table       string        `mapstructure:"table" validate:"required"`
	BufSize     int           `mapstructure:"buf_size" validate:"min=1"`
	TickerDur   time.Duration `mapstructure:"ticker" validate:"required"`
	MaxAgeFlush time.Duration `mapstructure:"max_age"`
}

type buffer struct {
	seq uint64
	t1  time.Time
	t2  time.Time
	buf []record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, len)}
}

type record struct {
	did      uint64
	status   int32
	lat      float64
	lon      float64
	speed    float64
	heading  float64
	alt      float64
	odometer float64
	seq      int64
	gpst     time.Time
	srvt     time.Time
}

// NewStore accepts a *pgxpool.Pool or a single connection.
func NewStore(db copier, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.cond = sync.NewCond(&sync.Mutex{})
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	o.retryWait = time.Second
	return o
}

func (st *Store) Run(ctx context.Context) {
	go st.timer_flusher(ctx)
	go st.handle()
}

func (st *Store) timer_flusher(ctx context.Context) {
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.done:
			return
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		}
	}
}

func (st *Store) SaveEvent(ctx context.Context, dev *device.Device, ev *event.Event) nak.Code {
	rec := record{
		did:      dev.ID,
		status:   int32(ev.Status),
		lat:      ev.Point.Latitude(),
		lon:      ev.Point.Longitude(),
		speed:    ev.Speed,
		heading:  ev.Heading,
		alt:      ev.Altitude,
		odometer: ev.Odometer,
		seq:      int64(ev.Sequence),
		gpst:     ev.Timestamp,
		srvt:     ev.Received,
	}
	st.wlock.Lock()
	defer st.wlock.Unlock()
	if err := st.copyErr(); err != nil {
		st.log.Warn().EmbedObject(dev).Err(err).Msg("event refused, storage failing")
		return nak.EventError
	}
	if len(st.wbuf.buf) >= st.config.BufSize && !st.flush() {
		st.log.Warn().EmbedObject(dev).Int("buffered", len(st.wbuf.buf)).Msg("write buffer saturated")
		return nak.ExcessiveEvents
	}
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, rec)
	if len(st.wbuf.buf) == st.config.BufSize {
		st.flush()
	}
	return nak.OK
}

func (st *Store) copyErr() error {
	st.cond.L.Lock()
	defer st.cond.L.Unlock()
	return st.err
}

// flush hands the write buffer to the flusher. It fails while the previous batch is still
// being copied. Caller holds wlock.
func (st *Store) flush() bool {
	st.cond.L.Lock()
	if st.pending {
		st.cond.L.Unlock()
		return false
	}
	next := st.wbuf.seq + 1
	st.wbuf.t2 = time.Now().UTC()
	st.rbuf = st.wbuf
	st.pending = true
	st.cond.L.Unlock()
	st.cond.Broadcast()
	st.wbuf = new_buffer(next, st.config.BufSize)
	return true
}

func (st *Store) handle() {
	defer close(st.done)
	st.log.Info().Msg("starting flusher task")
	for {
		st.cond.L.Lock()
		for !st.pending && !st.closed {
			st.cond.Wait()
		}
		if !st.pending {
			st.cond.L.Unlock()
			st.log.Info().Msg("flusher task stopped")
			return
		}
		buf := st.rbuf
		st.cond.L.Unlock()

		err := st.copy(buf)

		st.cond.L.Lock()
		st.err = err
		if err != nil && !st.stopping() {
			st.cond.L.Unlock()
			select {
			case <-time.After(st.retryWait):
			case <-st.stop:
			}
			continue
		}
		if err != nil {
			st.log.Error().Uint64("batch", buf.seq).Int("length", len(buf.buf)).Msg("store closing, batch dropped")
		}
		st.rbuf = buffer{}
		st.pending = false
		st.cond.L.Unlock()
		st.cond.Broadcast()
	}
}

func (st *Store) stopping() bool {
	select {
	case <-st.stop:
		return true
	default:
		return false
	}
}

func (st *Store) copy(buf buffer) error {
	t1 := time.Now()
	_, err := st.db.CopyFrom(context.Background(),
		pgx.Identifier{st.config.Table},
		columns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{d.did, d.status, d.lat, d.lon, d.speed, d.heading, d.alt, d.odometer, d.seq, d.gpst, d.srvt}, nil
		}))
	if err != nil {
		st.log.Error().Err(err).Uint64("batch", buf.seq).Int("length", len(buf.buf)).Msg("flush error")
	} else {
		st.log.Debug().Str("action", "flush").Uint64("batch", buf.seq).Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	}
	return err
}

// Close flushes what is buffered and waits for the flusher to finish. A batch waiting for a
// retry is tried once more; batches failing after that are dropped. It must follow Run.
func (st *Store) Close() {
	st.wlock.Lock()
	close(st.stop)
	st.cond.L.Lock()
	for st.pending {
		st.cond.Wait()
	}
	if len(st.wbuf.buf) != 0 {
		st.rbuf = st.wbuf
		st.pending = true
		st.wbuf = new_buffer(st.wbuf.seq+1, st.config.BufSize)
	}
	st.closed = true
	st.cond.L.Unlock()
	st.cond.Broadcast()
	st.wlock.Unlock()
	<-st.done
}
