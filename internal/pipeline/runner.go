package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"sluice/internal/logging"
	"sluice/internal/spec"
	"sluice/internal/telemetry"
	"sluice/sink"
	"sluice/source/broker"
	"sluice/source/queue"
)

type Options struct {
	CheckpointEvery time.Duration
	MaxPending      int
	FinalizeWorkers int
	RestartAttempts int // -1 = unlimited
	RestartBackoff  time.Duration
	FinalizeTimeout time.Duration
}

func (o *Options) defaults() {
	if o.CheckpointEvery <= 0 && o.MaxPending <= 0 {
		o.CheckpointEvery = time.Second
	}
	if o.FinalizeWorkers <= 0 {
		o.FinalizeWorkers = 4
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = 500 * time.Millisecond
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 10 * time.Second
	}
}

// Runner drives one reader per split, forwards encoded records to the
// sinks and checkpoints each split on a cadence. Checkpoint marks are
// finalized on a worker pool so acknowledgement never blocks reading.
type Runner struct {
	source *queue.Source[queue.Record]
	sinks  []sink.Adapter
	opts   Options
	file   spec.File

	backlog         telemetry.BacklogQuerier
	backlogInterval time.Duration
	backlogClose    func() error

	pool   *ants.Pool
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func NewRunner(opts Options) *Runner {
	opts.defaults()
	return &Runner{opts: opts}
}

func (r *Runner) AddSink(s sink.Adapter) { r.sinks = append(r.sinks, s) }
func (r *Runner) SetSource(s *queue.Source[queue.Record]) { r.source = s }

// SetBacklog registers the management-plane querier the engine polls.
// closeFn, if set, runs on Close.
func (r *Runner) SetBacklog(q telemetry.BacklogQuerier, every time.Duration, closeFn func() error) {
	r.backlog, r.backlogInterval, r.backlogClose = q, every, closeFn
}

// BacklogPoller returns a poller over the source's queues, or nil when no
// querier is configured.
func (r *Runner) BacklogPoller() *telemetry.BacklogPoller {
	if r.backlog == nil || r.source == nil {
		return nil
	}
	return telemetry.NewBacklogPoller(r.backlog, r.source.Config().Queues, r.backlogInterval)
}

// Spec is the pipeline file the runner was compiled from.
func (r *Runner) Spec() spec.File { return r.file }

func (r *Runner) Start(ctx context.Context) error {
	if r.source == nil {
		return errors.New("runner: no source configured")
	}
	if len(r.sinks) == 0 {
		return errors.New("runner: no sinks configured")
	}
	pool, err := ants.NewPool(r.opts.FinalizeWorkers)
	if err != nil {
		return fmt.Errorf("runner: finalize pool: %w", err)
	}
	r.pool = pool

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	splits := r.source.GenerateSplits(len(r.source.Config().Queues))
	for _, sp := range splits {
		r.wg.Add(1)
		go func(sp queue.Split) {
			defer r.wg.Done()
			if err := r.runSplit(ctx, sp); err != nil {
				r.fail(err)
			}
		}(sp)
	}
	go func() {
		r.wg.Wait()
		close(r.done)
	}()
	logging.L().Info("pipeline started", "splits", len(splits), "sinks", len(r.sinks))
	return nil
}

// fail records the first split failure and stops the other splits.
func (r *Runner) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.cancel()
}

// Done is closed once every split has stopped.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err is the failure that stopped the pipeline, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	var errs []error
	if r.pool != nil {
		if err := r.pool.ReleaseTimeout(r.opts.FinalizeTimeout); err != nil {
			errs = append(errs, fmt.Errorf("finalize pool: %w", err))
		}
	}
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.backlogClose != nil {
		if err := r.backlogClose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

/*──────── per split ───────*/

func fatal(err error) bool {
	return errors.Is(err, broker.ErrUnknownQueue) || errors.Is(err, broker.ErrAuth)
}

func (r *Runner) runSplit(ctx context.Context, sp queue.Split) error {
	log := logging.L().With("queue", sp.Queue)
	failures := 0
	for {
		progressed, err := r.readSplit(ctx, sp)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if fatal(err) {
			log.Error("reader cannot start", "err", err)
			return err
		}
		if progressed {
			failures = 0
		}
		failures++
		if r.opts.RestartAttempts >= 0 && failures > r.opts.RestartAttempts {
			return fmt.Errorf("queue %q: giving up after %d restarts: %w", sp.Queue, failures-1, err)
		}
		telemetry.ReaderRestartsTotal.WithLabelValues(sp.Queue).Inc()
		backoff := time.Duration(failures) * r.opts.RestartBackoff
		log.Warn("reader failed, restarting", "attempt", failures, "backoff", backoff, "err", err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// readSplit runs one reader until ctx is done or it fails. progressed
// reports whether at least one checkpoint was taken.
func (r *Runner) readSplit(ctx context.Context, sp queue.Split) (progressed bool, err error) {
	rd, err := r.source.CreateReader(sp)
	if err != nil {
		return false, err
	}
	defer func() {
		if cerr := rd.Close(); cerr != nil {
			logging.L().Warn("reader close failed", "queue", sp.Queue, "err", cerr)
		}
	}()

	cad := newCadence(r.opts.CheckpointEvery, r.opts.MaxPending)
	ok, err := rd.Start(ctx)
	for {
		if ctx.Err() != nil {
			return progressed, r.finalCheckpoint(rd)
		}
		if err != nil {
			return progressed, err
		}
		if ok {
			if err := r.emit(rd); err != nil {
				return progressed, err
			}
			cad.track()
		}
		if cad.due() {
			if err := r.checkpoint(rd); err != nil {
				return progressed, err
			}
			progressed = true
		}
		ok, err = rd.Advance(ctx)
	}
}

func (r *Runner) emit(rd *queue.Reader[queue.Record]) error {
	rec, err := rd.Current()
	if err != nil {
		return err
	}
	ts, _ := rd.CurrentTimestamp()
	id, _ := rd.CurrentRecordID()
	val, err := r.source.Codec().Encode(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.MessageID, err)
	}
	f := &sink.Frame{
		Queue:     rd.Split().Queue,
		ID:        string(id),
		Value:     val,
		Timestamp: ts,
	}
	if k, ok := rec.Properties["key"]; ok {
		f.Key = []byte(k)
	}
	if err := r.pushFrame(f); err != nil {
		return err
	}
	telemetry.FramesPushedTotal.WithLabelValues(f.Queue).Inc()
	return nil
}

/*──────── frame routing ───────*/
func (r *Runner) pushFrame(f *sink.Frame) error {
	for _, s := range r.sinks {
		if err := s.Push(f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) flushSinks() error {
	for _, s := range r.sinks {
		if fl, ok := s.(sink.Flusher); ok {
			if err := fl.Flush(); err != nil {
				return fmt.Errorf("flush sink: %w", err)
			}
		}
	}
	return nil
}

// checkpoint flushes the sinks, takes a mark and hands it to the pool.
func (r *Runner) checkpoint(rd *queue.Reader[queue.Record]) error {
	if err := r.flushSinks(); err != nil {
		return err
	}
	mark := rd.CheckpointMark()
	fin := func() { r.finalize(mark) }
	if err := r.pool.Submit(fin); err != nil {
		fin()
	}
	return nil
}

// finalCheckpoint acknowledges everything delivered before shutdown while
// the reader is still open.
func (r *Runner) finalCheckpoint(rd *queue.Reader[queue.Record]) error {
	if err := r.flushSinks(); err != nil {
		return err
	}
	return r.finalize(rd.CheckpointMark())
}

func (r *Runner) finalize(mark *queue.CheckpointMark) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FinalizeTimeout)
	defer cancel()
	if err := mark.Finalize(ctx); err != nil {
		logging.L().Warn("finalize failed", "queue", mark.Queue(), "checkpoint", mark.Sequence(), "err", err)
		return err
	}
	return nil
}
