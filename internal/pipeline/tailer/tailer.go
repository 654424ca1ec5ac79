// Package tailer drives per-shard stream consumption. One goroutine tails
// each shard: fetch a batch, hand it to the assembler, then commit the
// checkpoint. The commit-after-accept ordering is what turns a crash into
// redelivery instead of loss.
package tailer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	obs "github.com/tiger/relay-telemetry-pipeline/internal/observability/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/checkpoint"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
	"github.com/tiger/relay-telemetry-pipeline/internal/runtime/retry"
)

// Acceptor is the downstream that must durably buffer a batch before its
// checkpoint may advance.
type Acceptor interface {
	HandleBatch(ctx context.Context, batch telemetry.Batch) error
}

// Config bounds fetch cadence and retry budgets.
type Config struct {
	PollInterval time.Duration
	StreamRetry  retry.Policy
	Sleep        func(time.Duration)
	Emitter      obs.Emitter
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.Emitter == nil {
		c.Emitter = obs.NopEmitter{}
	}
	return c
}

// Stats reports per-tailer counters.
type Stats struct {
	ShardsRunning int
	ShardsHalted  int
	BatchesPassed uint64
}

// Tailer owns one goroutine per shard of the source stream.
type Tailer struct {
	cfg        Config
	stream     contracts.StreamProvider
	acceptor   Acceptor
	checkpoint *checkpoint.Manager

	mu      sync.Mutex
	running int
	halted  int
	batches uint64

	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a tailer over the stream provider.
func New(cfg Config, stream contracts.StreamProvider, acceptor Acceptor, manager *checkpoint.Manager) (*Tailer, error) {
	if stream == nil {
		return nil, fmt.Errorf("stream provider is required")
	}
	if acceptor == nil {
		return nil, fmt.Errorf("acceptor is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}
	return &Tailer{
		cfg:        cfg.withDefaults(),
		stream:     stream,
		acceptor:   acceptor,
		checkpoint: manager,
	}, nil
}

// Start lists shards and launches one tail goroutine per shard. A shard
// that cannot resume halts alone; the rest keep running.
func (t *Tailer) Start(ctx context.Context) error {
	var startErr error
	t.startOnce.Do(func() {
		var shards []telemetry.ShardID
		err := retry.Do(ctx, t.cfg.StreamRetry, func() error {
			var listErr error
			shards, listErr = t.stream.ListShards(ctx)
			return listErr
		})
		if err != nil {
			startErr = fmt.Errorf("list shards: %w", err)
			return
		}
		if len(shards) == 0 {
			startErr = fmt.Errorf("stream has no shards")
			return
		}

		runCtx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel

		for _, shard := range shards {
			t.mu.Lock()
			t.running++
			t.mu.Unlock()
			t.wg.Add(1)
			go t.tailShard(runCtx, shard)
		}
	})
	return startErr
}

// Close stops every shard goroutine and waits for them to exit.
func (t *Tailer) Close() {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
}

// Stats returns a counter snapshot.
func (t *Tailer) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{ShardsRunning: t.running, ShardsHalted: t.halted, BatchesPassed: t.batches}
}

func (t *Tailer) tailShard(ctx context.Context, shard telemetry.ShardID) {
	defer t.wg.Done()

	correlation := obs.Correlation{Shard: string(shard)}

	position, _, err := t.checkpoint.Resume(ctx, shard)
	if err != nil {
		t.halt(shard, fmt.Errorf("resume: %w", err))
		return
	}

	for {
		if ctx.Err() != nil {
			t.stopped()
			return
		}

		var batch telemetry.Batch
		err := retry.Do(ctx, t.cfg.StreamRetry, func() error {
			var fetchErr error
			batch, fetchErr = t.stream.Fetch(ctx, shard, position)
			return fetchErr
		})
		if err != nil {
			if ctx.Err() != nil {
				t.stopped()
				return
			}
			t.halt(shard, fmt.Errorf("fetch at %q: %w", position, err))
			return
		}

		if len(batch.Events) == 0 {
			position = batch.Next
			t.sleep(ctx, t.cfg.PollInterval)
			continue
		}

		if err := t.acceptor.HandleBatch(ctx, batch); err != nil {
			if ctx.Err() != nil {
				t.stopped()
				return
			}
			t.halt(shard, fmt.Errorf("handle batch at %q: %w", position, err))
			return
		}

		// Commit only after the whole batch is buffered downstream. A crash
		// before this line redelivers the batch; dedup makes that harmless.
		if err := t.checkpoint.Commit(ctx, shard, batch.Next); err != nil {
			if ctx.Err() != nil {
				t.stopped()
				return
			}
			t.halt(shard, fmt.Errorf("commit %q: %w", batch.Next, err))
			return
		}

		position = batch.Next
		t.mu.Lock()
		t.batches++
		t.mu.Unlock()
		t.cfg.Emitter.EmitLog("batch_committed", obs.SeverityDebug, fmt.Sprintf("%d events", len(batch.Events)), correlation)
	}
}

// halt records a fatal per-shard failure. Other shards are unaffected.
func (t *Tailer) halt(shard telemetry.ShardID, err error) {
	t.mu.Lock()
	t.running--
	t.halted++
	t.mu.Unlock()
	t.cfg.Emitter.EmitLog(obs.AlarmShardHalted, obs.SeverityError, err.Error(), obs.Correlation{Shard: string(shard)})
}

func (t *Tailer) stopped() {
	t.mu.Lock()
	t.running--
	t.mu.Unlock()
}

func (t *Tailer) sleep(ctx context.Context, d time.Duration) {
	if t.cfg.Sleep != nil {
		t.cfg.Sleep(d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
