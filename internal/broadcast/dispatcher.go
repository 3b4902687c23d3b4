package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quizbot/internal/storage"
	kit "quizbot/internal/transport"
	logx "quizbot/pkg/logx"
)

const (
	DefaultBatchSize  = 5
	DefaultPaceAbove  = 20
	DefaultBatchDelay = 300 * time.Millisecond
	DefaultRatePerSec = 25
)

// Options tunes the fan-out. Zero values fall back to defaults.
type Options struct {
	// BatchSize is how many sends run concurrently.
	BatchSize int
	// PaceAbove enables inter-batch pacing once the recipient count exceeds
	// it; small broadcasts run unpaced.
	PaceAbove int
	// BatchDelay is the pause between paced batches.
	BatchDelay time.Duration
	// RatePerSec caps the overall send rate, shared across batches.
	RatePerSec float64
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.PaceAbove <= 0 {
		out.PaceAbove = DefaultPaceAbove
	}
	if out.BatchDelay <= 0 {
		out.BatchDelay = DefaultBatchDelay
	}
	if out.RatePerSec <= 0 {
		out.RatePerSec = DefaultRatePerSec
	}
	return out
}

// Dispatcher runs fan-outs and keeps the retractable ledger of the latest one.
type Dispatcher struct {
	tx      Transport
	reg     Resolver
	ledgers Ledgers
	limiter *rate.Limiter
	opts    Options
	log     logx.Logger
	now     func() time.Time
}

func NewDispatcher(tx Transport, reg Resolver, ledgers Ledgers, opts *Options, log logx.Logger) *Dispatcher {
	o := opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		tx:      tx,
		reg:     reg,
		ledgers: ledgers,
		limiter: rate.NewLimiter(rate.Limit(o.RatePerSec), o.BatchSize),
		opts:    o,
		log:     log,
		now:     time.Now,
	}
}

// Dispatch sends payload to every recipient in concurrent batches and
// persists the delivery ledger once the fan-out completes.
//
// A permanently unreachable recipient is pruned from the registry and counted
// separately from transient failures. One recipient failing never aborts the
// rest; the only early exit is context cancellation, which still persists the
// partial ledger so the delivered messages stay retractable.
func (d *Dispatcher) Dispatch(ctx context.Context, id string, actorID int64, payload Payload, recipients []Recipient) (*Report, error) {
	start := d.now()
	rep := &Report{ID: id, Recipients: len(recipients)}
	deliveries := make(map[int64]int, len(recipients))
	paced := len(recipients) > d.opts.PaceAbove

	d.log.Info("broadcast started",
		logx.String("broadcast_id", id),
		logx.Int("recipients", len(recipients)),
		logx.Bool("paced", paced))

	var mu sync.Mutex
	var cancelled bool
	for off := 0; off < len(recipients) && !cancelled; off += d.opts.BatchSize {
		end := off + d.opts.BatchSize
		if end > len(recipients) {
			end = len(recipients)
		}

		var wg sync.WaitGroup
		for _, rcpt := range recipients[off:end] {
			wg.Add(1)
			go func(rcpt Recipient) {
				defer wg.Done()
				if err := d.limiter.Wait(ctx); err != nil {
					mu.Lock()
					cancelled = true
					mu.Unlock()
					return
				}
				ref, err := d.deliver(ctx, rcpt.Target, payload)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					rep.Success++
					deliveries[rcpt.Target.ChatID] = ref.MessageID
					return
				}
				if ctx.Err() != nil {
					cancelled = true
					return
				}
				if kit.IsPermanentlyUnreachable(err) {
					rep.Pruned++
					d.prune(ctx, rcpt)
					return
				}
				rep.Failed++
				d.log.Warn("broadcast delivery failed",
					logx.String("broadcast_id", id),
					logx.Int64("chat_id", rcpt.Target.ChatID),
					logx.Err(err))
			}(rcpt)
		}
		wg.Wait()

		if paced && end < len(recipients) && !cancelled {
			select {
			case <-time.After(d.opts.BatchDelay):
			case <-ctx.Done():
				cancelled = true
			}
		}
	}

	ledger := storage.Ledger{
		ID:         id,
		ActorID:    actorID,
		Payload:    payload.describe(),
		Deliveries: deliveries,
		Success:    rep.Success,
		Failed:     rep.Failed,
		Pruned:     rep.Pruned,
		CreatedAt:  d.now(),
	}
	// The ledger is saved even on cancellation: whatever went out must stay
	// retractable.
	saveCtx := ctx
	if saveCtx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := d.ledgers.SaveLedger(saveCtx, ledger); err != nil {
		return rep, fmt.Errorf("save broadcast ledger %s: %w", id, err)
	}

	d.log.Info("broadcast finished",
		logx.String("broadcast_id", id),
		logx.Int("success", rep.Success),
		logx.Int("failed", rep.Failed),
		logx.Int("pruned", rep.Pruned),
		logx.Duration("took", d.now().Sub(start)))

	if cancelled {
		return rep, ctx.Err()
	}
	return rep, nil
}

func (d *Dispatcher) deliver(ctx context.Context, to kit.ChatTarget, p Payload) (kit.MessageRef, error) {
	if p.CopyFrom != nil {
		return d.tx.CopyMessage(ctx, to, *p.CopyFrom)
	}
	return d.tx.SendText(ctx, to, p.Text, p.Options)
}

func (d *Dispatcher) prune(ctx context.Context, rcpt Recipient) {
	var err error
	switch rcpt.Kind {
	case KindGroup:
		err = d.reg.RemoveGroup(ctx, rcpt.Target.ChatID)
	default:
		err = d.reg.RemoveUser(ctx, rcpt.Target.ChatID)
	}
	if err != nil {
		d.log.Warn("recipient prune failed", logx.Int64("chat_id", rcpt.Target.ChatID), logx.Err(err))
		return
	}
	d.log.Info("unreachable recipient pruned",
		logx.Int64("chat_id", rcpt.Target.ChatID),
		logx.String("kind", string(rcpt.Kind)))
}

// Latest returns the most recent retractable ledger, or ErrNoBroadcast.
func (d *Dispatcher) Latest(ctx context.Context) (*storage.Ledger, error) {
	l, err := d.ledgers.LatestLedger(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoBroadcast
	}
	if err != nil {
		return nil, fmt.Errorf("load broadcast ledger: %w", err)
	}
	return l, nil
}

// Retract deletes every delivered message of the latest broadcast,
// best-effort, then drops the ledger. Individual delete failures (message
// already gone, no rights) are counted but do not stop the pass, and the
// ledger is removed regardless: a broadcast is retractable exactly once.
func (d *Dispatcher) Retract(ctx context.Context) (deleted, failed int, err error) {
	l, err := d.Latest(ctx)
	if err != nil {
		return 0, 0, err
	}

	for chatID, messageID := range l.Deliveries {
		ref := kit.MessageRef{ChatID: chatID, MessageID: messageID}
		if derr := d.tx.DeleteMessage(ctx, ref); derr != nil {
			failed++
			d.log.Warn("broadcast message delete failed",
				logx.String("broadcast_id", l.ID),
				logx.Int64("chat_id", chatID),
				logx.Err(derr))
			continue
		}
		deleted++
	}

	if derr := d.ledgers.DeleteLedger(ctx, l.ID); derr != nil {
		return deleted, failed, fmt.Errorf("delete broadcast ledger %s: %w", l.ID, derr)
	}
	d.log.Info("broadcast retracted",
		logx.String("broadcast_id", l.ID),
		logx.Time("sent_at", l.CreatedAt),
		logx.Int("deleted", deleted),
		logx.Int("failed", failed))
	return deleted, failed, nil
}
