package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quizbot/internal/storage"
	kit "quizbot/internal/transport"
	logx "quizbot/pkg/logx"
)

type fakeTransport struct {
	mu sync.Mutex

	// failWith maps chat ids to the error their sends return.
	failWith map[int64]error
	sent     map[int64]int
	deleted  []kit.MessageRef
	delErr   map[int64]error

	nextMsgID int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failWith: map[int64]error{},
		sent:     map[int64]int{},
		delErr:   map[int64]error{},
	}
}

func (f *fakeTransport) SendText(_ context.Context, to kit.ChatTarget, _ string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failWith[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	f.nextMsgID++
	f.sent[to.ChatID] = f.nextMsgID
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextMsgID}, nil
}

func (f *fakeTransport) CopyMessage(ctx context.Context, to kit.ChatTarget, _ kit.MessageRef) (kit.MessageRef, error) {
	return f.SendText(ctx, to, "", nil)
}

func (f *fakeTransport) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.delErr[ref.ChatID]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, ref)
	return nil
}

type fakeResolver struct {
	mu            sync.Mutex
	removedUsers  []int64
	removedGroups []int64
}

func (f *fakeResolver) RemoveUser(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedUsers = append(f.removedUsers, id)
	return nil
}

func (f *fakeResolver) RemoveGroup(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedGroups = append(f.removedGroups, id)
	return nil
}

type fakeLedgers struct {
	mu     sync.Mutex
	saved  []storage.Ledger
	latest *storage.Ledger
}

func (f *fakeLedgers) SaveLedger(_ context.Context, l storage.Ledger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, l)
	cp := l
	f.latest = &cp
	return nil
}

func (f *fakeLedgers) LatestLedger(_ context.Context) (*storage.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *f.latest
	return &cp, nil
}

func (f *fakeLedgers) DeleteLedger(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest != nil && f.latest.ID == id {
		f.latest = nil
	}
	return nil
}

func fastOpts() *Options {
	return &Options{BatchSize: 5, PaceAbove: 20, BatchDelay: time.Millisecond, RatePerSec: 100000}
}

func userRecipients(ids ...int64) []Recipient {
	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		out = append(out, Recipient{Target: kit.ChatTarget{ChatID: id}, Kind: KindUser})
	}
	return out
}

func TestDispatchAllSuccess(t *testing.T) {
	t.Parallel()

	tx := newFakeTransport()
	led := &fakeLedgers{}
	d := NewDispatcher(tx, &fakeResolver{}, led, fastOpts(), logx.Nop())

	rep, err := d.Dispatch(context.Background(), "b1", 99, Payload{Text: "hello"}, userRecipients(1, 2, 3, 4, 5, 6, 7))
	require.NoError(t, err)
	require.Equal(t, 7, rep.Success)
	require.Zero(t, rep.Failed)
	require.Zero(t, rep.Pruned)

	require.Len(t, led.saved, 1)
	l := led.saved[0]
	require.Equal(t, "b1", l.ID)
	require.EqualValues(t, 99, l.ActorID)
	require.Len(t, l.Deliveries, 7)
	for chatID, msgID := range l.Deliveries {
		require.Equal(t, tx.sent[chatID], msgID)
	}
}

func TestDispatchClassifiesFailures(t *testing.T) {
	t.Parallel()

	tx := newFakeTransport()
	tx.failWith[2] = &kit.DeliveryError{Permanent: true, Err: errors.New("blocked by user")}
	tx.failWith[4] = &kit.DeliveryError{Permanent: false, Err: errors.New("too many requests")}
	tx.failWith[5] = errors.New("wire broke")

	res := &fakeResolver{}
	led := &fakeLedgers{}
	d := NewDispatcher(tx, res, led, fastOpts(), logx.Nop())

	recipients := userRecipients(1, 2, 3, 4)
	recipients = append(recipients, Recipient{Target: kit.ChatTarget{ChatID: 5}, Kind: KindGroup})

	rep, err := d.Dispatch(context.Background(), "b2", 99, Payload{Text: "hi"}, recipients)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Success)
	// Transient and unclassified errors both count as failed, not pruned.
	require.Equal(t, 2, rep.Failed)
	require.Equal(t, 1, rep.Pruned)

	// Only the permanently unreachable user was pruned, via the user path.
	require.Equal(t, []int64{2}, res.removedUsers)
	require.Empty(t, res.removedGroups)

	// Failed recipients hold no ledger entry.
	require.Len(t, led.saved[0].Deliveries, 2)
}

func TestDispatchPrunesGoneGroup(t *testing.T) {
	t.Parallel()

	tx := newFakeTransport()
	tx.failWith[10] = &kit.DeliveryError{Permanent: true, Err: errors.New("kicked")}

	res := &fakeResolver{}
	d := NewDispatcher(tx, res, &fakeLedgers{}, fastOpts(), logx.Nop())

	rep, err := d.Dispatch(context.Background(), "b3", 99, Payload{Text: "x"},
		[]Recipient{{Target: kit.ChatTarget{ChatID: 10}, Kind: KindGroup}})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Pruned)
	require.Equal(t, []int64{10}, res.removedGroups)
	require.Empty(t, res.removedUsers)
}

func TestDispatchPacesLargeFanout(t *testing.T) {
	t.Parallel()

	opts := &Options{BatchSize: 5, PaceAbove: 20, BatchDelay: 50 * time.Millisecond, RatePerSec: 100000}

	// 21 recipients cross the pacing threshold: 5 batches, 4 inter-batch
	// delays, so the whole dispatch cannot finish faster than 200ms.
	var ids []int64
	for i := int64(1); i <= 21; i++ {
		ids = append(ids, i)
	}
	tx := newFakeTransport()
	d := NewDispatcher(tx, &fakeResolver{}, &fakeLedgers{}, opts, logx.Nop())

	start := time.Now()
	rep, err := d.Dispatch(context.Background(), "paced", 99, Payload{Text: "x"}, userRecipients(ids...))
	require.NoError(t, err)
	require.Equal(t, 21, rep.Success)
	require.GreaterOrEqual(t, time.Since(start), 4*opts.BatchDelay)

	// At or below the threshold the same options run unpaced; even one
	// inter-batch delay would be visible against an instant transport.
	tx = newFakeTransport()
	d = NewDispatcher(tx, &fakeResolver{}, &fakeLedgers{}, opts, logx.Nop())

	start = time.Now()
	rep, err = d.Dispatch(context.Background(), "unpaced", 99, Payload{Text: "x"}, userRecipients(ids[:20]...))
	require.NoError(t, err)
	require.Equal(t, 20, rep.Success)
	require.Less(t, time.Since(start), opts.BatchDelay)
}

// blockingTransport succeeds for the first batch and stalls every later send
// until the dispatch context is cancelled, which the first stalled send
// triggers itself.
type blockingTransport struct {
	*fakeTransport
	freeBelow int64
	cancel    context.CancelFunc
	once      sync.Once
}

func (b *blockingTransport) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if to.ChatID < b.freeBelow {
		return b.fakeTransport.SendText(ctx, to, text, opt)
	}
	b.once.Do(b.cancel)
	<-ctx.Done()
	return kit.MessageRef{}, ctx.Err()
}

func TestDispatchCancelledPersistsPartialLedger(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tx := &blockingTransport{fakeTransport: newFakeTransport(), freeBelow: 6, cancel: cancel}
	led := &fakeLedgers{}
	d := NewDispatcher(tx, &fakeResolver{}, led, fastOpts(), logx.Nop())

	rep, err := d.Dispatch(ctx, "b6", 99, Payload{Text: "partial"}, userRecipients(1, 2, 3, 4, 5, 6, 7, 8, 9, 10))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 5, rep.Success)

	// The partial ledger made it to the store despite the dead context.
	require.Len(t, led.saved, 1)
	l := led.saved[0]
	require.Equal(t, "b6", l.ID)
	require.Len(t, l.Deliveries, 5)
	for chatID := int64(1); chatID <= 5; chatID++ {
		require.Contains(t, l.Deliveries, chatID)
	}

	// Whatever went out stays retractable.
	deleted, failed, rerr := d.Retract(context.Background())
	require.NoError(t, rerr)
	require.Equal(t, 5, deleted)
	require.Zero(t, failed)
}

func TestRetract(t *testing.T) {
	t.Parallel()

	tx := newFakeTransport()
	led := &fakeLedgers{}
	d := NewDispatcher(tx, &fakeResolver{}, led, fastOpts(), logx.Nop())

	_, err := d.Dispatch(context.Background(), "b4", 99, Payload{Text: "oops"}, userRecipients(1, 2, 3))
	require.NoError(t, err)

	deleted, failed, err := d.Retract(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, deleted)
	require.Zero(t, failed)
	require.Len(t, tx.deleted, 3)

	// The ledger is gone: a second retraction finds nothing.
	_, _, err = d.Retract(context.Background())
	require.ErrorIs(t, err, ErrNoBroadcast)
}

func TestRetractBestEffort(t *testing.T) {
	t.Parallel()

	tx := newFakeTransport()
	tx.delErr[2] = errors.New("message to delete not found")
	led := &fakeLedgers{}
	d := NewDispatcher(tx, &fakeResolver{}, led, fastOpts(), logx.Nop())

	_, err := d.Dispatch(context.Background(), "b5", 99, Payload{Text: "oops"}, userRecipients(1, 2, 3))
	require.NoError(t, err)

	deleted, failed, err := d.Retract(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, deleted)
	require.Equal(t, 1, failed)

	// Even with one stuck message, the ledger is dropped.
	_, _, err = d.Retract(context.Background())
	require.ErrorIs(t, err, ErrNoBroadcast)
}

func TestRetractWithoutBroadcast(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(newFakeTransport(), &fakeResolver{}, &fakeLedgers{}, fastOpts(), logx.Nop())
	_, _, err := d.Retract(context.Background())
	require.ErrorIs(t, err, ErrNoBroadcast)
}
