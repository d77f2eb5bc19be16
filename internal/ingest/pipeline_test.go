package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/dedup"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/notify"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/phone"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/resolve"
)

// fakeStore backs the resolver, the dedup probe and the message writer so a
// pipeline test runs the real resolver and real gate over in-memory state.
// Safe for concurrent use.
type fakeStore struct {
	mu       sync.Mutex
	leads    []model.Lead
	messages []model.StoredMessage
	history  map[uuid.UUID][]model.HistoryEntry

	findCalls  int
	findErr    error
	probeErr   error
	insertErr  error
	historyErr error
}

func newFakeStore(leads ...model.Lead) *fakeStore {
	return &fakeStore{leads: leads, history: make(map[uuid.UUID][]model.HistoryEntry)}
}

func (f *fakeStore) FindLeadByPhone(_ context.Context, p string) (*model.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	for i := range f.leads {
		if f.leads[i].Phone == p {
			lead := f.leads[i]
			return &lead, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SearchLeadsByPhoneDigits(_ context.Context, digits string, limit int) ([]model.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []model.Lead
	for i := range f.leads {
		if strings.Contains(phone.DigitsOnly(f.leads[i].Phone), digits) {
			out = append(out, f.leads[i])
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) HasRecentMessage(_ context.Context, leadID *uuid.UUID, body string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return false, f.probeErr
	}
	for i := range f.messages {
		m := f.messages[i]
		if m.Body != body || m.CreatedAt.Before(since) {
			continue
		}
		if leadID == nil && m.LeadID == nil {
			return true, nil
		}
		if leadID != nil && m.LeadID != nil && *leadID == *m.LeadID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, m *model.StoredMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeStore) AppendLeadHistory(_ context.Context, leadID uuid.UUID, entry model.HistoryEntry, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return false, f.historyErr
	}
	f.history[leadID] = append(f.history[leadID], entry)
	return true, nil
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeStore) lastMessage() model.StoredMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[len(f.messages)-1]
}

func (f *fakeStore) historyCount(leadID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.history[leadID])
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (f *fakeNotifier) PublishInbound(_ context.Context, ev notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeNotifier) last() notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func newTestService(store *fakeStore, notifier *fakeNotifier) *Service {
	gate := dedup.NewGate(store, nil, dedup.DefaultWindow, dedup.DefaultStoreWindow)
	return NewService(resolve.New(store, "44"), gate, store, notifier, "44", 10*time.Minute)
}

func testLead(phoneStr, assignedTo string) model.Lead {
	return model.Lead{ID: uuid.New(), Name: "Jane Doe", Phone: phoneStr, AssignedTo: assignedTo}
}

func inbound(sender, body string) model.InboundMessage {
	return model.InboundMessage{Sender: sender, Body: body, ReceivedAt: time.Now().UTC()}
}

// --- Happy paths ---

func TestProcess_OwnedMessage(t *testing.T) {
	lead := testLead("+447700900123", "booker-1")
	store := newFakeStore(lead)
	notifier := &fakeNotifier{}
	svc := newTestService(store, notifier)

	res, err := svc.Process(context.Background(), inbound("07700900123", "Running late, keep my slot"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, res.Status)
	require.NotNil(t, res.LeadID)
	assert.Equal(t, lead.ID, *res.LeadID)
	assert.NotEqual(t, uuid.Nil, res.MessageID)

	require.Equal(t, 1, store.messageCount())
	stored := store.lastMessage()
	require.NotNil(t, stored.LeadID)
	assert.Equal(t, lead.ID, *stored.LeadID)
	assert.Equal(t, model.ChannelSMS, stored.Channel)
	assert.Equal(t, "Running late, keep my slot", stored.Body)
	assert.Empty(t, stored.Note)

	require.Equal(t, 1, store.historyCount(lead.ID))

	require.Equal(t, 1, notifier.count())
	ev := notifier.last()
	assert.Equal(t, res.MessageID, ev.MessageID)
	assert.Equal(t, "booker-1", ev.AssignedTo)
	assert.Equal(t, "Jane Doe", ev.LeadName)
	assert.False(t, ev.Orphan)
}

func TestProcess_IdempotentRedelivery(t *testing.T) {
	lead := testLead("+447700900123", "booker-1")
	store := newFakeStore(lead)
	notifier := &fakeNotifier{}
	svc := newTestService(store, notifier)

	msg := inbound("07700900123", "see you at 3pm")
	for i := 0; i < 5; i++ {
		res, err := svc.Process(context.Background(), msg)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, model.StatusReceived, res.Status)
		} else {
			assert.Equal(t, model.StatusDuplicateIgnored, res.Status)
		}
	}

	assert.Equal(t, 1, store.messageCount())
	assert.Equal(t, 1, store.historyCount(lead.ID))
	assert.Equal(t, 1, notifier.count(), "exactly one event per physical message")
}

func TestProcess_RedeliveryAfterRestartCaughtByStoreWindow(t *testing.T) {
	lead := testLead("+447700900123", "")
	store := newFakeStore(lead)
	msg := inbound("07700900123", "confirming tomorrow")

	first := newTestService(store, &fakeNotifier{})
	res, err := first.Process(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, model.StatusReceived, res.Status)

	// Fresh service, fresh gate, no journal: only the store window is left.
	second := newTestService(store, &fakeNotifier{})
	res, err = second.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDuplicateIgnored, res.Status)
	assert.Equal(t, 1, store.messageCount())
}

func TestProcess_TimestamplessRedeliveryCaughtByStoreWindow(t *testing.T) {
	// Without a provider timestamp each delivery hashes its own arrival time,
	// so the keys diverge and the body-scoped store probe is the layer that
	// recognizes the repeat.
	lead := testLead("+447700900123", "")
	store := newFakeStore(lead)
	notifier := &fakeNotifier{}
	svc := newTestService(store, notifier)

	first := inbound("07700900123", "same text")
	second := first
	second.ReceivedAt = first.ReceivedAt.Add(2 * time.Second)

	res, err := svc.Process(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, model.StatusReceived, res.Status)

	res, err = svc.Process(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDuplicateIgnored, res.Status)
	assert.Equal(t, 1, store.messageCount())
	assert.Equal(t, 1, notifier.count())
}

// --- Orphan path ---

func TestProcess_OrphanStoredForTriage(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	svc := newTestService(store, notifier)

	msg := inbound("07999000111", "who is this?")
	res, err := svc.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknownSenderSkipped, res.Status)
	assert.Nil(t, res.LeadID)

	require.Equal(t, 1, store.messageCount())
	stored := store.lastMessage()
	assert.Nil(t, stored.LeadID)
	assert.NotEmpty(t, stored.Note, "orphans carry a triage note")
	assert.Empty(t, store.history, "no owner, no history write")

	require.Equal(t, 1, notifier.count())
	ev := notifier.last()
	assert.True(t, ev.Orphan)
	assert.Empty(t, ev.AssignedTo)

	// The orphan's own redelivery is deduplicated like any other.
	res, err = svc.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDuplicateIgnored, res.Status)
	assert.Equal(t, 1, store.messageCount())
}

func TestProcess_OrphanScopeSeparateFromOwned(t *testing.T) {
	// The same text from an owned sender and from a stranger at the same
	// moment is two messages, not one.
	lead := testLead("+447700900123", "")
	store := newFakeStore(lead)
	svc := newTestService(store, &fakeNotifier{})

	at := time.Now().UTC()
	owned := model.InboundMessage{Sender: "07700900123", Body: "YES", ReceivedAt: at}
	stranger := model.InboundMessage{Sender: "07999000111", Body: "YES", ReceivedAt: at}

	res, err := svc.Process(context.Background(), owned)
	require.NoError(t, err)
	require.Equal(t, model.StatusReceived, res.Status)

	res, err = svc.Process(context.Background(), stranger)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknownSenderSkipped, res.Status)
	assert.Equal(t, 2, store.messageCount())
}

// --- Rejection ---

func TestProcess_RejectsIncompletePayloads(t *testing.T) {
	cases := []struct {
		name   string
		sender string
		body   string
	}{
		{"missing sender", "", "hello"},
		{"missing body", "07700900123", ""},
		{"whitespace body", "07700900123", "   "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore(testLead("+447700900123", ""))
			svc := newTestService(store, &fakeNotifier{})

			res, err := svc.Process(context.Background(), inbound(tc.sender, tc.body))
			require.NoError(t, err)
			assert.Equal(t, model.StatusRejected, res.Status)
			assert.Equal(t, 0, store.messageCount())
			assert.Equal(t, 0, store.findCalls, "rejection happens before any lookup")
		})
	}
}

// --- Failure semantics ---

func TestProcess_InsertFailureIsRetryable(t *testing.T) {
	lead := testLead("+447700900123", "")
	store := newFakeStore(lead)
	notifier := &fakeNotifier{}
	svc := newTestService(store, notifier)
	msg := inbound("07700900123", "retry me")

	store.insertErr = errors.New("disk full")
	_, err := svc.Process(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.Equal(t, 0, notifier.count(), "nothing stored, nothing announced")

	// The provider redelivers after the fault clears; the reservation from
	// the failed attempt must not shadow it.
	store.insertErr = nil
	res, err := svc.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, res.Status)
	assert.Equal(t, 1, store.messageCount())
}

func TestProcess_ResolveFailureIsRetryable(t *testing.T) {
	store := newFakeStore()
	store.findErr = errors.New("connection refused")
	svc := newTestService(store, &fakeNotifier{})

	_, err := svc.Process(context.Background(), inbound("07700900123", "hello"))
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.Equal(t, 0, store.messageCount())
}

func TestProcess_DedupProbeFailureIsRetryable(t *testing.T) {
	lead := testLead("+447700900123", "")
	store := newFakeStore(lead)
	svc := newTestService(store, &fakeNotifier{})
	msg := inbound("07700900123", "hello")

	store.probeErr = errors.New("query timeout")
	_, err := svc.Process(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))

	store.probeErr = nil
	res, err := svc.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, res.Status)
}

func TestProcess_HistoryFailureDoesNotFailCall(t *testing.T) {
	lead := testLead("+447700900123", "booker-1")
	store := newFakeStore(lead)
	store.historyErr = errors.New("lock timeout")
	notifier := &fakeNotifier{}
	svc := newTestService(store, notifier)

	res, err := svc.Process(context.Background(), inbound("07700900123", "hello"))
	require.NoError(t, err, "the message is durable, history is secondary")
	assert.Equal(t, model.StatusReceived, res.Status)
	assert.Equal(t, 1, store.messageCount())
	assert.Equal(t, 1, notifier.count())
}

func TestProcess_NotifyFailureDoesNotFailCall(t *testing.T) {
	lead := testLead("+447700900123", "booker-1")
	store := newFakeStore(lead)
	notifier := &fakeNotifier{err: errors.New("broker gone")}
	svc := newTestService(store, notifier)

	res, err := svc.Process(context.Background(), inbound("07700900123", "hello"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, res.Status)
	assert.Equal(t, 1, store.messageCount())
	assert.Equal(t, 1, store.historyCount(lead.ID))
}

// --- Concurrency ---

func TestProcess_ConcurrentSameDeliveryStoresOne(t *testing.T) {
	lead := testLead("+447700900123", "booker-1")
	store := newFakeStore(lead)
	notifier := &fakeNotifier{}
	svc := newTestService(store, notifier)
	msg := inbound("07700900123", "parallel retry storm")

	const callers = 16
	results := make(chan Result, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Process(context.Background(), msg)
			results <- res
			errs <- err
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	received := 0
	for res := range results {
		if res.Status == model.StatusReceived {
			received++
		} else {
			assert.Equal(t, model.StatusDuplicateIgnored, res.Status)
		}
	}
	assert.Equal(t, 1, received, "exactly one caller wins the reservation")
	assert.Equal(t, 1, store.messageCount())
	assert.Equal(t, 1, store.historyCount(lead.ID))
	assert.Equal(t, 1, notifier.count())
}
