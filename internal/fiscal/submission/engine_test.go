package submission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quipu-pos/quipu/internal/fiscal/authority"
	"github.com/quipu-pos/quipu/internal/fiscal/invoice"
	"github.com/quipu-pos/quipu/internal/synclog"
)

const testKey = "1503202601179316860400110010020000000421234567811"

type memStore struct {
	mu       sync.Mutex
	invoices map[string]*invoice.Invoice
}

func newMemStore(invs ...*invoice.Invoice) *memStore {
	s := &memStore{invoices: map[string]*invoice.Invoice{}}
	for _, inv := range invs {
		s.invoices[inv.AccessKey] = inv
	}
	return s
}

func (s *memStore) Get(_ context.Context, key string) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[key]
	if !ok {
		return nil, invoice.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) SetSigned(_ context.Context, key string, signed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.invoices[key]
	inv.SignedXML = signed
	inv.Status = invoice.StatusSigned
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, key string, status invoice.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.invoices[key]
	if inv.Status.Terminal() {
		return invoice.ErrTerminal
	}
	inv.Status = status
	inv.Reason = reason
	return nil
}

func (s *memStore) IncrementAttempts(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.invoices[key]
	inv.Attempts++
	return inv.Attempts, nil
}

func (s *memStore) SetAuthorization(_ context.Context, key, number, at string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.invoices[key]
	inv.Status = invoice.StatusAuthorized
	inv.AuthorizationNumber = number
	inv.AuthorizedAt = at
	return nil
}

func (s *memStore) Recoverable(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := []string{}
	for k, inv := range s.invoices {
		switch inv.Status {
		case invoice.StatusSigned, invoice.StatusSubmitted, invoice.StatusAuthorityError:
			keys = append(keys, k)
		}
	}
	return keys, nil
}

type memLog struct {
	mu      sync.Mutex
	entries []synclog.Entry
	fail    bool
}

func (l *memLog) Append(_ context.Context, e synclog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return &synclog.PersistenceError{Err: errors.New("disk full")}
	}
	e.ID = int64(len(l.entries) + 1)
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) ByAccessKey(_ context.Context, key string, _ int) ([]synclog.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []synclog.Entry{}
	for _, e := range l.entries {
		if e.AccessKey == key {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubSigner struct {
	err error
}

func (s *stubSigner) Sign(unsigned []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append(append([]byte{}, unsigned...), []byte("<!--signed-->")...), nil
}

// stubAuthority replays scripted reception and authorization outcomes in
// order, holding the last one once the script runs out.
type stubAuthority struct {
	mu          sync.Mutex
	submits     []submitResult
	authorizes  []authorizeResult
	submitCalls int
	authCalls   int
}

type submitResult struct {
	state string
	err   error
}

type authorizeResult struct {
	state  string
	number string
	err    error
	empty  bool
}

func (a *stubAuthority) Submit(context.Context, []byte) (*authority.ReceptionResponse, string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.submits[min(a.submitCalls, len(a.submits)-1)]
	a.submitCalls++
	if r.err != nil {
		return nil, "req", "", r.err
	}
	resp := &authority.ReceptionResponse{State: r.state}
	if r.state == authority.ReceptionReturned {
		var doc authority.ReceivedDocument
		doc.Messages.Message = []authority.Message{{Identifier: "45", Text: "ERROR SECUENCIAL REGISTRADO", Kind: "ERROR"}}
		resp.Documents.Document = []authority.ReceivedDocument{doc}
	}
	return resp, "req", "raw", nil
}

func (a *stubAuthority) Authorize(context.Context, string) (*authority.AuthorizationResponse, string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.authorizes[min(a.authCalls, len(a.authorizes)-1)]
	a.authCalls++
	if r.err != nil {
		return nil, "req", "", r.err
	}
	resp := &authority.AuthorizationResponse{}
	if !r.empty {
		auth := authority.Authorization{State: r.state, Number: r.number, AuthorizedAt: "2026-03-15T12:00:00-05:00"}
		if r.state == authority.StatusNotAuthorized {
			auth.Messages.Message = []authority.Message{{Identifier: "60", Text: "CLAVE ACCESO REGISTRADA", Kind: "ERROR"}}
		}
		resp.Authorizations.Authorization = []authority.Authorization{auth}
	}
	return resp, "req", "raw", nil
}

type stubScheduler struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *stubScheduler) ScheduleRetry(_ context.Context, _ string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, delay)
	return nil
}

type stubDispatcher struct {
	mu   sync.Mutex
	keys []string
}

func (d *stubDispatcher) InvoiceAuthorized(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, key)
	return nil
}

func draftInvoice() *invoice.Invoice {
	return &invoice.Invoice{
		AccessKey:   testKey,
		Status:      invoice.StatusDraft,
		UnsignedXML: []byte("<factura><infoTributaria/></factura>"),
	}
}

func newTestEngine(store *memStore, auth *stubAuthority, log *memLog, sched *stubScheduler, disp *stubDispatcher) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var dispatch Dispatcher
	if disp != nil {
		dispatch = disp
	}
	return NewEngine(store, &stubSigner{}, auth, log, sched, dispatch, Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}, logger)
}

func TestSubmitHappyPath(t *testing.T) {
	store := newMemStore(draftInvoice())
	auth := &stubAuthority{
		submits:    []submitResult{{state: authority.ReceptionReceived}},
		authorizes: []authorizeResult{{state: authority.StatusAuthorized, number: "1503202612345"}},
	}
	log := &memLog{}
	disp := &stubDispatcher{}
	eng := newTestEngine(store, auth, log, &stubScheduler{}, disp)

	inv, err := eng.Submit(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusAuthorized, inv.Status)
	require.Equal(t, "1503202612345", inv.AuthorizationNumber)
	require.Equal(t, 1, inv.Attempts)
	require.Contains(t, string(inv.SignedXML), "<!--signed-->")
	require.Equal(t, []string{testKey}, disp.keys)

	entries, err := log.ByAccessKey(context.Background(), testKey, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, synclog.ActionSign, entries[0].Action)
	require.Equal(t, synclog.ActionSubmit, entries[1].Action)
	require.Equal(t, synclog.ActionAuthorize, entries[2].Action)
	for _, e := range entries {
		require.Equal(t, synclog.StatusOK, e.Status)
	}
}

func TestSubmitSigningFailureStaysDraft(t *testing.T) {
	store := newMemStore(draftInvoice())
	log := &memLog{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := NewEngine(store, &stubSigner{err: errors.New("certificate expired")}, &stubAuthority{}, log, nil, nil, Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, logger)

	_, err := eng.Submit(context.Background(), testKey)
	require.Error(t, err)

	inv, err := store.Get(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusDraft, inv.Status)
	require.Equal(t, 0, inv.Attempts)

	entries, _ := log.ByAccessKey(context.Background(), testKey, 0)
	require.Len(t, entries, 1)
	require.Equal(t, synclog.StatusError, entries[0].Status)
}

func TestSubmitRejectionIsTerminal(t *testing.T) {
	store := newMemStore(draftInvoice())
	auth := &stubAuthority{submits: []submitResult{{state: authority.ReceptionReturned}}}
	log := &memLog{}
	sched := &stubScheduler{}
	eng := newTestEngine(store, auth, log, sched, nil)

	inv, err := eng.Submit(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusRejected, inv.Status)
	require.Contains(t, inv.Reason, "SECUENCIAL REGISTRADO")
	require.Empty(t, sched.calls, "rejections must never be retried")

	// Another pass refuses to touch the document.
	_, err = eng.Submit(context.Background(), testKey)
	require.ErrorIs(t, err, invoice.ErrTerminal)
	require.Equal(t, 1, auth.submitCalls)
}

func TestSubmitTransportFailureSchedulesRetry(t *testing.T) {
	store := newMemStore(draftInvoice())
	netErr := &authority.NetworkError{Op: "reception", Err: errors.New("connection refused")}
	auth := &stubAuthority{submits: []submitResult{{err: netErr}}}
	log := &memLog{}
	sched := &stubScheduler{}
	eng := newTestEngine(store, auth, log, sched, nil)

	inv, err := eng.Submit(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusAuthorityError, inv.Status)
	require.Equal(t, 1, inv.Attempts)
	require.Len(t, sched.calls, 1)
	require.GreaterOrEqual(t, sched.calls[0], 500*time.Millisecond)
	require.LessOrEqual(t, sched.calls[0], time.Minute)
}

func TestSubmitExhaustedAttemptsAbandons(t *testing.T) {
	store := newMemStore(draftInvoice())
	netErr := &authority.NetworkError{Op: "reception", Err: errors.New("timeout")}
	auth := &stubAuthority{submits: []submitResult{{err: netErr}}}
	log := &memLog{}
	sched := &stubScheduler{}
	eng := newTestEngine(store, auth, log, sched, nil)

	var inv *invoice.Invoice
	var err error
	for i := 0; i < 3; i++ {
		inv, err = eng.Submit(context.Background(), testKey)
		require.NoError(t, err)
	}
	require.Equal(t, invoice.StatusAbandoned, inv.Status)
	require.Equal(t, 3, inv.Attempts)
	require.Contains(t, inv.Reason, "abandoned after 3 attempts")
	require.Len(t, sched.calls, 2, "no retry after the final attempt")

	// One submit entry per attempt plus the initial signing entry.
	entries, _ := log.ByAccessKey(context.Background(), testKey, 0)
	submitEntries := 0
	for _, e := range entries {
		if e.Action == synclog.ActionSubmit {
			submitEntries++
		}
	}
	require.Equal(t, 3, submitEntries)
}

func TestSubmitPendingAuthorizationKeepsSubmitted(t *testing.T) {
	store := newMemStore(draftInvoice())
	auth := &stubAuthority{
		submits:    []submitResult{{state: authority.ReceptionReceived}},
		authorizes: []authorizeResult{{empty: true}, {state: authority.StatusAuthorized, number: "N-1"}},
	}
	log := &memLog{}
	sched := &stubScheduler{}
	eng := newTestEngine(store, auth, log, sched, nil)

	inv, err := eng.Submit(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusSubmitted, inv.Status)
	require.Len(t, sched.calls, 1)

	// The scheduled pass finds a verdict and finishes the document.
	inv, err = eng.Submit(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusAuthorized, inv.Status)
	require.Equal(t, 1, inv.Attempts, "polling for a verdict does not burn attempts")
}

func TestSubmitNotAuthorizedIsRejected(t *testing.T) {
	store := newMemStore(draftInvoice())
	auth := &stubAuthority{
		submits:    []submitResult{{state: authority.ReceptionReceived}},
		authorizes: []authorizeResult{{state: authority.StatusNotAuthorized}},
	}
	eng := newTestEngine(store, auth, &memLog{}, &stubScheduler{}, nil)

	inv, err := eng.Submit(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusRejected, inv.Status)
	require.Contains(t, inv.Reason, "CLAVE ACCESO REGISTRADA")
}

func TestSubmitAlreadyInFlight(t *testing.T) {
	store := newMemStore(draftInvoice())
	eng := newTestEngine(store, &stubAuthority{}, &memLog{}, &stubScheduler{}, nil)

	require.True(t, eng.inflight.acquire(testKey))
	defer eng.inflight.release(testKey)

	_, err := eng.Submit(context.Background(), testKey)
	require.ErrorIs(t, err, ErrAlreadyInFlight)
}

func TestSubmitLogAppendFailureBlocksTransition(t *testing.T) {
	store := newMemStore(draftInvoice())
	auth := &stubAuthority{submits: []submitResult{{state: authority.ReceptionReceived}}}
	log := &memLog{fail: true}
	eng := newTestEngine(store, auth, log, &stubScheduler{}, nil)

	_, err := eng.Submit(context.Background(), testKey)
	var perr *synclog.PersistenceError
	require.ErrorAs(t, err, &perr)

	inv, gerr := store.Get(context.Background(), testKey)
	require.NoError(t, gerr)
	require.Equal(t, invoice.StatusDraft, inv.Status, "state must not advance past an unconfirmed log write")
}

func TestCancel(t *testing.T) {
	store := newMemStore(draftInvoice())
	log := &memLog{}
	eng := newTestEngine(store, &stubAuthority{}, log, &stubScheduler{}, nil)

	inv, err := eng.Cancel(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusAbandoned, inv.Status)

	_, err = eng.Cancel(context.Background(), testKey)
	require.ErrorIs(t, err, invoice.ErrTerminal)

	entries, _ := log.ByAccessKey(context.Background(), testKey, 0)
	require.Len(t, entries, 1)
	require.Equal(t, synclog.ActionCancel, entries[0].Action)
}

func TestSweepDrivesRecoverable(t *testing.T) {
	stuck := draftInvoice()
	stuck.Status = invoice.StatusAuthorityError
	stuck.SignedXML = []byte("<factura/>")
	stuck.Attempts = 1
	store := newMemStore(stuck)
	auth := &stubAuthority{
		submits:    []submitResult{{state: authority.ReceptionReceived}},
		authorizes: []authorizeResult{{state: authority.StatusAuthorized, number: "N-2"}},
	}
	eng := newTestEngine(store, auth, &memLog{}, &stubScheduler{}, nil)

	driven, err := eng.Sweep(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, driven)

	inv, _ := store.Get(context.Background(), testKey)
	require.Equal(t, invoice.StatusAuthorized, inv.Status)
}
