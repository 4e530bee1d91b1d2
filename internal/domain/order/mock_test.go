package order

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/screening/screening/internal/domain/publictoken"
	"github.com/screening/screening/internal/platform/audit"
)

// memStore is an in-memory implementation of every repository. fakeTx
// snapshots it so a failed transaction leaves no trace, audit events
// included.
type memStore struct {
	patients  map[uuid.UUID]Patient
	orders    map[uuid.UUID]Order
	sessions  map[uuid.UUID]Session // by order id
	responses []TestResponse
	results   map[uuid.UUID]Result // by order id
	idem      map[string][]byte
	consents  map[uuid.UUID]Consent // by order id
	deletions map[uuid.UUID]DeletionRequest
	events    []*audit.Event

	// recordErr fails the next audit write; a rollback clears it.
	recordErr error
}

func newMemStore() *memStore {
	return &memStore{
		patients:  make(map[uuid.UUID]Patient),
		orders:    make(map[uuid.UUID]Order),
		sessions:  make(map[uuid.UUID]Session),
		results:   make(map[uuid.UUID]Result),
		idem:      make(map[string][]byte),
		consents:  make(map[uuid.UUID]Consent),
		deletions: make(map[uuid.UUID]DeletionRequest),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *memStore) snapshot() *memStore {
	return &memStore{
		patients:  copyMap(m.patients),
		orders:    copyMap(m.orders),
		sessions:  copyMap(m.sessions),
		responses: append([]TestResponse(nil), m.responses...),
		results:   copyMap(m.results),
		idem:      copyMap(m.idem),
		consents:  copyMap(m.consents),
		deletions: copyMap(m.deletions),
		events:    append([]*audit.Event(nil), m.events...),
	}
}

func (m *memStore) restore(s *memStore) { *m = *s }

func (m *memStore) Stores() Stores {
	return Stores{
		Patients:    memPatients{m},
		Orders:      memOrders{m},
		Sessions:    memSessions{m},
		Responses:   memResponses{m},
		Results:     memResults{m},
		Idempotency: memIdempotency{m},
		Consents:    memConsents{m},
		Deletions:   memDeletions{m},
	}
}

func (m *memStore) order(id uuid.UUID) Order { return m.orders[id] }

func (m *memStore) ofType(eventType string) []*audit.Event {
	var out []*audit.Event
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Record makes memStore an audit.Sink whose events roll back with the
// transaction, as PGSink does.
func (m *memStore) Record(_ context.Context, e *audit.Event) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	m.events = append(m.events, e)
	return nil
}

type memPatients struct{ m *memStore }

func (r memPatients) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	r.m.patients[p.ID] = *p
	return nil
}

func (r memPatients) GetByID(_ context.Context, orgID string, id uuid.UUID) (*Patient, error) {
	p, ok := r.m.patients[id]
	if !ok || p.OrgID != orgID {
		return nil, ErrNotFound
	}
	return &p, nil
}

type memOrders struct{ m *memStore }

func (r memOrders) Create(_ context.Context, o *Order) error {
	o.ID = uuid.New()
	r.m.orders[o.ID] = *o
	return nil
}

func (r memOrders) GetByID(_ context.Context, orgID string, id uuid.UUID) (*Order, error) {
	o, ok := r.m.orders[id]
	if !ok || o.OrgID != orgID {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (r memOrders) GetForUpdate(_ context.Context, orgID string, id uuid.UUID) (*Order, error) {
	o, ok := r.m.orders[id]
	if !ok || (orgID != "" && o.OrgID != orgID) {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (r memOrders) Update(_ context.Context, o *Order) error {
	prev, ok := r.m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if !prev.DataRetentionUntil.Equal(o.DataRetentionUntil) {
		return fmt.Errorf("data_retention_until is immutable")
	}
	r.m.orders[o.ID] = *o
	return nil
}

func (r memOrders) List(_ context.Context, orgID string, statuses []string, limit, offset int) ([]*Order, int, error) {
	want := map[string]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var all []*Order
	for _, o := range r.m.orders {
		if o.OrgID != orgID || o.DeletionStatus == DeletionDeleted || (len(want) > 0 && !want[o.Status]) {
			continue
		}
		o := o
		all = append(all, &o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

func (r memOrders) ListInbox(_ context.Context, orgID string, limit, offset int) ([]*InboxItem, int, error) {
	var items []*InboxItem
	for _, o := range r.m.orders {
		if o.OrgID != orgID || o.Status != StatusAwaitingReview || o.DeletionStatus == DeletionDeleted {
			continue
		}
		p := r.m.patients[o.PatientID]
		it := &InboxItem{OrderID: o.ID, PatientName: p.FullName, PatientMRN: p.MRN,
			BatteryCode: o.BatteryCode, Status: o.Status, CompletedAt: o.CompletedAt}
		if res, ok := r.m.results[o.ID]; ok {
			it.PrimarySeverity, it.HasRedFlags = res.PrimarySeverity, res.HasRedFlags
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].HasRedFlags != items[j].HasRedFlags {
			return items[i].HasRedFlags
		}
		return items[i].CompletedAt.Before(*items[j].CompletedAt)
	})
	return page(items, limit, offset), len(items), nil
}

func (r memOrders) ListLinkExpired(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	var out []*Order
	for _, o := range r.m.orders {
		if (o.Status == StatusCreated || o.Status == StatusInProgress) &&
			o.PublicLinkExpiresAt != nil && o.PublicLinkExpiresAt.Before(now) {
			o := o
			out = append(out, &o)
		}
	}
	return page(out, limit, 0), nil
}

func (r memOrders) ListRetentionDue(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	var out []*Order
	for _, o := range r.m.orders {
		if o.DeletionStatus == DeletionActive && o.DataRetentionUntil.Before(now) {
			o := o
			out = append(out, &o)
		}
	}
	return page(out, limit, 0), nil
}

type memSessions struct{ m *memStore }

func (r memSessions) Create(_ context.Context, s *Session) error {
	s.ID = uuid.New()
	r.m.sessions[s.OrderID] = *s
	return nil
}

func (r memSessions) GetByOrder(_ context.Context, orderID uuid.UUID) (*Session, error) {
	s, ok := r.m.sessions[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r memSessions) GetByOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*Session, error) {
	return r.GetByOrder(ctx, orderID)
}

func (r memSessions) Update(_ context.Context, s *Session) error {
	r.m.sessions[s.OrderID] = *s
	return nil
}

func (r memSessions) DeleteByOrder(_ context.Context, orderID uuid.UUID) (int64, error) {
	if _, ok := r.m.sessions[orderID]; !ok {
		return 0, nil
	}
	delete(r.m.sessions, orderID)
	return 1, nil
}

type memResponses struct{ m *memStore }

func (r memResponses) Create(_ context.Context, tr *TestResponse) error {
	for _, existing := range r.m.responses {
		if existing.SessionID == tr.SessionID && existing.TestCode == tr.TestCode {
			return fmt.Errorf("duplicate test response")
		}
	}
	tr.ID = uuid.New()
	// Round-trip the answers the way the JSONB column does.
	raw, _ := json.Marshal(tr.Answers)
	stored := *tr
	stored.Answers = nil
	_ = json.Unmarshal(raw, &stored.Answers)
	r.m.responses = append(r.m.responses, stored)
	return nil
}

func (r memResponses) ListBySession(_ context.Context, sessionID uuid.UUID) ([]TestResponse, error) {
	var out []TestResponse
	for _, tr := range r.m.responses {
		if tr.SessionID == sessionID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (r memResponses) DeleteByOrder(_ context.Context, orderID uuid.UUID) (int64, error) {
	var keep []TestResponse
	var n int64
	for _, tr := range r.m.responses {
		if tr.OrderID == orderID {
			n++
			continue
		}
		keep = append(keep, tr)
	}
	r.m.responses = keep
	return n, nil
}

type memResults struct{ m *memStore }

func (r memResults) Create(_ context.Context, res *Result) error {
	if _, ok := r.m.results[res.OrderID]; ok {
		return fmt.Errorf("duplicate result")
	}
	res.ID = uuid.New()
	r.m.results[res.OrderID] = *res
	return nil
}

func (r memResults) GetByOrder(_ context.Context, orderID uuid.UUID) (*Result, error) {
	res, ok := r.m.results[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &res, nil
}

func (r memResults) DeleteByOrder(_ context.Context, orderID uuid.UUID) (int64, error) {
	if _, ok := r.m.results[orderID]; !ok {
		return 0, nil
	}
	delete(r.m.results, orderID)
	return 1, nil
}

type memIdempotency struct{ m *memStore }

func idemKey(sessionID uuid.UUID, key string) string { return sessionID.String() + "|" + key }

func (r memIdempotency) Get(_ context.Context, sessionID uuid.UUID, key string) ([]byte, error) {
	b, ok := r.m.idem[idemKey(sessionID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (r memIdempotency) Put(_ context.Context, sessionID uuid.UUID, key string, response []byte) error {
	k := idemKey(sessionID, key)
	if _, ok := r.m.idem[k]; ok {
		return fmt.Errorf("duplicate idempotency key")
	}
	r.m.idem[k] = response
	return nil
}

func (r memIdempotency) DeleteByOrder(_ context.Context, orderID uuid.UUID) (int64, error) {
	s, ok := r.m.sessions[orderID]
	if !ok {
		return 0, nil
	}
	var n int64
	for k := range r.m.idem {
		if len(k) > 36 && k[:36] == s.ID.String() {
			delete(r.m.idem, k)
			n++
		}
	}
	return n, nil
}

type memConsents struct{ m *memStore }

func (r memConsents) Create(_ context.Context, c *Consent) error {
	if _, ok := r.m.consents[c.OrderID]; ok {
		return fmt.Errorf("duplicate consent")
	}
	c.ID = uuid.New()
	r.m.consents[c.OrderID] = *c
	return nil
}

func (r memConsents) GetByOrder(_ context.Context, orderID uuid.UUID) (*Consent, error) {
	c, ok := r.m.consents[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r memConsents) DeleteByOrder(_ context.Context, orderID uuid.UUID) (int64, error) {
	if _, ok := r.m.consents[orderID]; !ok {
		return 0, nil
	}
	delete(r.m.consents, orderID)
	return 1, nil
}

type memDeletions struct{ m *memStore }

func (r memDeletions) Create(_ context.Context, d *DeletionRequest) error {
	d.ID = uuid.New()
	r.m.deletions[d.ID] = *d
	return nil
}

func (r memDeletions) GetForUpdate(_ context.Context, orgID string, id uuid.UUID) (*DeletionRequest, error) {
	d, ok := r.m.deletions[id]
	if !ok || d.OrgID != orgID {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (r memDeletions) Update(_ context.Context, d *DeletionRequest) error {
	r.m.deletions[d.ID] = *d
	return nil
}

func (r memDeletions) HasOpen(_ context.Context, orderID uuid.UUID) (bool, error) {
	for _, d := range r.m.deletions {
		if d.OrderID == orderID && (d.Status == DeletionRequested || d.Status == DeletionApproved) {
			return true, nil
		}
	}
	return false, nil
}

// fakeTx restores the store snapshot when fn fails. Nested calls join the
// outer transaction.
type fakeTx struct {
	store     *memStore
	depth     int
	commits   int
	rollbacks int
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if f.depth > 0 {
		return fn(ctx)
	}
	snap := f.store.snapshot()
	f.depth++
	err := fn(ctx)
	f.depth--
	if err != nil {
		f.store.restore(snap)
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

type fakeTokens struct {
	issued   int
	reissued int
	deleted  map[uuid.UUID]bool
	now      time.Time
}

func (f *fakeTokens) Issue(_ context.Context, orderID uuid.UUID) (*publictoken.Issued, error) {
	f.issued++
	return &publictoken.Issued{TokenID: uuid.New(), OrderID: orderID,
		Secret: fmt.Sprintf("secret-%d", f.issued), ExpiresAt: f.now.Add(24 * time.Hour)}, nil
}

func (f *fakeTokens) Reissue(ctx context.Context, orderID uuid.UUID) (*publictoken.Issued, error) {
	f.reissued++
	return f.Issue(ctx, orderID)
}

func (f *fakeTokens) DeleteForOrder(_ context.Context, orderID uuid.UUID) (int64, error) {
	if f.deleted == nil {
		f.deleted = make(map[uuid.UUID]bool)
	}
	f.deleted[orderID] = true
	return 2, nil
}

type fakeReports struct {
	releasableErr  error
	deliverableErr error
	summary        *ReportSummary
	document       json.RawMessage
	download       *Download
	downloads      []string
	deleted        []uuid.UUID
	purged         []string
}

func (f *fakeReports) CheckReleasable(context.Context, uuid.UUID) error { return f.releasableErr }

func (f *fakeReports) CheckDeliverable(context.Context, uuid.UUID) error {
	if f.releasableErr != nil {
		return f.releasableErr
	}
	return f.deliverableErr
}

func (f *fakeReports) ActiveSummary(context.Context, uuid.UUID) (*ReportSummary, error) {
	return f.summary, nil
}

func (f *fakeReports) ActiveDocument(context.Context, uuid.UUID) (json.RawMessage, error) {
	return f.document, nil
}

func (f *fakeReports) Download(_ context.Context, _ uuid.UUID, channel string) (*Download, error) {
	f.downloads = append(f.downloads, channel)
	return f.download, nil
}

func (f *fakeReports) DeleteForOrder(_ context.Context, orderID uuid.UUID) (int64, []string, error) {
	f.deleted = append(f.deleted, orderID)
	return 1, []string{"reports/" + orderID.String() + ".pdf"}, nil
}

func (f *fakeReports) PurgeBlobs(_ context.Context, keys []string) {
	f.purged = append(f.purged, keys...)
}
