package report

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/screening/screening/internal/domain/order"
	"github.com/screening/screening/internal/platform/audit"
	"github.com/screening/screening/internal/platform/renderer"
)

// memStore backs the report repository and the order-side lookups the
// service needs. fakeTx snapshots it so failed transactions leave no trace.
type memStore struct {
	orders   map[uuid.UUID]order.Order
	patients map[uuid.UUID]order.Patient
	results  map[uuid.UUID]order.Result // by order id
	reports  map[uuid.UUID]Report
	events   []*audit.Event
	seq      time.Time

	setPDFErr error
}

func newMemStore(now time.Time) *memStore {
	return &memStore{
		orders:   make(map[uuid.UUID]order.Order),
		patients: make(map[uuid.UUID]order.Patient),
		results:  make(map[uuid.UUID]order.Result),
		reports:  make(map[uuid.UUID]Report),
		seq:      now,
	}
}

func clone[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *memStore) snapshot() *memStore {
	s := *m
	s.orders = clone(m.orders)
	s.patients = clone(m.patients)
	s.results = clone(m.results)
	s.reports = clone(m.reports)
	s.events = append([]*audit.Event(nil), m.events...)
	return &s
}

func (m *memStore) Record(_ context.Context, e *audit.Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) ofType(eventType string) []*audit.Event {
	var out []*audit.Event
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) versions(orderID uuid.UUID) []Report {
	var out []Report
	for _, r := range m.reports {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type fakeTx struct {
	store     *memStore
	rollbacks int
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := f.store.snapshot()
	if err := fn(ctx); err != nil {
		*f.store = *snap
		f.rollbacks++
		return err
	}
	return nil
}

// memReports implements Repository on top of memStore.
type memReports struct{ m *memStore }

func (r memReports) Create(_ context.Context, rep *Report) error {
	for _, other := range r.m.reports {
		if other.OrderID == rep.OrderID && other.IsActive && rep.IsActive {
			return errors.New("duplicate active report")
		}
	}
	r.m.seq = r.m.seq.Add(time.Second)
	rep.CreatedAt = r.m.seq
	stored := *rep
	stored.Document = append(json.RawMessage(nil), rep.Document...)
	r.m.reports[rep.ID] = stored
	return nil
}

func (r memReports) GetActive(_ context.Context, orderID uuid.UUID) (*Report, error) {
	for _, rep := range r.m.reports {
		if rep.OrderID == orderID && rep.IsActive {
			return &rep, nil
		}
	}
	return nil, ErrNotFound
}

func (r memReports) GetActiveForUpdate(ctx context.Context, orderID uuid.UUID) (*Report, error) {
	return r.GetActive(ctx, orderID)
}

func (r memReports) Deactivate(_ context.Context, id uuid.UUID) error {
	rep := r.m.reports[id]
	rep.IsActive = false
	r.m.reports[id] = rep
	return nil
}

// UpdateSignoff and the other updates copy only their own columns, so a
// stored document can never change.
func (r memReports) UpdateSignoff(_ context.Context, rep *Report) error {
	stored, ok := r.m.reports[rep.ID]
	if !ok {
		return ErrNotFound
	}
	stored.SignoffStatus, stored.SignoffMethod = rep.SignoffStatus, rep.SignoffMethod
	stored.SignedByName, stored.SignedByRole = rep.SignedByName, rep.SignedByRole
	stored.SignoffReason, stored.SignedAt = rep.SignoffReason, rep.SignedAt
	r.m.reports[rep.ID] = stored
	return nil
}

func (r memReports) UpdateReview(_ context.Context, rep *Report) error {
	stored, ok := r.m.reports[rep.ID]
	if !ok {
		return ErrNotFound
	}
	stored.ReviewStatus, stored.ReviewedBy, stored.ReviewedAt = rep.ReviewStatus, rep.ReviewedBy, rep.ReviewedAt
	r.m.reports[rep.ID] = stored
	return nil
}

func (r memReports) SetPDF(_ context.Context, id uuid.UUID, key, sha256 string, size int64) error {
	if r.m.setPDFErr != nil {
		return r.m.setPDFErr
	}
	stored, ok := r.m.reports[id]
	if !ok {
		return ErrNotFound
	}
	stored.PDFKey, stored.PDFSHA256, stored.PDFSize = &key, &sha256, &size
	r.m.reports[id] = stored
	return nil
}

func (r memReports) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*Report, error) {
	var out []*Report
	for _, rep := range r.m.versions(orderID) {
		rep := rep
		out = append(out, &rep)
	}
	return out, nil
}

func (r memReports) DeleteByOrder(_ context.Context, orderID uuid.UUID) (int64, []string, error) {
	var n int64
	var keys []string
	for id, rep := range r.m.reports {
		if rep.OrderID != orderID {
			continue
		}
		n++
		if rep.PDFKey != nil {
			keys = append(keys, *rep.PDFKey)
		}
		delete(r.m.reports, id)
	}
	return n, keys, nil
}

// memOrders embeds the interface; methods the report service never calls
// panic if reached.
type memOrders struct {
	order.OrderRepository
	m *memStore
}

func (r memOrders) GetByID(_ context.Context, orgID string, id uuid.UUID) (*order.Order, error) {
	o, ok := r.m.orders[id]
	if !ok || o.OrgID != orgID {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (r memOrders) GetForUpdate(_ context.Context, orgID string, id uuid.UUID) (*order.Order, error) {
	o, ok := r.m.orders[id]
	if !ok || (orgID != "" && o.OrgID != orgID) {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

type memPatients struct {
	order.PatientRepository
	m *memStore
}

func (r memPatients) GetByID(_ context.Context, orgID string, id uuid.UUID) (*order.Patient, error) {
	p, ok := r.m.patients[id]
	if !ok || p.OrgID != orgID {
		return nil, order.ErrNotFound
	}
	return &p, nil
}

type memResults struct {
	order.ResultRepository
	m *memStore
}

func (r memResults) GetByOrder(_ context.Context, orderID uuid.UUID) (*order.Result, error) {
	res, ok := r.m.results[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &res, nil
}

type fakeRenderer struct {
	calls []renderer.Request
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, req renderer.Request) ([]byte, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.4 report " + req.Signoff.Status), nil
}
