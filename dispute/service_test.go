package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/escrow"
)

var testClock = func() time.Time {
	return time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
}

func TestOpen_Success(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	escrows := &fakeEscrowStore{
		record: escrow.Record{ID: "e1", Status: escrow.StatusPending},
	}
	svc := NewService(pool, repo, escrows)

	rec, err := svc.Open(context.Background(), OpenParams{
		EscrowID:      "e1",
		ComplainantID: "buyer-1",
		Description:   "  item never shipped  ",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.Description != "item never shipped" {
		t.Fatalf("description not trimmed: %q", rec.Description)
	}
	if rec.Status != StatusOpen {
		t.Fatalf("status %s, want open", rec.Status)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if len(escrows.events) != 1 || escrows.events[0].eventType != EventOpened {
		t.Fatalf("unexpected escrow timeline events: %+v", escrows.events)
	}
}

func TestOpen_EmptyDescription(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(pool, &fakeRepo{}, &fakeEscrowStore{})

	for _, desc := range []string{"", "   ", "\t\n"} {
		_, err := svc.Open(context.Background(), OpenParams{
			EscrowID:      "e1",
			ComplainantID: "buyer-1",
			Description:   desc,
		})
		if !errors.Is(err, ErrEmptyDescription) {
			t.Fatalf("description %q: expected ErrEmptyDescription, got %v", desc, err)
		}
	}
	if pool.tx != nil {
		t.Fatal("validation must short-circuit before any transaction")
	}
}

func TestOpen_EscrowNotFound(t *testing.T) {
	pool := &fakePool{}
	escrows := &fakeEscrowStore{getErr: escrow.ErrNotFound}
	svc := NewService(pool, &fakeRepo{}, escrows)

	_, err := svc.Open(context.Background(), OpenParams{
		EscrowID:      "missing",
		ComplainantID: "buyer-1",
		Description:   "no goods",
	})
	if !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestOpen_EscrowNotPending(t *testing.T) {
	pool := &fakePool{}
	escrows := &fakeEscrowStore{
		record: escrow.Record{ID: "e1", Status: escrow.StatusReleased},
	}
	svc := NewService(pool, &fakeRepo{}, escrows)

	_, err := svc.Open(context.Background(), OpenParams{
		EscrowID:      "e1",
		ComplainantID: "buyer-1",
		Description:   "released too early",
	})
	if !errors.Is(err, ErrEscrowNotPending) {
		t.Fatalf("expected ErrEscrowNotPending, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("expected rollback, not commit")
	}
}

func TestResolve_RefundsEscrow(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		record: Record{ID: "d1", EscrowID: "e1", Status: StatusOpen},
	}
	escrows := &fakeEscrowStore{
		record: escrow.Record{ID: "e1", SellerID: "s1", Amount: 30, Status: escrow.StatusPending},
	}
	svc := NewService(pool, repo, escrows).WithClock(testClock)

	rec, err := svc.Resolve(context.Background(), ResolveParams{
		DisputeID:    "d1",
		AdminID:      "admin-1",
		Resolution:   "buyer wins, refund issued",
		EscrowStatus: "refunded",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.Status != StatusResolved {
		t.Fatalf("status %s, want resolved", rec.Status)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if escrows.transitionedTo != escrow.StatusRefunded {
		t.Fatalf("escrow transitioned to %s, want refunded", escrows.transitionedTo)
	}

	var types []string
	for _, ev := range escrows.events {
		types = append(types, ev.eventType)
	}
	if len(types) != 2 || types[0] != EventResolved || types[1] != escrow.EventRefunded {
		t.Fatalf("unexpected escrow timeline: %v", types)
	}
	if len(escrows.announced) != 1 || escrows.announced[0] != escrow.TopicRefunded {
		t.Fatalf("unexpected escrow announcements: %v", escrows.announced)
	}
	if len(repo.announced) != 1 || repo.announced[0] != TopicResolved {
		t.Fatalf("unexpected dispute announcements: %v", repo.announced)
	}
}

func TestResolve_ReleasesEscrow(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		record: Record{ID: "d1", EscrowID: "e1", Status: StatusOpen},
	}
	escrows := &fakeEscrowStore{
		record: escrow.Record{ID: "e1", SellerID: "s1", Status: escrow.StatusPending},
	}
	svc := NewService(pool, repo, escrows)

	if _, err := svc.Resolve(context.Background(), ResolveParams{
		DisputeID:    "d1",
		AdminID:      "admin-1",
		Resolution:   "seller wins",
		EscrowStatus: "released",
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if escrows.transitionedTo != escrow.StatusReleased {
		t.Fatalf("escrow transitioned to %s, want released", escrows.transitionedTo)
	}
	if len(escrows.announced) != 1 || escrows.announced[0] != escrow.TopicReleased {
		t.Fatalf("unexpected announcements: %v", escrows.announced)
	}
}

func TestResolve_EmptyResolution(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeEscrowStore{})

	_, err := svc.Resolve(context.Background(), ResolveParams{
		DisputeID:    "d1",
		AdminID:      "admin-1",
		Resolution:   "   ",
		EscrowStatus: "refunded",
	})
	if !errors.Is(err, ErrEmptyResolution) {
		t.Fatalf("expected ErrEmptyResolution, got %v", err)
	}
}

func TestResolve_BadTargetStatus(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeEscrowStore{})

	for _, target := range []string{"pending", "open", "cancelled", ""} {
		_, err := svc.Resolve(context.Background(), ResolveParams{
			DisputeID:    "d1",
			AdminID:      "admin-1",
			Resolution:   "done",
			EscrowStatus: target,
		})
		if !errors.Is(err, ErrBadTargetStatus) {
			t.Fatalf("target %q: expected ErrBadTargetStatus, got %v", target, err)
		}
	}
}

func TestResolve_AlreadyResolved(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		record: Record{ID: "d1", EscrowID: "e1", Status: StatusResolved},
	}
	svc := NewService(pool, repo, &fakeEscrowStore{})

	_, err := svc.Resolve(context.Background(), ResolveParams{
		DisputeID:    "d1",
		AdminID:      "admin-1",
		Resolution:   "again",
		EscrowStatus: "refunded",
	})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("expected rollback, not commit")
	}
}

func TestResolve_MissingEscrowKeepsDisputeResolved(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		record: Record{ID: "d1", EscrowID: "gone", Status: StatusOpen},
	}
	escrows := &fakeEscrowStore{getErr: escrow.ErrNotFound}
	svc := NewService(pool, repo, escrows)

	rec, err := svc.Resolve(context.Background(), ResolveParams{
		DisputeID:    "d1",
		AdminID:      "admin-1",
		Resolution:   "escrow row lost, closing dispute",
		EscrowStatus: "refunded",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.Status != StatusResolved {
		t.Fatalf("status %s, want resolved", rec.Status)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit despite missing escrow")
	}
	if escrows.transitionedTo != "" {
		t.Fatalf("no escrow transition expected, got %s", escrows.transitionedTo)
	}
}

func TestResolve_TerminalEscrowKeptIntact(t *testing.T) {
	// The escrow was auto released before the admin got to the dispute.
	// Resolution still lands but the terminal state is never overwritten.
	pool := &fakePool{}
	repo := &fakeRepo{
		record: Record{ID: "d1", EscrowID: "e1", Status: StatusOpen},
	}
	escrows := &fakeEscrowStore{
		record: escrow.Record{ID: "e1", Status: escrow.StatusReleased},
	}
	svc := NewService(pool, repo, escrows)

	rec, err := svc.Resolve(context.Background(), ResolveParams{
		DisputeID:    "d1",
		AdminID:      "admin-1",
		Resolution:   "moot, funds already released",
		EscrowStatus: "refunded",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.Status != StatusResolved {
		t.Fatalf("status %s, want resolved", rec.Status)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if escrows.transitionedTo != "" {
		t.Fatalf("terminal escrow must not transition, got %s", escrows.transitionedTo)
	}
	if len(escrows.events) != 1 || escrows.events[0].eventType != EventResolved {
		t.Fatalf("expected only the resolution marker on the timeline, got %+v", escrows.events)
	}
}

type timelineEvent struct {
	escrowID  string
	eventType string
	actorID   *string
}

type fakeEscrowStore struct {
	record         escrow.Record
	getErr         error
	transitionErr  error
	transitionedTo escrow.Status
	events         []timelineEvent
	announced      []string
}

func (f *fakeEscrowStore) GetForUpdate(_ context.Context, _ pgx.Tx, _ string) (escrow.Record, error) {
	return f.record, f.getErr
}

func (f *fakeEscrowStore) Transition(_ context.Context, _ pgx.Tx, id string, to escrow.Status, now time.Time) (escrow.Record, error) {
	if f.transitionErr != nil {
		return escrow.Record{}, f.transitionErr
	}
	f.transitionedTo = to
	rec := f.record
	rec.ID = id
	rec.Status = to
	rec.UpdatedAt = &now
	return rec, nil
}

func (f *fakeEscrowStore) AppendEvent(_ context.Context, _ pgx.Tx, escrowID, eventType string, actorID *string, _ map[string]any) error {
	f.events = append(f.events, timelineEvent{escrowID: escrowID, eventType: eventType, actorID: actorID})
	return nil
}

func (f *fakeEscrowStore) Announce(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.announced = append(f.announced, topic)
	return nil
}

type fakeRepo struct {
	record    Record
	getErr    error
	insertErr error
	markErr   error
	announced []string
}

func (f *fakeRepo) GetByID(_ context.Context, _ string) (Record, error) {
	return f.record, f.getErr
}

func (f *fakeRepo) ListForEscrow(_ context.Context, _ string) ([]Record, error) {
	return []Record{f.record}, f.getErr
}

func (f *fakeRepo) ListForComplainant(_ context.Context, _ string) ([]Record, error) {
	return []Record{f.record}, f.getErr
}

func (f *fakeRepo) ListUnresolved(_ context.Context) ([]Record, error) {
	return []Record{f.record}, f.getErr
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, params OpenParams) (Record, error) {
	if f.insertErr != nil {
		return Record{}, f.insertErr
	}
	return Record{
		ID:            "generated",
		EscrowID:      params.EscrowID,
		ComplainantID: params.ComplainantID,
		Description:   params.Description,
		Status:        StatusOpen,
	}, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, _ string) (Record, error) {
	return f.record, f.getErr
}

func (f *fakeRepo) MarkResolved(_ context.Context, _ pgx.Tx, id, resolution string, now time.Time) (Record, error) {
	if f.markErr != nil {
		return Record{}, f.markErr
	}
	rec := f.record
	rec.ID = id
	rec.Status = StatusResolved
	rec.Resolution = &resolution
	rec.UpdatedAt = &now
	return rec, nil
}

func (f *fakeRepo) Announce(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.announced = append(f.announced, topic)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
