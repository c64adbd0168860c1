package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var testClock = func() time.Time {
	return time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
}

func TestCreate_SetsReleaseWindow(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	svc := NewService(pool, repo).WithClock(testClock)

	rec, err := svc.Create(context.Background(), CreateParams{
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		ProductID: "product-1",
		Amount:    100,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	want := testClock().Add(ReleaseWindow)
	if !repo.insertedRelease.Equal(want) {
		t.Fatalf("release time %v, want %v", repo.insertedRelease, want)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status %s, want pending", rec.Status)
	}
	if pool.tx == nil || !pool.tx.committed {
		t.Fatal("expected transaction commit")
	}
}

func TestCreate_RejectsNonPositiveAmount(t *testing.T) {
	pool := &fakePool{}
	svc := NewService(pool, &fakeRepo{})

	for _, amount := range []float64{0, -1, -99.99} {
		_, err := svc.Create(context.Background(), CreateParams{
			BuyerID:   "buyer-1",
			SellerID:  "seller-1",
			ProductID: "product-1",
			Amount:    amount,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if pool.tx != nil {
		t.Fatal("validation must short-circuit before any transaction")
	}
}

func TestCreate_UnknownParty(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{partiesErr: ErrPartyNotFound}
	svc := NewService(pool, repo)

	_, err := svc.Create(context.Background(), CreateParams{
		BuyerID:   "buyer-1",
		SellerID:  "ghost",
		ProductID: "product-1",
		Amount:    10,
	})
	if !errors.Is(err, ErrPartyNotFound) {
		t.Fatalf("expected ErrPartyNotFound, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("expected rollback, not commit")
	}
	if !pool.tx.rolled {
		t.Fatal("expected rollback to be called")
	}
}

func TestConfirmReceipt_Success(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		record: Record{
			ID:      "e1",
			BuyerID: "buyer-1",
			Status:  StatusPending,
			Amount:  50,
		},
	}
	svc := NewService(pool, repo).WithClock(testClock)

	rec, err := svc.ConfirmReceipt(context.Background(), "e1", "buyer-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.Status != StatusReleased {
		t.Fatalf("status %s, want released", rec.Status)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if len(repo.events) != 1 || repo.events[0].eventType != EventReleased {
		t.Fatalf("unexpected events: %+v", repo.events)
	}
	if repo.events[0].actorID == nil || *repo.events[0].actorID != "buyer-1" {
		t.Fatalf("expected buyer as event actor, got %v", repo.events[0].actorID)
	}
	if len(repo.announced) != 1 || repo.announced[0] != TopicReleased {
		t.Fatalf("unexpected announcements: %v", repo.announced)
	}
}

func TestConfirmReceipt_ForbiddenBeforeStateCheck(t *testing.T) {
	// A non-buyer probing a released escrow must see Forbidden, not the
	// state error, or escrow status leaks to strangers.
	pool := &fakePool{}
	repo := &fakeRepo{
		record: Record{
			ID:      "e1",
			BuyerID: "buyer-1",
			Status:  StatusReleased,
		},
	}
	svc := NewService(pool, repo)

	_, err := svc.ConfirmReceipt(context.Background(), "e1", "intruder")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("expected rollback, not commit")
	}
}

func TestConfirmReceipt_NotPending(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		record: Record{
			ID:      "e1",
			BuyerID: "buyer-1",
			Status:  StatusRefunded,
		},
	}
	svc := NewService(pool, repo)

	_, err := svc.ConfirmReceipt(context.Background(), "e1", "buyer-1")
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestConfirmReceipt_NotFound(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{getErr: ErrNotFound}
	svc := NewService(pool, repo)

	_, err := svc.ConfirmReceipt(context.Background(), "missing", "buyer-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirmReceipt_EventFailureRollsBack(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		record:   Record{ID: "e1", BuyerID: "buyer-1", Status: StatusPending},
		eventErr: errors.New("events table unavailable"),
	}
	svc := NewService(pool, repo)

	if _, err := svc.ConfirmReceipt(context.Background(), "e1", "buyer-1"); err == nil {
		t.Fatal("expected error")
	}
	if pool.tx.committed {
		t.Fatal("expected rollback when event append fails")
	}
	if !pool.tx.rolled {
		t.Fatal("expected rollback to be called")
	}
}

type appendedEvent struct {
	escrowID  string
	eventType string
	actorID   *string
}

type fakeRepo struct {
	record          Record
	getErr          error
	partiesErr      error
	productErr      error
	insertErr       error
	transitionErr   error
	eventErr        error
	announceErr     error
	insertedRelease time.Time
	events          []appendedEvent
	announced       []string
}

func (f *fakeRepo) GetByID(_ context.Context, _ string) (Record, error) {
	return f.record, f.getErr
}

func (f *fakeRepo) ListForUser(_ context.Context, _ string, _ int) ([]Record, error) {
	return []Record{f.record}, f.getErr
}

func (f *fakeRepo) EnsureParties(_ context.Context, _ pgx.Tx, _, _ string) error {
	return f.partiesErr
}

func (f *fakeRepo) EnsureProduct(_ context.Context, _ pgx.Tx, _ string) error {
	return f.productErr
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, params CreateParams, releaseTime time.Time) (Record, error) {
	if f.insertErr != nil {
		return Record{}, f.insertErr
	}
	f.insertedRelease = releaseTime
	return Record{
		ID:          "generated",
		BuyerID:     params.BuyerID,
		SellerID:    params.SellerID,
		ProductID:   params.ProductID,
		Amount:      params.Amount,
		Status:      StatusPending,
		ReleaseTime: releaseTime,
	}, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, _ string) (Record, error) {
	return f.record, f.getErr
}

func (f *fakeRepo) Transition(_ context.Context, _ pgx.Tx, id string, to Status, now time.Time) (Record, error) {
	if f.transitionErr != nil {
		return Record{}, f.transitionErr
	}
	rec := f.record
	rec.ID = id
	rec.Status = to
	rec.UpdatedAt = &now
	f.record = rec
	return rec, nil
}

func (f *fakeRepo) AppendEvent(_ context.Context, _ pgx.Tx, escrowID, eventType string, actorID *string, _ map[string]any) error {
	if f.eventErr != nil {
		return f.eventErr
	}
	f.events = append(f.events, appendedEvent{escrowID: escrowID, eventType: eventType, actorID: actorID})
	return nil
}

func (f *fakeRepo) Announce(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	if f.announceErr != nil {
		return f.announceErr
	}
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
