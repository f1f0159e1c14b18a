package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
)

func TestProductRepository_PostgresFindAndDecrement(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedCatalogForIntegrationTest(t, store)
	ctx := context.Background()
	products := store.Products()

	found, err := products.FindByIDs(ctx, []string{"product-b", "missing", "product-a"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "product-b", found[0].ID)
	require.True(t, found[0].Price.Equal(decimal.RequireFromString("7.5")))

	byName, err := products.FindByName(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "product-a", byName.ID)

	updated, err := products.DecrementQuantities(ctx, []domain.LineRequest{
		{ProductID: "product-a", Quantity: 2},
		{ProductID: "product-b", Quantity: 1},
	})
	require.NoError(t, err)
	require.Len(t, updated, 2)
	require.Equal(t, 8, updated[0].Quantity)
	require.Equal(t, 0, updated[1].Quantity)

	_, err = products.DecrementQuantities(ctx, []domain.LineRequest{{ProductID: "product-b", Quantity: 1}})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = products.DecrementQuantities(ctx, []domain.LineRequest{{ProductID: "ghost", Quantity: 1}})
	require.True(t, domain.IsNotFound(err, domain.EntityProduct), "unexpected error: %v", err)

	require.NoError(t, products.UpdatePrice(ctx, "product-a", decimal.NewFromInt(20)))
	require.True(t, domain.IsNotFound(products.UpdatePrice(ctx, "ghost", decimal.NewFromInt(1)), domain.EntityProduct))
}

func TestUnitOfWork_PostgresCommitAndRollback(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedCatalogForIntegrationTest(t, store)
	ctx := context.Background()

	order := domain.Order{
		ID:         "order-1",
		CustomerID: "customer-c",
		Items: []domain.OrderItem{
			{ID: "item-1", ProductID: "product-a", Quantity: 2, Price: decimal.RequireFromString("3.00")},
		},
		Total:     decimal.RequireFromString("6.00"),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	err := store.Do(ctx, func(ctx context.Context, repos domain.TxRepositories) error {
		if err := repos.Orders.Create(ctx, order); err != nil {
			return err
		}
		if _, err := repos.Products.DecrementQuantities(ctx, []domain.LineRequest{{ProductID: "product-a", Quantity: 2}}); err != nil {
			return err
		}
		_, err := repos.Outbox.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateTypeOrder,
			AggregateID:   order.ID,
			EventType:     domain.EventTypeOrderCreated,
			Payload:       []byte(`{}`),
		})
		return err
	})
	require.NoError(t, err)

	stored, err := store.Orders().Get(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	require.True(t, stored.Total.Equal(order.Total))

	stats, err := store.Outbox().Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingCount)

	failed := order
	failed.ID = "order-2"
	err = store.Do(ctx, func(ctx context.Context, repos domain.TxRepositories) error {
		if err := repos.Orders.Create(ctx, failed); err != nil {
			return err
		}
		_, err := repos.Products.DecrementQuantities(ctx, []domain.LineRequest{{ProductID: "product-b", Quantity: 5}})
		return err
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = store.Orders().Get(ctx, failed.ID)
	require.True(t, domain.IsNotFound(err, domain.EntityOrder), "order must be rolled back: %v", err)

	found, err := store.Products().FindByIDs(ctx, []string{"product-a", "product-b"})
	require.NoError(t, err)
	require.Equal(t, 8, found[0].Quantity)
	require.Equal(t, 1, found[1].Quantity)

	orders, err := store.Orders().ListByCustomer(ctx, "customer-c", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
}

func TestProductRepository_PostgresConcurrentDecrementsNeverOversell(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedCatalogForIntegrationTest(t, store)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Products().DecrementQuantities(context.Background(), []domain.LineRequest{{ProductID: "product-a", Quantity: 1}})
			if err == nil {
				success.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), success.Load())
	found, err := store.Products().FindByIDs(context.Background(), []string{"product-a"})
	require.NoError(t, err)
	require.Equal(t, 0, found[0].Quantity)
}

func TestCheckoutService_PostgresConcurrentOrdersNeverOversell(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedCatalogForIntegrationTest(t, store)
	svc := checkout.NewService(store.Customers(), store.Products(), store.Orders(), store)

	var (
		wg        sync.WaitGroup
		created   atomic.Int32
		shortages atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateOrder(context.Background(), "customer-c", []domain.LineRequest{{ProductID: "product-a", Quantity: 1}})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				shortages.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), created.Load())
	require.Equal(t, int32(10), shortages.Load())

	ctx := context.Background()
	found, err := store.Products().FindByIDs(ctx, []string{"product-a"})
	require.NoError(t, err)
	require.Equal(t, 0, found[0].Quantity)

	orders, err := store.Orders().ListByCustomer(ctx, "customer-c", 0)
	require.NoError(t, err)
	require.Len(t, orders, 10)

	stats, err := store.Outbox().Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, stats.PendingCount)
}

func TestCustomerRepository_Postgres(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	seedCatalogForIntegrationTest(t, store)
	ctx := context.Background()

	c, err := store.Customers().FindByID(ctx, "customer-c")
	require.NoError(t, err)
	require.Equal(t, "c@example.com", c.Email)

	_, err = store.Customers().FindByID(ctx, "nobody")
	require.True(t, domain.IsNotFound(err, domain.EntityCustomer))

	require.ErrorIs(t, store.Customers().Create(ctx, domain.Customer{ID: "customer-c"}), domain.ErrCustomerExists)
}

func TestOutboxRepository_PostgresLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	repo := store.Outbox()

	saved, err := repo.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventTypeOrderCreated,
		Payload:       []byte(`{"order_id":"order-1"}`),
	})
	require.NoError(t, err)

	pending, err := repo.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, saved.ID, pending[0].ID)

	require.NoError(t, repo.MarkSent(ctx, saved.ID))
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing"), domain.ErrOutboxMessageNotFound)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.PendingCount)
}

func TestIdempotencyRepository_PostgresLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	repo := store.Idempotency()

	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)
	created, err := repo.CreateProcessing(ctx, "idem-done", "hash-1", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	_, err = repo.CreateProcessing(ctx, "idem-done", "hash-1", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	_, err = repo.CreateProcessing(ctx, "idem-done", "hash-2", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	require.NoError(t, repo.MarkDone(ctx, "idem-done", []byte(`{"result":"ok"}`), 0))
	got, err := repo.Get(ctx, "idem-done")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.JSONEq(t, `{"result":"ok"}`, string(got.ResponseBody))
	require.True(t, got.TTLAt.Equal(ttl), "ttl mismatch: expected %s, got %s", ttl, got.TTLAt)

	_, err = repo.CreateProcessing(ctx, "idem-retry", "hash", ttl)
	require.NoError(t, err)
	require.NoError(t, repo.Release(ctx, "idem-retry"))
	_, err = repo.Get(ctx, "idem-retry")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	now := time.Now().UTC()
	_, err = repo.CreateProcessing(ctx, "idem-expired", "old", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = repo.CreateProcessing(ctx, "idem-expired", "new", now.Add(time.Hour))
	require.NoError(t, err, "expired key must be reusable")

	_, err = repo.CreateProcessing(ctx, "idem-expired-2", "h", now.Add(-time.Minute))
	require.NoError(t, err)
	removed, err := repo.DeleteExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
