package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

// CheckoutLifecycleTestSuite проверяет путь заказа от оформления до публикации событий в Kafka.
type CheckoutLifecycleTestSuite struct {
	suite.Suite
	store    *memory.Store
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	checkout *checkout.Service
	orders   *orders.Service
	guard    *idempotency.Guard
	logger   *log.Entry
}

func (suite *CheckoutLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	suite.logger = baseLogger.WithField("component", "integration-test")

	suite.outbox = memory.NewOutboxRepository()
	suite.store = memory.NewStore(memory.WithOutbox(suite.outbox), memory.WithLockTimeout(2*time.Second))
	suite.timeline = memory.NewTimelineRepository()

	suite.checkout = checkout.NewService(suite.store,
		checkout.WithLogger(suite.logger),
		checkout.WithTimeline(suite.timeline),
		checkout.WithSortedLocking(true),
	)
	suite.orders = orders.NewService(suite.store, suite.timeline,
		orders.WithLogger(suite.logger),
		orders.WithOutbox(suite.outbox),
	)
	suite.guard = idempotency.NewGuard(memory.NewIdempotencyRepository(), idempotency.WithGuardLogger(suite.logger))
}

func (suite *CheckoutLifecycleTestSuite) product(name, price string, stock int) domain.Product {
	p, err := suite.store.Create(context.Background(), domain.Product{
		Name:          name,
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
	})
	require.NoError(suite.T(), err)
	return p
}

func (suite *CheckoutLifecycleTestSuite) stock(id int64) int {
	p, err := suite.store.Get(context.Background(), id)
	require.NoError(suite.T(), err)
	return p.StockQuantity
}

func checkoutRequest(user string, lines ...domain.CheckoutLine) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		UserID: user,
		Lines:  lines,
		Shipping: domain.ShippingAddress{
			Address:    "221B Baker St",
			City:       "London",
			State:      "LDN",
			PostalCode: "NW16XE",
			Country:    "GB",
		},
	}
}

func (suite *CheckoutLifecycleTestSuite) TestCheckoutPublishesOrderCreatedToKafka() {
	ctx := context.Background()
	laptop := suite.product("Laptop", "1999.00", 3)
	mouse := suite.product("Mouse", "49.99", 10)

	// 1. Оформляем заказ из двух позиций
	order, err := suite.checkout.Checkout(ctx, checkoutRequest("customer-1",
		domain.CheckoutLine{ProductID: laptop.ID, Quantity: 1},
		domain.CheckoutLine{ProductID: mouse.ID, Quantity: 2},
	))
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), "2098.98", order.TotalAmount.StringFixed(2))
	require.Equal(suite.T(), 2, suite.stock(laptop.ID))
	require.Equal(suite.T(), 8, suite.stock(mouse.ID))

	// 2. Outbox-воркер доставляет событие в Kafka
	mockProducer := mocks.NewSyncProducer(suite.T(), nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		value, _ := msg.Value.Encode()
		env, err := kafka.ParseEnvelope(value)
		if err != nil {
			return err
		}
		event, err := kafka.ParseOrderCreated(env)
		if err != nil {
			return err
		}
		if event.OrderNumber != order.OrderNumber || len(event.Items) != 2 {
			return errors.New("unexpected order.created payload " + string(value))
		}
		return nil
	})

	producer := kafka.NewProducerFromSync(mockProducer, suite.logger)
	worker := outbox.NewWorker(suite.outbox, kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		outbox.WithLogger(suite.logger),
	)
	require.Equal(suite.T(), 1, worker.ProcessOnce(ctx))
	require.Empty(suite.T(), suite.outbox.AllPending())
	require.NoError(suite.T(), mockProducer.Close())

	// 3. История заказа видна владельцу
	timeline, err := suite.orders.Timeline(ctx, "customer-1", order.OrderNumber)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), timeline, 1)
	require.Equal(suite.T(), domain.TimelineOrderCreated, timeline[0].Type)
}

func (suite *CheckoutLifecycleTestSuite) TestStatusLifecycleUntilDelivered() {
	ctx := context.Background()
	p := suite.product("Coffee", "12.50", 5)

	order, err := suite.checkout.Checkout(ctx, checkoutRequest("customer-2", domain.CheckoutLine{ProductID: p.ID, Quantity: 2}))
	require.NoError(suite.T(), err)

	for _, next := range []domain.OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusPreparing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	} {
		updated, err := suite.orders.ChangeStatus(ctx, order.OrderNumber, next, "admin-1")
		require.NoError(suite.T(), err)
		require.Equal(suite.T(), next, updated.Status)
	}

	// Доставленный заказ больше не меняет статус
	_, err = suite.orders.ChangeStatus(ctx, order.OrderNumber, domain.OrderStatusCancelled, "admin-1")
	require.ErrorIs(suite.T(), err, domain.ErrInvalidStatusTransition)

	timeline, err := suite.orders.Timeline(ctx, "customer-2", order.OrderNumber)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), timeline, 5)

	// order.created и четыре order.status_changed
	require.Len(suite.T(), suite.outbox.AllPending(), 5)

	// Чужой заказ не раскрывается
	_, err = suite.orders.Get(ctx, "customer-3", order.OrderNumber)
	require.ErrorIs(suite.T(), err, domain.ErrOrderNotFound)
}

func (suite *CheckoutLifecycleTestSuite) TestHotProductIsNeverOversold() {
	ctx := context.Background()
	p := suite.product("Limited sneakers", "180.00", 5)

	const buyers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := suite.checkout.Checkout(ctx, checkoutRequest("buyer", domain.CheckoutLine{ProductID: p.ID, Quantity: 1}))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientStock):
				rejected++
			default:
				suite.T().Errorf("unexpected checkout error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(suite.T(), 5, succeeded)
	require.Equal(suite.T(), buyers-5, rejected)
	require.Zero(suite.T(), suite.stock(p.ID))
	require.Len(suite.T(), suite.outbox.AllPending(), 5)
}

func (suite *CheckoutLifecycleTestSuite) TestIdempotentRetryReplaysFirstResult() {
	ctx := context.Background()
	p := suite.product("Tea", "4.00", 3)
	req := checkoutRequest("customer-4", domain.CheckoutLine{ProductID: p.ID, Quantity: 1})
	body, err := json.Marshal(req)
	require.NoError(suite.T(), err)
	hash := idempotency.RequestHash("POST /api/v1/orders", req.UserID, body)

	placeOnce := func() *idempotency.Response {
		cached, err := suite.guard.Begin(ctx, "retry-key", hash)
		require.NoError(suite.T(), err)
		if cached != nil {
			return cached
		}
		order, err := suite.checkout.Checkout(ctx, req)
		require.NoError(suite.T(), err)
		resp := idempotency.Response{Status: http.StatusCreated, Body: []byte(order.OrderNumber)}
		suite.guard.Finish(ctx, "retry-key", resp)
		return &resp
	}

	first := placeOnce()
	second := placeOnce()

	require.Equal(suite.T(), first.Body, second.Body)
	require.Equal(suite.T(), http.StatusCreated, second.Status)
	require.Equal(suite.T(), 2, suite.stock(p.ID))

	// Тот же ключ с другим телом отклоняется
	_, err = suite.guard.Begin(ctx, "retry-key", "different-hash")
	require.ErrorIs(suite.T(), err, domain.ErrIdempotencyHashMismatch)
}

func (suite *CheckoutLifecycleTestSuite) TestUndeliverableEventGoesToDeadLetterQueue() {
	ctx := context.Background()
	p := suite.product("Headphones", "89.00", 2)
	_, err := suite.checkout.Checkout(ctx, checkoutRequest("customer-5", domain.CheckoutLine{ProductID: p.ID, Quantity: 1}))
	require.NoError(suite.T(), err)

	mainProducer := mocks.NewSyncProducer(suite.T(), nil)
	for i := 0; i < 2; i++ {
		mainProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}
	dlqProducer := mocks.NewSyncProducer(suite.T(), nil)
	dlqProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.TopicDeadLetterQueue {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})

	worker := outbox.NewWorker(suite.outbox,
		kafka.NewOutboxPublisher(kafka.NewProducerFromSync(mainProducer, suite.logger), kafka.TopicOrderEvents),
		outbox.WithLogger(suite.logger),
		outbox.WithMaxAttempts(2),
		outbox.WithRetryBaseDelay(time.Millisecond),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(kafka.NewProducerFromSync(dlqProducer, suite.logger), kafka.TopicDeadLetterQueue)),
	)
	worker.ProcessOnce(ctx)

	require.Empty(suite.T(), suite.outbox.AllPending())
	require.NoError(suite.T(), mainProducer.Close())
	require.NoError(suite.T(), dlqProducer.Close())
}

func TestCheckoutLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(CheckoutLifecycleTestSuite))
}
