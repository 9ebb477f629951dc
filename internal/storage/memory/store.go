package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultLockTimeout ограничивает ожидание блокировки товара.
const DefaultLockTimeout = 5 * time.Second

// Store — встроенное хранилище каталога и журнала заказов.
// Строки товаров блокируются отдельным мьютексом на каждый id, поэтому
// оформления без общих товаров не мешают друг другу.
type Store struct {
	mu sync.RWMutex

	products     map[int64]domain.Product
	productLocks map[int64]chan struct{}

	orders         map[int64]domain.Order
	orderByNumber  map[string]int64
	pendingNumbers map[string]struct{}

	nextProductID int64
	nextOrderID   int64
	nextItemID    int64

	outbox      domain.OutboxRepository
	lockTimeout time.Duration
}

// StoreOption настраивает Store.
type StoreOption func(*Store)

// WithLockTimeout задаёт предел ожидания блокировки товара.
func WithLockTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithOutbox подключает outbox, в который при commit попадают события транзакции.
func WithOutbox(repo domain.OutboxRepository) StoreOption {
	return func(s *Store) {
		s.outbox = repo
	}
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		products:       make(map[int64]domain.Product),
		productLocks:   make(map[int64]chan struct{}),
		orders:         make(map[int64]domain.Order),
		orderByNumber:  make(map[string]int64),
		pendingNumbers: make(map[string]struct{}),
		lockTimeout:    DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create добавляет товар в каталог. Нулевой ID назначается автоматически.
func (s *Store) Create(_ context.Context, product domain.Product) (domain.Product, error) {
	if errs := product.Validate(); len(errs) > 0 {
		return domain.Product{}, errs[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == 0 {
		s.nextProductID++
		product.ID = s.nextProductID
	} else if _, exists := s.products[product.ID]; exists {
		return domain.Product{}, fmt.Errorf("product %d already exists", product.ID)
	}
	if product.ID > s.nextProductID {
		s.nextProductID = product.ID
	}

	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product
	return product, nil
}

// Get возвращает последнее зафиксированное состояние товара.
func (s *Store) Get(_ context.Context, id int64) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return domain.Product{}, &domain.ProductNotFoundError{ProductID: id}
	}
	return product, nil
}

// List возвращает товары по возрастанию id.
func (s *Store) List(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdatePrice меняет цену под блокировкой строки, как UPDATE в СУБД.
func (s *Store) UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) error {
	if price.IsNegative() {
		return domain.ErrPriceNegative
	}

	lock, exists := s.productLock(id)
	if !exists {
		return &domain.ProductNotFoundError{ProductID: id}
	}
	if err := s.acquire(ctx, lock); err != nil {
		return err
	}
	defer release(lock)

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[id]
	if !ok {
		return &domain.ProductNotFoundError{ProductID: id}
	}
	product.Price = price
	product.UpdatedAt = time.Now().UTC()
	s.products[id] = product
	return nil
}

// Begin открывает единицу работы оформления. Отмена ctx откатывает транзакцию.
func (s *Store) Begin(ctx context.Context) (domain.CheckoutTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := &checkoutTx{
		store:      s,
		ctx:        ctx,
		held:       make(map[int64]chan struct{}),
		decrements: make(map[int64]int),
		closed:     make(chan struct{}),
	}
	go tx.watch()
	return tx, nil
}

// productLock возвращает блокировку строки товара. Для неизвестного id блокировка
// не создаётся, иначе произвольные id из запросов раздували бы productLocks.
func (s *Store) productLock(id int64) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[id]; !exists {
		return nil, false
	}
	lock, ok := s.productLocks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		s.productLocks[id] = lock
	}
	return lock, true
}

// acquire ждёт блокировку не дольше lockTimeout и не дольше жизни ctx.
func (s *Store) acquire(ctx context.Context, lock chan struct{}) error {
	select {
	case lock <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func release(lock chan struct{}) {
	<-lock
}

var (
	_ domain.CheckoutStore     = (*Store)(nil)
	_ domain.ProductRepository = (*Store)(nil)
	_ domain.OrderRepository   = (*Store)(nil)
)
