package checkout_test

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

// TestCheckoutStockConservation: остаток = начальный остаток − проданное, и никогда не уходит в минус.
func TestCheckoutStockConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("stock is conserved across committed and rejected checkouts", prop.ForAll(
		func(stocks []int, quantities []int) bool {
			ctx := context.Background()
			store := memory.NewStore()
			svc := checkout.NewService(store)

			ids := make([]int64, 0, len(stocks))
			for i, stock := range stocks {
				p, err := store.Create(ctx, domain.Product{
					Name:          "p",
					Price:         decimal.New(int64(100+i), -2),
					StockQuantity: stock,
				})
				if err != nil {
					return false
				}
				ids = append(ids, p.ID)
			}

			sold := make(map[int64]int)
			for i, qty := range quantities {
				productID := ids[i%len(ids)]
				lines := []domain.CheckoutLine{{ProductID: productID, Quantity: qty}}
				order, err := svc.Checkout(ctx, domain.CheckoutRequest{
					UserID: "prop",
					Lines:  lines,
					Shipping: domain.ShippingAddress{
						Address: "a", City: "c", State: "s", PostalCode: "z", Country: "US",
					},
				})
				switch {
				case err == nil:
					if !order.TotalAmount.Equal(order.ItemsTotal()) {
						return false
					}
					sold[productID] += qty
				case errors.Is(err, domain.ErrInsufficientStock):
				default:
					return false
				}
			}

			for i, id := range ids {
				p, err := store.Get(ctx, id)
				if err != nil || p.StockQuantity < 0 {
					return false
				}
				if p.StockQuantity != stocks[i]-sold[id] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.IntRange(0, 20)),
		gen.SliceOf(gen.IntRange(1, 8)),
	))

	properties.TestingRun(t)
}

// TestCheckoutTotalMatchesLines: сумма заказа равна Σ цена × количество по всем строкам.
func TestCheckoutTotalMatchesLines(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("order total equals the sum of line totals", prop.ForAll(
		func(cents []int64, quantities []int) bool {
			ctx := context.Background()
			store := memory.NewStore()
			svc := checkout.NewService(store)

			expected := decimal.Zero
			lines := make([]domain.CheckoutLine, 0, len(cents))
			for i, c := range cents {
				qty := quantities[i%len(quantities)]
				price := decimal.New(c, -2)
				p, err := store.Create(ctx, domain.Product{Name: "p", Price: price, StockQuantity: qty})
				if err != nil {
					return false
				}
				lines = append(lines, domain.CheckoutLine{ProductID: p.ID, Quantity: qty})
				expected = expected.Add(price.Mul(decimal.NewFromInt(int64(qty))))
			}

			order, err := svc.Checkout(ctx, domain.CheckoutRequest{
				UserID: "prop",
				Lines:  lines,
				Shipping: domain.ShippingAddress{
					Address: "a", City: "c", State: "s", PostalCode: "z", Country: "US",
				},
			})
			if err != nil {
				return false
			}
			return order.TotalAmount.Equal(expected) && len(order.Items) == len(lines)
		},
		gen.SliceOfN(4, gen.Int64Range(0, 99999)),
		gen.SliceOfN(4, gen.IntRange(1, 50)),
	))

	properties.TestingRun(t)
}
