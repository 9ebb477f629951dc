package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type seedProduct struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
}

// seedCatalog загружает товары из JSON-файла в каталог. Товары с уже занятым id пропускаются.
func seedCatalog(ctx context.Context, path string, products domain.ProductRepository, logger *log.Entry) (int, error) {
	if path == "" {
		return 0, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}

	var items []seedProduct
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, fmt.Errorf("decode seed file %s: %w", path, err)
	}

	created := 0
	for _, item := range items {
		if item.ID != 0 {
			if _, err := products.Get(ctx, item.ID); err == nil {
				continue
			}
		}
		if _, err := products.Create(ctx, domain.Product{
			ID:            item.ID,
			Name:          item.Name,
			Price:         item.Price,
			StockQuantity: item.StockQuantity,
		}); err != nil {
			return created, fmt.Errorf("seed product %q: %w", item.Name, err)
		}
		created++
	}

	logger.WithFields(log.Fields{
		"file":    path,
		"created": created,
		"total":   len(items),
	}).Info("catalog seeded")
	return created, nil
}
