package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type seedCustomer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type seedProduct struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

type seedData struct {
	Customers []seedCustomer `json:"customers"`
	Products  []seedProduct  `json:"products"`
}

// seedTargets — репозитории, которые наполняет seed.
type seedTargets struct {
	customers domain.CustomerRepository
	products  domain.ProductRepository
}

// loadSeedFile читает seed-файл и создаёт отсутствующих клиентов и товары.
// Уже существующие записи пропускаются, поэтому повторный старт безопасен.
func loadSeedFile(ctx context.Context, path string, targets seedTargets, logger *log.Entry) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	return applySeed(ctx, f, targets, logger)
}

func applySeed(ctx context.Context, r io.Reader, targets seedTargets, logger *log.Entry) error {
	var data seedData
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}

	now := time.Now().UTC()
	created := 0
	for _, c := range data.Customers {
		err := targets.customers.Create(ctx, domain.Customer{
			ID:        c.ID,
			Name:      c.Name,
			Email:     c.Email,
			CreatedAt: now,
		})
		switch {
		case errors.Is(err, domain.ErrCustomerExists):
		case err != nil:
			return fmt.Errorf("seed customer %s: %w", c.ID, err)
		default:
			created++
		}
	}
	for _, p := range data.Products {
		err := targets.products.Create(ctx, domain.Product{
			ID:        p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Quantity:  p.Quantity,
			CreatedAt: now,
			UpdatedAt: now,
		})
		switch {
		case errors.Is(err, domain.ErrProductExists):
		case err != nil:
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		default:
			created++
		}
	}

	logger.WithFields(log.Fields{
		"customers": len(data.Customers),
		"products":  len(data.Products),
		"created":   created,
	}).Info("seed data loaded")
	return nil
}
