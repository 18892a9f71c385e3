package main

import (
	"context"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/repository"
	"github.com/shopspring/decimal"
)

func sampleCatalog() []entity.Product {
	d := decimal.RequireFromString
	return []entity.Product{
		{ID: "prod-001", Name: "Wireless Noise-Cancelling Headphones", RetailPrice: d("24999.00"), WholesalePrice: d("21500.00"), TaxRate: d("18"), Stock: 50, ReorderThreshold: 5, Active: true},
		{ID: "prod-002", Name: "Mechanical Keyboard", RetailPrice: d("6499.00"), WholesalePrice: d("5600.00"), TaxRate: d("18"), Stock: 120, ReorderThreshold: 10, Active: true},
		{ID: "prod-003", Name: "Basmati Rice 5kg", RetailPrice: d("649.00"), WholesalePrice: d("590.00"), TaxRate: d("5"), Stock: 300, ReorderThreshold: 40, Active: true},
		{ID: "prod-004", Name: "Ergonomic Office Chair", RetailPrice: d("18999.00"), TaxRate: d("12"), Stock: 25, ReorderThreshold: 3, Active: true},
		{ID: "prod-005", Name: "Fresh Milk 1L", RetailPrice: d("68.00"), TaxRate: d("0"), Stock: 200, ReorderThreshold: 30, Active: true},
		{ID: "prod-006", Name: "Laptop Backpack", RetailPrice: d("2499.00"), WholesalePrice: d("2100.00"), TaxRate: d("12"), Stock: 80, ReorderThreshold: 8, Active: true},
	}
}

// seedCatalog inserts the sample products into an empty store.
func seedCatalog(ctx context.Context, store repository.Store) error {
	return store.Atomically(ctx, func(ctx context.Context, uow repository.UnitOfWork) error {
		return uow.Products().Seed(ctx, sampleCatalog())
	})
}
