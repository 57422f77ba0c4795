package store

import (
	"context"
	"database/sql"
	"errors"

	"recharge-service/internal/models"

	"github.com/shopspring/decimal"
)

// ErrPackageNotFound is returned for unknown or inactive packages.
var ErrPackageNotFound = errors.New("package not found")

// GetActivePackages retrieves purchasable packages in display order
func (s *Store) GetActivePackages(ctx context.Context) ([]models.RechargePackage, error) {
	var pkgs []models.RechargePackage
	err := s.db.SelectContext(ctx, &pkgs,
		"SELECT * FROM recharge_packages WHERE is_active = TRUE ORDER BY sort_order")
	return pkgs, err
}

// GetPackageByID retrieves one active package
func (s *Store) GetPackageByID(ctx context.Context, id int64) (*models.RechargePackage, error) {
	var pkg models.RechargePackage
	err := s.db.GetContext(ctx, &pkg,
		"SELECT * FROM recharge_packages WHERE id = $1 AND is_active = TRUE", id)
	if err == sql.ErrNoRows {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// SeedPackages upserts the package catalog. Idempotent; invoked once at
// startup instead of ad-hoc seeding scripts.
func (s *Store) SeedPackages(ctx context.Context, pkgs []models.RechargePackage) error {
	for _, pkg := range pkgs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO recharge_packages (id, name, description, amount, points, bonus_points, is_active, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				amount = EXCLUDED.amount,
				points = EXCLUDED.points,
				bonus_points = EXCLUDED.bonus_points,
				is_active = EXCLUDED.is_active,
				sort_order = EXCLUDED.sort_order`,
			pkg.ID, pkg.Name, pkg.Description, pkg.Amount, pkg.Points,
			pkg.BonusPoints, pkg.IsActive, pkg.SortOrder)
		if err != nil {
			return err
		}
	}
	return nil
}

// DefaultPackages is the standard catalog seeded at startup.
func DefaultPackages() []models.RechargePackage {
	return []models.RechargePackage{
		{ID: 1, Name: "Starter", Description: "Try it out", Amount: decimal.RequireFromString("9.90"), Points: 100, BonusPoints: 10, IsActive: true, SortOrder: 1},
		{ID: 2, Name: "Standard", Description: "Everyday use", Amount: decimal.RequireFromString("29.90"), Points: 300, BonusPoints: 50, IsActive: true, SortOrder: 2},
		{ID: 3, Name: "Pro", Description: "Heavy use", Amount: decimal.RequireFromString("58.00"), Points: 600, BonusPoints: 120, IsActive: true, SortOrder: 3},
		{ID: 4, Name: "Team", Description: "Shared pool", Amount: decimal.RequireFromString("99.00"), Points: 1000, BonusPoints: 250, IsActive: true, SortOrder: 4},
		{ID: 5, Name: "VIP", Description: "Bulk points", Amount: decimal.RequireFromString("188.00"), Points: 2000, BonusPoints: 600, IsActive: true, SortOrder: 5},
	}
}
