package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ltai457/StockManagementSystem-sub000/internal/domain"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrDiscountExceeded       = errors.New("discount exceeds allowed maximum")
	ErrInvalidLine            = errors.New("invalid line")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConflict               = errors.New("conflict")
	ErrInvalidRequest         = errors.New("invalid request")
)

// InsufficientStockError names the offending line so a multi-line failure can
// be highlighted item by item on the caller side.
type InsufficientStockError struct {
	Line          int
	ProductID     string
	ProductCode   string
	WarehouseCode string
	Requested     int
	Available     int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s at %s: requested %d, available %d",
		e.ProductCode, e.WarehouseCode, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type DiscountExceededError struct {
	Line               int
	ProductCode        string
	MaxDiscountPercent float64
	RequestedPercent   float64
}

func (e *DiscountExceededError) Error() string {
	if e.MaxDiscountPercent <= 0 {
		return fmt.Sprintf("price override not allowed for %s", e.ProductCode)
	}
	return fmt.Sprintf("discount %.2f%% on %s exceeds maximum %.2f%%",
		e.RequestedPercent, e.ProductCode, e.MaxDiscountPercent)
}

func (e *DiscountExceededError) Unwrap() error {
	return ErrDiscountExceeded
}

type InvalidLineError struct {
	Line   int
	Reason string
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

func (e *InvalidLineError) Unwrap() error {
	return ErrInvalidLine
}

type Repository interface {
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	ListWarehouses(ctx context.Context) ([]domain.Warehouse, error)
	GetWarehouseByCode(ctx context.Context, code string) (*domain.Warehouse, error)
	CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error)

	GetStockLevels(ctx context.Context, productID string) ([]domain.StockLevel, error)
	ListLowStock(ctx context.Context, threshold int) ([]domain.StockLevel, error)
	SetStock(ctx context.Context, productID string, warehouseCode string, newQuantity int, actor string, reason string) (*domain.StockMovement, error)
	IncreaseStock(ctx context.Context, productID string, warehouseCode string, quantity int, actor string, notes string) (*domain.StockMovement, error)
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	CancelSale(ctx context.Context, id string, at time.Time) (*domain.Sale, error)
	RefundSale(ctx context.Context, id string, actor string, at time.Time) (*domain.Sale, error)

	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	GetInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
