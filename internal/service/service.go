package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ltai457/StockManagementSystem-sub000/internal/cache"
	"github.com/ltai457/StockManagementSystem-sub000/internal/docnum"
	"github.com/ltai457/StockManagementSystem-sub000/internal/domain"
	"github.com/ltai457/StockManagementSystem-sub000/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// numberAttempts bounds the regenerate-on-collision loop for document numbers.
const numberAttempts = 3

type Service struct {
	repo              store.Repository
	stockCache        cache.StockCache
	stockCacheTTL     time.Duration
	lowStockThreshold int
	log               *logrus.Logger
}

func New(repo store.Repository, stockCache cache.StockCache, stockCacheTTL time.Duration, lowStockThreshold int, logger *logrus.Logger) *Service {
	if stockCache == nil {
		stockCache = cache.NoopStockCache{}
	}
	if stockCacheTTL <= 0 {
		stockCacheTTL = 30 * time.Second
	}
	if lowStockThreshold < 0 {
		lowStockThreshold = 0
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Service{
		repo:              repo,
		stockCache:        stockCache,
		stockCacheTTL:     stockCacheTTL,
		lowStockThreshold: lowStockThreshold,
		log:               logger,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.repo.GetProductByID(ctx, id)
}

func (s *Service) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	return s.repo.ListWarehouses(ctx)
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) RegisterProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if req.Code == "" || req.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if req.RetailPrice.Sign() <= 0 {
		return nil, store.ErrInvalidRequest
	}
	if req.MaxDiscountPercent < 0 || req.MaxDiscountPercent > 100 {
		return nil, store.ErrInvalidRequest
	}

	product := domain.Product{
		Code:               req.Code,
		Name:               req.Name,
		Brand:              strings.TrimSpace(req.Brand),
		RetailPrice:        req.RetailPrice,
		TradePrice:         req.TradePrice,
		CostPrice:          req.CostPrice,
		IsPriceOverridable: req.IsPriceOverridable,
		MaxDiscountPercent: req.MaxDiscountPercent,
	}
	return s.repo.CreateProduct(ctx, product)
}

func (s *Service) RegisterWarehouse(ctx context.Context, req domain.WarehouseCreateRequest) (*domain.Warehouse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if req.Code == "" || req.Name == "" {
		return nil, store.ErrInvalidRequest
	}

	return s.repo.CreateWarehouse(ctx, domain.Warehouse{Code: req.Code, Name: req.Name})
}

// GetStock reads per-warehouse levels through the snapshot cache.
func (s *Service) GetStock(ctx context.Context, productID string) (*domain.StockResponse, error) {
	product, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	if levels, ok, err := s.stockCache.Get(ctx, productID); err != nil {
		s.log.WithError(err).WithField("product_id", productID).Warn("stock cache read failed")
	} else if ok {
		return stockResponse(product, levels), nil
	}

	rows, err := s.repo.GetStockLevels(ctx, productID)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]int, len(rows))
	for _, row := range rows {
		levels[row.WarehouseCode] = row.Quantity
	}

	if err := s.stockCache.Set(ctx, productID, levels, s.stockCacheTTL); err != nil {
		s.log.WithError(err).WithField("product_id", productID).Warn("stock cache write failed")
	}
	return stockResponse(product, levels), nil
}

func stockResponse(product *domain.Product, levels map[string]int) *domain.StockResponse {
	total := 0
	for _, qty := range levels {
		total += qty
	}
	return &domain.StockResponse{
		ProductID:   product.ID,
		ProductCode: product.Code,
		Levels:      levels,
		Total:       total,
	}
}

func (s *Service) invalidateStock(ctx context.Context, productIDs ...string) {
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		if id == "" {
			continue
		}
		if _, done := seen[id]; done {
			continue
		}
		seen[id] = struct{}{}
		if err := s.stockCache.Invalidate(ctx, id); err != nil {
			s.log.WithError(err).WithField("product_id", id).Warn("stock cache invalidation failed")
		}
	}
}

func (s *Service) UpdateStock(ctx context.Context, productID string, req domain.StockUpdateRequest) (*domain.StockMovement, error) {
	actor, _ := ActorFromContext(ctx)

	if req.WarehouseCode == "" || req.NewQuantity < 0 {
		return nil, store.ErrInvalidRequest
	}

	movement, err := s.repo.SetStock(ctx, productID, req.WarehouseCode, req.NewQuantity, actor.Username, req.Reason)
	if err != nil {
		return nil, err
	}
	s.invalidateStock(ctx, productID)
	return movement, nil
}

func (s *Service) Restock(ctx context.Context, productID string, req domain.RestockRequest) (*domain.StockMovement, error) {
	actor, _ := ActorFromContext(ctx)

	if req.WarehouseCode == "" || req.Quantity < 1 {
		return nil, store.ErrInvalidRequest
	}

	movement, err := s.repo.IncreaseStock(ctx, productID, req.WarehouseCode, req.Quantity, actor.Username, req.Notes)
	if err != nil {
		return nil, err
	}
	s.invalidateStock(ctx, productID)
	return movement, nil
}

func (s *Service) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) ListLowStock(ctx context.Context) ([]domain.StockLevel, error) {
	return s.repo.ListLowStock(ctx, s.lowStockThreshold)
}

// validateLinePrice enforces the product's discount policy against the unit
// price the caller asked for. A nil unit price means the caller did not set
// one and the catalog retail price applies; an explicit zero is a 100%
// discount and goes through the policy like any other markdown.
func validateLinePrice(line int, product domain.Product, requested *decimal.Decimal) (decimal.Decimal, error) {
	if requested == nil {
		return product.RetailPrice, nil
	}
	unitPrice := *requested
	if unitPrice.Sign() < 0 {
		return decimal.Zero, &store.InvalidLineError{Line: line, Reason: "unit price must not be negative"}
	}
	if unitPrice.GreaterThanOrEqual(product.RetailPrice) {
		return unitPrice, nil
	}

	if !product.IsPriceOverridable {
		return decimal.Zero, &store.DiscountExceededError{
			Line:        line,
			ProductCode: product.Code,
		}
	}

	discount := product.RetailPrice.Sub(unitPrice).
		Div(product.RetailPrice).
		Mul(decimal.NewFromInt(100))
	requestedPercent, _ := discount.Float64()
	if requestedPercent > product.MaxDiscountPercent {
		return decimal.Zero, &store.DiscountExceededError{
			Line:               line,
			ProductCode:        product.Code,
			MaxDiscountPercent: product.MaxDiscountPercent,
			RequestedPercent:   requestedPercent,
		}
	}
	return unitPrice, nil
}

// CreateSale validates the customer, every line's warehouse and discount, then
// hands the whole unit to the store for atomic persistence. Document number
// collisions are retried with a fresh number.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.Sale, error) {
	actor, _ := ActorFromContext(ctx)

	if req.CustomerID == "" || len(req.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	if _, err := s.repo.GetCustomerByID(ctx, req.CustomerID); err != nil {
		return nil, err
	}

	productIDs := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		productIDs = append(productIDs, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	for i, line := range req.Items {
		if line.Quantity < 1 {
			return nil, &store.InvalidLineError{Line: i, Reason: "quantity must be positive"}
		}
		if line.WarehouseID == "" {
			return nil, &store.InvalidLineError{Line: i, Reason: "warehouse is required"}
		}
		product, ok := products[line.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		unitPrice, err := validateLinePrice(i, product, line.UnitPrice)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.SaleItem{
			ProductID:   line.ProductID,
			WarehouseID: line.WarehouseID,
			Quantity:    line.Quantity,
			UnitPrice:   unitPrice,
		})
	}

	sale := domain.Sale{
		CustomerID:    req.CustomerID,
		ProcessedBy:   actor.Username,
		Items:         items,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
	}

	var created *domain.Sale
	for attempt := 0; attempt < numberAttempts; attempt++ {
		sale.Number = docnum.New(docnum.PrefixSale)
		created, err = s.repo.CreateSale(ctx, sale)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) {
			s.log.WithField("number", sale.Number).Warn("sale number collision, regenerating")
			continue
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.invalidateStock(ctx, productIDs...)
	return created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.repo.GetSaleByID(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListSales(ctx, limit)
}

// CancelSale voids a completed sale. Stock stays where it is: the correction
// path for goods coming back is a refund.
func (s *Service) CancelSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.repo.CancelSale(ctx, id, time.Now().UTC())
}

func (s *Service) RefundSale(ctx context.Context, id string) (*domain.Sale, error) {
	actor, _ := ActorFromContext(ctx)

	refunded, err := s.repo.RefundSale(ctx, id, actor.Username, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	productIDs := make([]string, 0, len(refunded.Items))
	for _, item := range refunded.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	s.invalidateStock(ctx, productIDs...)
	return refunded, nil
}

// CreateInvoice carries the customer inline and never looks one up. Catalog
// lines behave like sale lines; custom lines are free-form and have no stock
// effect.
func (s *Service) CreateInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (*domain.Invoice, error) {
	actor, _ := ActorFromContext(ctx)

	if strings.TrimSpace(req.Customer.Name) == "" || len(req.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if req.TaxRate.Sign() < 0 {
		return nil, store.ErrInvalidRequest
	}

	catalogIDs := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		if !line.IsCustomItem && line.ProductID != "" {
			catalogIDs = append(catalogIDs, line.ProductID)
		}
	}
	products, err := s.repo.GetProductsByIDs(ctx, catalogIDs)
	if err != nil {
		return nil, err
	}

	items := make([]domain.InvoiceItem, 0, len(req.Items))
	for i, line := range req.Items {
		if line.Quantity < 1 {
			return nil, &store.InvalidLineError{Line: i, Reason: "quantity must be positive"}
		}

		if line.IsCustomItem {
			if strings.TrimSpace(line.Description) == "" {
				return nil, &store.InvalidLineError{Line: i, Reason: "custom item requires a description"}
			}
			if line.UnitPrice == nil || line.UnitPrice.Sign() <= 0 {
				return nil, &store.InvalidLineError{Line: i, Reason: "custom item requires a price"}
			}
			items = append(items, domain.InvoiceItem{
				IsCustomItem: true,
				Description:  strings.TrimSpace(line.Description),
				Quantity:     line.Quantity,
				UnitPrice:    *line.UnitPrice,
			})
			continue
		}

		if line.ProductID == "" {
			return nil, &store.InvalidLineError{Line: i, Reason: "catalog item requires a product"}
		}
		if line.WarehouseID == "" {
			return nil, &store.InvalidLineError{Line: i, Reason: "catalog item requires a warehouse"}
		}
		product, ok := products[line.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		unitPrice, err := validateLinePrice(i, product, line.UnitPrice)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.InvoiceItem{
			ProductID:   line.ProductID,
			WarehouseID: line.WarehouseID,
			Quantity:    line.Quantity,
			UnitPrice:   unitPrice,
		})
	}

	invoice := domain.Invoice{
		Customer: domain.CustomerSnapshot{
			Name:    strings.TrimSpace(req.Customer.Name),
			Email:   strings.TrimSpace(req.Customer.Email),
			Phone:   strings.TrimSpace(req.Customer.Phone),
			Company: strings.TrimSpace(req.Customer.Company),
			Address: strings.TrimSpace(req.Customer.Address),
		},
		ProcessedBy:   actor.Username,
		Items:         items,
		TaxRate:       req.TaxRate,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
	}

	var created *domain.Invoice
	for attempt := 0; attempt < numberAttempts; attempt++ {
		invoice.Number = docnum.New(docnum.PrefixInvoice)
		created, err = s.repo.CreateInvoice(ctx, invoice)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) {
			s.log.WithField("number", invoice.Number).Warn("invoice number collision, regenerating")
			continue
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.invalidateStock(ctx, catalogIDs...)
	return created, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.repo.GetInvoiceByID(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListInvoices(ctx, limit)
}
