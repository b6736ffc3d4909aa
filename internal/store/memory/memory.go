package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/ltai457/StockManagementSystem-sub000/internal/domain"
	"github.com/ltai457/StockManagementSystem-sub000/internal/store"
)

type Store struct {
	mu              sync.RWMutex
	customersByID   map[string]domain.Customer
	productsByID    map[string]domain.Product
	productIDByCode map[string]string
	warehousesByID  map[string]domain.Warehouse
	warehouseIDByCode map[string]string
	stock           map[string]map[string]int // productID -> warehouseID -> quantity
	stockUpdatedAt  map[string]map[string]time.Time
	movements       []domain.StockMovement
	salesByID       map[string]*domain.Sale
	saleIDByNumber  map[string]string
	invoicesByID    map[string]*domain.Invoice
	invoiceIDByNumber map[string]string
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func price(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func pricePtr(s string) *decimal.Decimal {
	d := price(s)
	return &d
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	warehouses := []domain.Warehouse{
		{ID: "wh-akl", Code: "WH-AKL", Name: "Auckland", CreatedAt: now},
		{ID: "wh-chc", Code: "WH-CHC", Name: "Christchurch", CreatedAt: now},
	}

	products := []domain.Product{
		{ID: "prod-al-350", Code: "RAD-AL-350", Name: "350mm Aluminium Radiator", Brand: "Fenix", RetailPrice: price("189.50"), TradePrice: pricePtr("159.00"), IsPriceOverridable: true, MaxDiscountPercent: 15, CreatedAt: now},
		{ID: "prod-al-500", Code: "RAD-AL-500", Name: "500mm Aluminium Radiator", Brand: "Fenix", RetailPrice: price("249.00"), TradePrice: pricePtr("219.00"), IsPriceOverridable: true, MaxDiscountPercent: 15, CreatedAt: now},
		{ID: "prod-cu-350", Code: "RAD-CU-350", Name: "350mm Copper Core Radiator", Brand: "Adrad", RetailPrice: price("329.99"), IsPriceOverridable: false, MaxDiscountPercent: 0, CreatedAt: now},
		{ID: "prod-cap-16", Code: "RAD-CAP-16", Name: "16psi Radiator Cap", Brand: "Tridon", RetailPrice: price("24.90"), CostPrice: pricePtr("9.40"), IsPriceOverridable: true, MaxDiscountPercent: 25, CreatedAt: now},
		{ID: "prod-cool-5l", Code: "COOL-5L", Name: "Long Life Coolant 5L", Brand: "Penrite", RetailPrice: price("39.95"), CostPrice: pricePtr("21.00"), IsPriceOverridable: true, MaxDiscountPercent: 10, CreatedAt: now},
	}

	customers := []domain.Customer{
		{ID: "cust-apex", Name: "Apex Auto Electrical", Email: "accounts@apexauto.co.nz", Phone: "09 555 0141", Company: "Apex Auto Electrical Ltd", CreatedAt: now},
		{ID: "cust-harbour", Name: "Harbour Motors", Email: "service@harbourmotors.co.nz", Phone: "03 555 0177", Company: "Harbour Motors 2004 Ltd", CreatedAt: now},
	}

	s := &Store{
		customersByID:     make(map[string]domain.Customer, len(customers)),
		productsByID:      make(map[string]domain.Product, len(products)),
		productIDByCode:   make(map[string]string, len(products)),
		warehousesByID:    make(map[string]domain.Warehouse, len(warehouses)),
		warehouseIDByCode: make(map[string]string, len(warehouses)),
		stock:             make(map[string]map[string]int),
		stockUpdatedAt:    make(map[string]map[string]time.Time),
		movements:         make([]domain.StockMovement, 0, 256),
		salesByID:         make(map[string]*domain.Sale),
		saleIDByNumber:    make(map[string]string),
		invoicesByID:      make(map[string]*domain.Invoice),
		invoiceIDByNumber: make(map[string]string),
		usersByUsername:   seedUsers(),
	}

	for _, w := range warehouses {
		s.warehousesByID[w.ID] = w
		s.warehouseIDByCode[w.Code] = w.ID
	}
	for _, c := range customers {
		s.customersByID[c.ID] = c
	}
	for _, p := range products {
		s.productsByID[p.ID] = p
		s.productIDByCode[p.Code] = p.ID
		s.stock[p.ID] = make(map[string]int, len(warehouses))
		s.stockUpdatedAt[p.ID] = make(map[string]time.Time, len(warehouses))
		for _, w := range warehouses {
			qty := 25
			if w.ID == "wh-chc" {
				qty = 10
			}
			s.stock[p.ID][w.ID] = qty
			s.stockUpdatedAt[p.ID][w.ID] = now
		}
	}

	return s
}

// New returns an empty store with no seed data. Registration calls fan out the
// zero-quantity stock rows.
func New() *Store {
	return &Store{
		customersByID:     make(map[string]domain.Customer),
		productsByID:      make(map[string]domain.Product),
		productIDByCode:   make(map[string]string),
		warehousesByID:    make(map[string]domain.Warehouse),
		warehouseIDByCode: make(map[string]string),
		stock:             make(map[string]map[string]int),
		stockUpdatedAt:    make(map[string]map[string]time.Time),
		movements:         make([]domain.StockMovement, 0, 64),
		salesByID:         make(map[string]*domain.Sale),
		saleIDByNumber:    make(map[string]string),
		invoicesByID:      make(map[string]*domain.Invoice),
		invoiceIDByNumber: make(map[string]string),
		usersByUsername:   seedUsers(),
	}
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Customer, 0, len(s.customersByID))
	for _, c := range s.customersByID {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.productsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.productsByID[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

// CreateProduct registers a product and fans out a zero-quantity stock row per
// existing warehouse. Initialization rows emit no movement.
func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Code == "" {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.productIDByCode[product.Code]; exists {
		return nil, store.ErrConflict
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	s.productsByID[product.ID] = product
	s.productIDByCode[product.Code] = product.ID
	s.stock[product.ID] = make(map[string]int, len(s.warehousesByID))
	s.stockUpdatedAt[product.ID] = make(map[string]time.Time, len(s.warehousesByID))
	for warehouseID := range s.warehousesByID {
		s.stock[product.ID][warehouseID] = 0
		s.stockUpdatedAt[product.ID][warehouseID] = product.CreatedAt
	}

	return &product, nil
}

func (s *Store) ListWarehouses(_ context.Context) ([]domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Warehouse, 0, len(s.warehousesByID))
	for _, w := range s.warehousesByID {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (s *Store) GetWarehouseByCode(_ context.Context, code string) (*domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.warehouseIDByCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	warehouse := s.warehousesByID[id]
	return &warehouse, nil
}

// CreateWarehouse registers a warehouse and fans out a zero-quantity stock row
// per existing product. Initialization rows emit no movement.
func (s *Store) CreateWarehouse(_ context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if warehouse.Code == "" {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.warehouseIDByCode[warehouse.Code]; exists {
		return nil, store.ErrConflict
	}
	if warehouse.ID == "" {
		warehouse.ID = uuid.NewString()
	}
	if warehouse.CreatedAt.IsZero() {
		warehouse.CreatedAt = time.Now().UTC()
	}

	s.warehousesByID[warehouse.ID] = warehouse
	s.warehouseIDByCode[warehouse.Code] = warehouse.ID
	for productID := range s.productsByID {
		s.stock[productID][warehouse.ID] = 0
		s.stockUpdatedAt[productID][warehouse.ID] = warehouse.CreatedAt
	}

	return &warehouse, nil
}

func (s *Store) GetStockLevels(_ context.Context, productID string) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.productsByID[productID]
	if !ok {
		return nil, store.ErrNotFound
	}

	levels := make([]domain.StockLevel, 0, len(s.stock[productID]))
	for warehouseID, qty := range s.stock[productID] {
		warehouse := s.warehousesByID[warehouseID]
		levels = append(levels, domain.StockLevel{
			ProductID:     productID,
			ProductCode:   product.Code,
			WarehouseID:   warehouseID,
			WarehouseCode: warehouse.Code,
			Quantity:      qty,
			UpdatedAt:     s.stockUpdatedAt[productID][warehouseID],
		})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].WarehouseCode < levels[j].WarehouseCode })
	return levels, nil
}

func (s *Store) ListLowStock(_ context.Context, threshold int) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockLevel, 0, 16)
	for productID, byWarehouse := range s.stock {
		product := s.productsByID[productID]
		for warehouseID, qty := range byWarehouse {
			if qty > threshold {
				continue
			}
			warehouse := s.warehousesByID[warehouseID]
			result = append(result, domain.StockLevel{
				ProductID:     productID,
				ProductCode:   product.Code,
				WarehouseID:   warehouseID,
				WarehouseCode: warehouse.Code,
				Quantity:      qty,
				UpdatedAt:     s.stockUpdatedAt[productID][warehouseID],
			})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ProductCode != result[j].ProductCode {
			return result[i].ProductCode < result[j].ProductCode
		}
		return result[i].WarehouseCode < result[j].WarehouseCode
	})
	return result, nil
}

// recordMovement appends a movement row for a quantity change already applied
// to s.stock. Callers must hold the write lock.
func (s *Store) recordMovement(productID string, warehouseID string, oldQty int, newQty int, changeType string, saleID string, actor string, notes string, at time.Time) domain.StockMovement {
	product := s.productsByID[productID]
	warehouse := s.warehousesByID[warehouseID]
	movementType := domain.MovementIncoming
	if newQty < oldQty {
		movementType = domain.MovementOutgoing
	}
	movement := domain.StockMovement{
		ID:             uuid.NewString(),
		ProductID:      productID,
		ProductCode:    product.Code,
		WarehouseID:    warehouseID,
		WarehouseCode:  warehouse.Code,
		OldQuantity:    oldQty,
		NewQuantity:    newQty,
		QuantityChange: newQty - oldQty,
		MovementType:   movementType,
		ChangeType:     changeType,
		SaleID:         saleID,
		CreatedBy:      actor,
		Notes:          notes,
		CreatedAt:      at,
	}
	s.movements = append(s.movements, movement)
	s.stockUpdatedAt[productID][warehouseID] = at
	return movement
}

func (s *Store) SetStock(_ context.Context, productID string, warehouseCode string, newQuantity int, actor string, reason string) (*domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newQuantity < 0 {
		return nil, store.ErrInvalidRequest
	}
	warehouseID, ok := s.warehouseIDByCode[warehouseCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	byWarehouse, ok := s.stock[productID]
	if !ok {
		return nil, store.ErrNotFound
	}

	oldQty := byWarehouse[warehouseID]
	byWarehouse[warehouseID] = newQuantity
	movement := s.recordMovement(productID, warehouseID, oldQty, newQuantity, domain.ChangeTypeManualUpdate, "", actor, reason, time.Now().UTC())
	return &movement, nil
}

func (s *Store) IncreaseStock(_ context.Context, productID string, warehouseCode string, quantity int, actor string, notes string) (*domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if quantity < 1 {
		return nil, store.ErrInvalidRequest
	}
	warehouseID, ok := s.warehouseIDByCode[warehouseCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	byWarehouse, ok := s.stock[productID]
	if !ok {
		return nil, store.ErrNotFound
	}

	oldQty := byWarehouse[warehouseID]
	byWarehouse[warehouseID] = oldQty + quantity
	movement := s.recordMovement(productID, warehouseID, oldQty, oldQty+quantity, domain.ChangeTypeRestock, "", actor, notes, time.Now().UTC())
	return &movement, nil
}

func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 64)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseCode != "" && m.WarehouseCode != filter.WarehouseCode {
			continue
		}
		if filter.MovementType != "" && m.MovementType != filter.MovementType {
			continue
		}
		if filter.DateFrom != nil && m.CreatedAt.Before(*filter.DateFrom) {
			continue
		}
		if filter.DateTo != nil && m.CreatedAt.After(*filter.DateTo) {
			continue
		}
		result = append(result, m)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// CreateSale persists the sale header and items, decrements stock for every
// line, and records one movement per line. The whole unit applies or none of
// it does: validation runs against all lines before the first write.
func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.Number == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.saleIDByNumber[sale.Number]; exists {
		return nil, store.ErrConflict
	}

	requested := make(map[string]map[string]int)
	for i, item := range sale.Items {
		if item.Quantity < 1 {
			return nil, &store.InvalidLineError{Line: i, Reason: "quantity must be positive"}
		}
		product, ok := s.productsByID[item.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		warehouse, ok := s.warehousesByID[item.WarehouseID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if requested[item.ProductID] == nil {
			requested[item.ProductID] = make(map[string]int)
		}
		// Duplicate lines for the same product and warehouse draw from the
		// same pool, so validation runs against the running total.
		requested[item.ProductID][item.WarehouseID] += item.Quantity
		available := s.stock[item.ProductID][item.WarehouseID]
		if requested[item.ProductID][item.WarehouseID] > available {
			return nil, &store.InsufficientStockError{
				Line:          i,
				ProductID:     item.ProductID,
				ProductCode:   product.Code,
				WarehouseCode: warehouse.Code,
				Requested:     requested[item.ProductID][item.WarehouseID],
				Available:     available,
			}
		}
	}

	subTotal := decimal.Zero
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.ProductCode = s.productsByID[item.ProductID].Code
		item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		subTotal = subTotal.Add(item.TotalPrice)
	}
	sale.SubTotal = subTotal
	sale.TaxAmount = subTotal.Mul(domain.SaleTaxRate).Round(2)
	sale.TotalAmount = subTotal.Add(sale.TaxAmount)

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.SaleDate.IsZero() {
		sale.SaleDate = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}

	for _, item := range sale.Items {
		oldQty := s.stock[item.ProductID][item.WarehouseID]
		s.stock[item.ProductID][item.WarehouseID] = oldQty - item.Quantity
		s.recordMovement(item.ProductID, item.WarehouseID, oldQty, oldQty-item.Quantity, domain.ChangeTypeSale, sale.ID, sale.ProcessedBy, "sale "+sale.Number, sale.SaleDate)
	}

	stored := cloneSale(&sale)
	s.salesByID[sale.ID] = stored
	s.saleIDByNumber[sale.Number] = sale.ID
	return cloneSale(stored), nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		result = append(result, *cloneSale(sale))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SaleDate.After(result[j].SaleDate) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CancelSale voids a completed sale without restoring stock: the goods left
// the building and cancellation is a clerical reversal of the document.
func (s *Store) CancelSale(_ context.Context, id string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidStateTransition
	}

	sale.Status = domain.SaleStatusCancelled
	sale.CancelledAt = &at
	return cloneSale(sale), nil
}

// RefundSale restores the sold quantity for every item and records one Refund
// movement per item. The status check doubles as the idempotence guard: a sale
// already in refunded state fails before any stock change.
func (s *Store) RefundSale(_ context.Context, id string, actor string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidStateTransition
	}

	for _, item := range sale.Items {
		oldQty := s.stock[item.ProductID][item.WarehouseID]
		s.stock[item.ProductID][item.WarehouseID] = oldQty + item.Quantity
		s.recordMovement(item.ProductID, item.WarehouseID, oldQty, oldQty+item.Quantity, domain.ChangeTypeRefund, sale.ID, actor, "refund of "+sale.Number, at)
	}

	sale.Status = domain.SaleStatusRefunded
	sale.RefundedAt = &at
	return cloneSale(sale), nil
}

// CreateInvoice mirrors CreateSale for catalog-backed lines; custom lines skip
// stock entirely. The tax rate comes from the invoice itself.
func (s *Store) CreateInvoice(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if invoice.Number == "" || len(invoice.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.invoiceIDByNumber[invoice.Number]; exists {
		return nil, store.ErrConflict
	}

	requested := make(map[string]map[string]int)
	for i, item := range invoice.Items {
		if item.Quantity < 1 {
			return nil, &store.InvalidLineError{Line: i, Reason: "quantity must be positive"}
		}
		if item.IsCustomItem {
			if strings.TrimSpace(item.Description) == "" {
				return nil, &store.InvalidLineError{Line: i, Reason: "custom item requires a description"}
			}
			continue
		}
		product, ok := s.productsByID[item.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		warehouse, ok := s.warehousesByID[item.WarehouseID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if requested[item.ProductID] == nil {
			requested[item.ProductID] = make(map[string]int)
		}
		requested[item.ProductID][item.WarehouseID] += item.Quantity
		available := s.stock[item.ProductID][item.WarehouseID]
		if requested[item.ProductID][item.WarehouseID] > available {
			return nil, &store.InsufficientStockError{
				Line:          i,
				ProductID:     item.ProductID,
				ProductCode:   product.Code,
				WarehouseCode: warehouse.Code,
				Requested:     requested[item.ProductID][item.WarehouseID],
				Available:     available,
			}
		}
	}

	subTotal := decimal.Zero
	for i := range invoice.Items {
		item := &invoice.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if !item.IsCustomItem {
			item.ProductCode = s.productsByID[item.ProductID].Code
		}
		item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		subTotal = subTotal.Add(item.TotalPrice)
	}
	invoice.SubTotal = subTotal
	invoice.TaxAmount = subTotal.Mul(invoice.TaxRate).Round(2)
	invoice.TotalAmount = subTotal.Add(invoice.TaxAmount)

	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	if invoice.InvoiceDate.IsZero() {
		invoice.InvoiceDate = time.Now().UTC()
	}
	if invoice.Status == "" {
		invoice.Status = domain.SaleStatusCompleted
	}

	for _, item := range invoice.Items {
		if item.IsCustomItem {
			continue
		}
		oldQty := s.stock[item.ProductID][item.WarehouseID]
		s.stock[item.ProductID][item.WarehouseID] = oldQty - item.Quantity
		s.recordMovement(item.ProductID, item.WarehouseID, oldQty, oldQty-item.Quantity, domain.ChangeTypeInvoice, "", invoice.ProcessedBy, "invoice "+invoice.Number, invoice.InvoiceDate)
	}

	stored := cloneInvoice(&invoice)
	s.invoicesByID[invoice.ID] = stored
	s.invoiceIDByNumber[invoice.Number] = invoice.ID
	return cloneInvoice(stored), nil
}

func (s *Store) GetInvoiceByID(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoicesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(invoice), nil
}

func (s *Store) ListInvoices(_ context.Context, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, len(s.invoicesByID))
	for _, invoice := range s.invoicesByID {
		result = append(result, *cloneInvoice(invoice))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InvoiceDate.After(result[j].InvoiceDate) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	copied := *src
	copied.Items = append([]domain.SaleItem(nil), src.Items...)
	return &copied
}

func cloneInvoice(src *domain.Invoice) *domain.Invoice {
	if src == nil {
		return nil
	}
	copied := *src
	copied.Items = append([]domain.InvoiceItem(nil), src.Items...)
	return &copied
}
