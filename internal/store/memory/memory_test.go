package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ltai457/StockManagementSystem-sub000/internal/domain"
	"github.com/ltai457/StockManagementSystem-sub000/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "test-admin-pass")
	t.Setenv("SEED_STAFF_PASSWORD", "test-staff-pass")
	return NewSeeded()
}

func mustStock(t *testing.T, s *Store, productID, warehouseCode string) int {
	t.Helper()
	levels, err := s.GetStockLevels(context.Background(), productID)
	if err != nil {
		t.Fatalf("GetStockLevels: %v", err)
	}
	for _, l := range levels {
		if l.WarehouseCode == warehouseCode {
			return l.Quantity
		}
	}
	t.Fatalf("no stock row for %s at %s", productID, warehouseCode)
	return 0
}

func saleWith(number string, items ...domain.SaleItem) domain.Sale {
	return domain.Sale{
		Number:        number,
		CustomerID:    "cust-apex",
		ProcessedBy:   "staff",
		PaymentMethod: "eftpos",
		Items:         items,
	}
}

func TestCreateSaleDecrementsStockAndRecordsMovement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := mustStock(t, s, "prod-al-350", "WH-AKL")
	sale, err := s.CreateSale(ctx, saleWith("SAL-20260901-AAAAAA", domain.SaleItem{
		ProductID:   "prod-al-350",
		WarehouseID: "wh-akl",
		Quantity:    3,
		UnitPrice:   decimal.RequireFromString("189.50"),
	}))
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}
	if sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected completed status, got %s", sale.Status)
	}

	after := mustStock(t, s, "prod-al-350", "WH-AKL")
	if after != before-3 {
		t.Fatalf("expected stock %d, got %d", before-3, after)
	}

	movements, err := s.ListMovements(ctx, domain.MovementFilter{ProductID: "prod-al-350"})
	if err != nil {
		t.Fatalf("ListMovements: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(movements))
	}
	m := movements[0]
	if m.MovementType != domain.MovementOutgoing || m.ChangeType != domain.ChangeTypeSale {
		t.Fatalf("unexpected movement classification: %s/%s", m.MovementType, m.ChangeType)
	}
	if m.QuantityChange != -3 || m.OldQuantity != before || m.NewQuantity != after {
		t.Fatalf("movement does not match quantity change: %+v", m)
	}
	if m.SaleID != sale.ID {
		t.Fatalf("movement not linked to sale")
	}
}

func TestCreateSaleAggregatesDuplicateLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetStock(ctx, "prod-al-350", "WH-AKL", 5, "admin", "stocktake"); err != nil {
		t.Fatalf("SetStock: %v", err)
	}

	// Two lines for the same product and warehouse requesting 3 + 4 against 5
	// on hand must fail as a whole, not pass line-by-line.
	_, err := s.CreateSale(ctx, saleWith("SAL-20260901-DUPFAI",
		domain.SaleItem{ProductID: "prod-al-350", WarehouseID: "wh-akl", Quantity: 3, UnitPrice: decimal.RequireFromString("189.50")},
		domain.SaleItem{ProductID: "prod-al-350", WarehouseID: "wh-akl", Quantity: 4, UnitPrice: decimal.RequireFromString("189.50")},
	))
	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if stockErr.Requested != 7 || stockErr.Available != 5 {
		t.Fatalf("error payload mismatch: %+v", stockErr)
	}
	if got := mustStock(t, s, "prod-al-350", "WH-AKL"); got != 5 {
		t.Fatalf("failed sale moved stock: %d", got)
	}

	// 3 + 2 fits exactly and every movement pairs with the quantity it saw.
	sale, err := s.CreateSale(ctx, saleWith("SAL-20260901-DUPOKK",
		domain.SaleItem{ProductID: "prod-al-350", WarehouseID: "wh-akl", Quantity: 3, UnitPrice: decimal.RequireFromString("189.50")},
		domain.SaleItem{ProductID: "prod-al-350", WarehouseID: "wh-akl", Quantity: 2, UnitPrice: decimal.RequireFromString("189.50")},
	))
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}
	if got := mustStock(t, s, "prod-al-350", "WH-AKL"); got != 0 {
		t.Fatalf("expected stock drained to 0, got %d", got)
	}

	// The two newest movements are the sale lines (the SetStock above is older).
	movements, _ := s.ListMovements(ctx, domain.MovementFilter{ProductID: "prod-al-350", MovementType: domain.MovementOutgoing, Limit: 2})
	if len(movements) != 2 {
		t.Fatalf("expected 2 sale movements, got %d", len(movements))
	}
	// Newest first: the second line saw 2 on hand, the first saw 5.
	if movements[0].OldQuantity != 2 || movements[0].NewQuantity != 0 {
		t.Fatalf("second line movement mismatch: %+v", movements[0])
	}
	if movements[1].OldQuantity != 5 || movements[1].NewQuantity != 2 {
		t.Fatalf("first line movement mismatch: %+v", movements[1])
	}
	if movements[0].SaleID != sale.ID || movements[1].SaleID != sale.ID {
		t.Fatalf("movements not linked to sale")
	}
}

func TestCreateInvoiceAggregatesDuplicateLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetStock(ctx, "prod-cap-16", "WH-AKL", 5, "admin", "stocktake"); err != nil {
		t.Fatalf("SetStock: %v", err)
	}

	_, err := s.CreateInvoice(ctx, domain.Invoice{
		Number:        "INV-20260901-DUPFAI",
		Customer:      domain.CustomerSnapshot{Name: "Walk-in"},
		ProcessedBy:   "staff",
		PaymentMethod: "cash",
		TaxRate:       decimal.RequireFromString("0.15"),
		Items: []domain.InvoiceItem{
			{ProductID: "prod-cap-16", WarehouseID: "wh-akl", Quantity: 3, UnitPrice: decimal.RequireFromString("24.90")},
			{ProductID: "prod-cap-16", WarehouseID: "wh-akl", Quantity: 4, UnitPrice: decimal.RequireFromString("24.90")},
		},
	})
	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if stockErr.Requested != 7 || stockErr.Available != 5 {
		t.Fatalf("error payload mismatch: %+v", stockErr)
	}
	if got := mustStock(t, s, "prod-cap-16", "WH-AKL"); got != 5 {
		t.Fatalf("failed invoice moved stock: %d", got)
	}
}

func TestCreateSaleComputesTotals(t *testing.T) {
	s := newTestStore(t)

	sale, err := s.CreateSale(context.Background(), saleWith("SAL-20260901-BBBBBB", domain.SaleItem{
		ProductID:   "prod-al-350",
		WarehouseID: "wh-akl",
		Quantity:    1,
		UnitPrice:   decimal.RequireFromString("100.00"),
	}))
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}
	if got := sale.SubTotal.StringFixed(2); got != "100.00" {
		t.Fatalf("subtotal = %s", got)
	}
	if got := sale.TaxAmount.StringFixed(2); got != "15.00" {
		t.Fatalf("tax = %s", got)
	}
	if got := sale.TotalAmount.StringFixed(2); got != "115.00" {
		t.Fatalf("total = %s", got)
	}
}

func TestCreateSaleFailingLineLeavesNoPartialEffect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	beforeAKL := mustStock(t, s, "prod-al-350", "WH-AKL")
	beforeCHC := mustStock(t, s, "prod-al-500", "WH-CHC")

	_, err := s.CreateSale(ctx, saleWith("SAL-20260901-CCCCCC",
		domain.SaleItem{ProductID: "prod-al-350", WarehouseID: "wh-akl", Quantity: 2, UnitPrice: decimal.RequireFromString("189.50")},
		domain.SaleItem{ProductID: "prod-al-500", WarehouseID: "wh-chc", Quantity: 999, UnitPrice: decimal.RequireFromString("249.00")},
	))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected structured stock error, got %T", err)
	}
	if stockErr.ProductCode != "RAD-AL-500" || stockErr.WarehouseCode != "WH-CHC" {
		t.Fatalf("error names wrong line: %+v", stockErr)
	}
	if stockErr.Available != beforeCHC {
		t.Fatalf("expected available %d, got %d", beforeCHC, stockErr.Available)
	}

	if got := mustStock(t, s, "prod-al-350", "WH-AKL"); got != beforeAKL {
		t.Fatalf("first line was applied despite failure: %d != %d", got, beforeAKL)
	}
	movements, _ := s.ListMovements(ctx, domain.MovementFilter{})
	if len(movements) != 0 {
		t.Fatalf("expected no movements after failed sale, got %d", len(movements))
	}
}

func TestCreateSaleDuplicateNumberConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := domain.SaleItem{ProductID: "prod-cap-16", WarehouseID: "wh-akl", Quantity: 1, UnitPrice: decimal.RequireFromString("24.90")}
	if _, err := s.CreateSale(ctx, saleWith("SAL-20260901-DDDDDD", item)); err != nil {
		t.Fatalf("first CreateSale: %v", err)
	}
	_, err := s.CreateSale(ctx, saleWith("SAL-20260901-DDDDDD", item))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on duplicate number, got %v", err)
	}
}

func TestRefundSaleRestoresStockOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := mustStock(t, s, "prod-al-350", "WH-AKL")
	sale, err := s.CreateSale(ctx, saleWith("SAL-20260901-EEEEEE", domain.SaleItem{
		ProductID:   "prod-al-350",
		WarehouseID: "wh-akl",
		Quantity:    4,
		UnitPrice:   decimal.RequireFromString("189.50"),
	}))
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}

	refunded, err := s.RefundSale(ctx, sale.ID, "admin", time.Now().UTC())
	if err != nil {
		t.Fatalf("RefundSale: %v", err)
	}
	if refunded.Status != domain.SaleStatusRefunded || refunded.RefundedAt == nil {
		t.Fatalf("refund did not update status: %+v", refunded)
	}
	if got := mustStock(t, s, "prod-al-350", "WH-AKL"); got != before {
		t.Fatalf("expected stock restored to %d, got %d", before, got)
	}

	movements, _ := s.ListMovements(ctx, domain.MovementFilter{ProductID: "prod-al-350", MovementType: domain.MovementIncoming})
	if len(movements) != 1 || movements[0].ChangeType != domain.ChangeTypeRefund {
		t.Fatalf("expected one refund movement, got %+v", movements)
	}

	if _, err := s.RefundSale(ctx, sale.ID, "admin", time.Now().UTC()); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("expected second refund to fail, got %v", err)
	}
	if got := mustStock(t, s, "prod-al-350", "WH-AKL"); got != before {
		t.Fatalf("second refund changed stock: %d != %d", got, before)
	}
}

func TestCancelSaleDoesNotRestoreStock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := mustStock(t, s, "prod-al-500", "WH-AKL")
	sale, err := s.CreateSale(ctx, saleWith("SAL-20260901-FFFFFF", domain.SaleItem{
		ProductID:   "prod-al-500",
		WarehouseID: "wh-akl",
		Quantity:    2,
		UnitPrice:   decimal.RequireFromString("249.00"),
	}))
	if err != nil {
		t.Fatalf("CreateSale: %v", err)
	}

	cancelled, err := s.CancelSale(ctx, sale.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("CancelSale: %v", err)
	}
	if cancelled.Status != domain.SaleStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("cancel did not update status: %+v", cancelled)
	}
	if got := mustStock(t, s, "prod-al-500", "WH-AKL"); got != before-2 {
		t.Fatalf("cancel must not restore stock: got %d, want %d", got, before-2)
	}

	if _, err := s.RefundSale(ctx, sale.ID, "admin", time.Now().UTC()); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("expected refund of cancelled sale to fail, got %v", err)
	}
}

func TestConcurrentSalesOfLastUnit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetStock(ctx, "prod-cu-350", "WH-CHC", 1, "admin", "test setup"); err != nil {
		t.Fatalf("SetStock: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	numbers := []string{"SAL-20260901-111111", "SAL-20260901-222222"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.CreateSale(ctx, saleWith(numbers[i], domain.SaleItem{
				ProductID:   "prod-cu-350",
				WarehouseID: "wh-chc",
				Quantity:    1,
				UnitPrice:   decimal.RequireFromString("329.99"),
			}))
		}(i)
	}
	wg.Wait()

	var succeeded, failed int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d stock failures", succeeded, failed)
	}
	if got := mustStock(t, s, "prod-cu-350", "WH-CHC"); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
}

func TestCreateInvoiceCustomLineTouchesNoStock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := mustStock(t, s, "prod-cap-16", "WH-AKL")
	invoice, err := s.CreateInvoice(ctx, domain.Invoice{
		Number:        "INV-20260901-AAAAAA",
		Customer:      domain.CustomerSnapshot{Name: "Walk-in"},
		ProcessedBy:   "staff",
		PaymentMethod: "cash",
		TaxRate:       decimal.RequireFromString("0.15"),
		Items: []domain.InvoiceItem{
			{ProductID: "prod-cap-16", WarehouseID: "wh-akl", Quantity: 2, UnitPrice: decimal.RequireFromString("24.90")},
			{IsCustomItem: true, Description: "Radiator flush labour", Quantity: 1, UnitPrice: decimal.RequireFromString("85.00")},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	if got := mustStock(t, s, "prod-cap-16", "WH-AKL"); got != before-2 {
		t.Fatalf("catalog line not decremented: %d", got)
	}
	movements, _ := s.ListMovements(ctx, domain.MovementFilter{})
	if len(movements) != 1 {
		t.Fatalf("expected exactly 1 movement (catalog line only), got %d", len(movements))
	}
	if got := invoice.SubTotal.StringFixed(2); got != "134.80" {
		t.Fatalf("subtotal = %s", got)
	}
	if got := invoice.TaxAmount.StringFixed(2); got != "20.22" {
		t.Fatalf("tax = %s", got)
	}
}

func TestCreateInvoiceCustomLineRequiresDescription(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateInvoice(context.Background(), domain.Invoice{
		Number:   "INV-20260901-BBBBBB",
		Customer: domain.CustomerSnapshot{Name: "Walk-in"},
		TaxRate:  decimal.RequireFromString("0.15"),
		Items: []domain.InvoiceItem{
			{IsCustomItem: true, Description: "   ", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")},
		},
	})
	if !errors.Is(err, store.ErrInvalidLine) {
		t.Fatalf("expected invalid line, got %v", err)
	}
}

func TestListMovementsFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.IncreaseStock(ctx, "prod-al-350", "WH-AKL", 5, "admin", "container arrival"); err != nil {
		t.Fatalf("IncreaseStock: %v", err)
	}
	if _, err := s.SetStock(ctx, "prod-al-350", "WH-CHC", 7, "admin", "stocktake"); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	if _, err := s.IncreaseStock(ctx, "prod-al-500", "WH-AKL", 2, "admin", ""); err != nil {
		t.Fatalf("IncreaseStock: %v", err)
	}

	all, err := s.ListMovements(ctx, domain.MovementFilter{})
	if err != nil {
		t.Fatalf("ListMovements: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 movements, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Fatalf("movements not newest-first at index %d", i)
		}
	}

	byProduct, _ := s.ListMovements(ctx, domain.MovementFilter{ProductID: "prod-al-350"})
	if len(byProduct) != 2 {
		t.Fatalf("expected 2 movements for product, got %d", len(byProduct))
	}

	byWarehouse, _ := s.ListMovements(ctx, domain.MovementFilter{WarehouseCode: "WH-CHC"})
	if len(byWarehouse) != 1 || byWarehouse[0].ChangeType != domain.ChangeTypeManualUpdate {
		t.Fatalf("warehouse filter mismatch: %+v", byWarehouse)
	}

	limited, _ := s.ListMovements(ctx, domain.MovementFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit not applied, got %d", len(limited))
	}
}

func TestCreateProductFansOutZeroStockRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateProduct(ctx, domain.Product{
		Code:        "RAD-AL-600",
		Name:        "600mm Aluminium Radiator",
		RetailPrice: decimal.RequireFromString("289.00"),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	levels, err := s.GetStockLevels(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetStockLevels: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected a row per warehouse, got %d", len(levels))
	}
	for _, l := range levels {
		if l.Quantity != 0 {
			t.Fatalf("expected zero quantity at %s, got %d", l.WarehouseCode, l.Quantity)
		}
	}
	movements, _ := s.ListMovements(ctx, domain.MovementFilter{ProductID: created.ID})
	if len(movements) != 0 {
		t.Fatalf("registration must not emit movements, got %d", len(movements))
	}
}
