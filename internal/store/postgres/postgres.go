package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/ltai457/StockManagementSystem-sub000/internal/domain"
	"github.com/ltai457/StockManagementSystem-sub000/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	var email, phone, company sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, company, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &email, &phone, &company, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.Email = email.String
	c.Phone = phone.String
	c.Company = company.String
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, phone, company, created_at
		FROM customers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		var email, phone, company sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &email, &phone, &company, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Email = email.String
		c.Phone = phone.String
		c.Company = company.String
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

const productColumns = `id, code, name, brand, retail_price, trade_price, cost_price, is_price_overridable, max_discount_percent, created_at`

func scanProduct(scan func(dest ...any) error) (domain.Product, error) {
	var p domain.Product
	var brand sql.NullString
	var trade, cost decimal.NullDecimal
	err := scan(&p.ID, &p.Code, &p.Name, &brand, &p.RetailPrice, &trade, &cost, &p.IsPriceOverridable, &p.MaxDiscountPercent, &p.CreatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	p.Brand = brand.String
	if trade.Valid {
		p.TradePrice = &trade.Decimal
	}
	if cost.Valid {
		p.CostPrice = &cost.Decimal
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if len(ids) == 0 {
		return map[string]domain.Product{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

// CreateProduct inserts the product and a zero-quantity stock row per
// warehouse. Initialization rows do not record movements.
func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Code == "" || product.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, code, name, brand, retail_price, trade_price, cost_price, is_price_overridable, max_discount_percent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, product.ID, product.Code, product.Name, nullIfEmpty(product.Brand), product.RetailPrice,
		nullDecimal(product.TradePrice), nullDecimal(product.CostPrice),
		product.IsPriceOverridable, product.MaxDiscountPercent, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_levels (product_id, warehouse_id, quantity, updated_at)
		SELECT $1, id, 0, $2 FROM warehouses
	`, product.ID, product.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, code, name, created_at FROM warehouses ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	warehouses := make([]domain.Warehouse, 0, 8)
	for rows.Next() {
		var w domain.Warehouse
		if err := rows.Scan(&w.ID, &w.Code, &w.Name, &w.CreatedAt); err != nil {
			return nil, err
		}
		warehouses = append(warehouses, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return warehouses, nil
}

func (s *Store) GetWarehouseByCode(ctx context.Context, code string) (*domain.Warehouse, error) {
	var w domain.Warehouse
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, created_at FROM warehouses WHERE code = $1
	`, code).Scan(&w.ID, &w.Code, &w.Name, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// CreateWarehouse inserts the warehouse and a zero-quantity stock row per
// product. Initialization rows do not record movements.
func (s *Store) CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if warehouse.Code == "" || warehouse.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if warehouse.ID == "" {
		warehouse.ID = uuid.NewString()
	}
	if warehouse.CreatedAt.IsZero() {
		warehouse.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO warehouses (id, code, name, created_at) VALUES ($1,$2,$3,$4)
	`, warehouse.ID, warehouse.Code, warehouse.Name, warehouse.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_levels (product_id, warehouse_id, quantity, updated_at)
		SELECT id, $1, 0, $2 FROM products
	`, warehouse.ID, warehouse.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &warehouse, nil
}

func (s *Store) GetStockLevels(ctx context.Context, productID string) ([]domain.StockLevel, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", productID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sl.product_id, p.code, sl.warehouse_id, w.code, sl.quantity, sl.updated_at
		FROM stock_levels sl
		JOIN products p ON p.id = sl.product_id
		JOIN warehouses w ON w.id = sl.warehouse_id
		WHERE sl.product_id = $1
		ORDER BY w.code
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]domain.StockLevel, 0, 8)
	for rows.Next() {
		var l domain.StockLevel
		if err := rows.Scan(&l.ProductID, &l.ProductCode, &l.WarehouseID, &l.WarehouseCode, &l.Quantity, &l.UpdatedAt); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return levels, nil
}

func (s *Store) ListLowStock(ctx context.Context, threshold int) ([]domain.StockLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sl.product_id, p.code, sl.warehouse_id, w.code, sl.quantity, sl.updated_at
		FROM stock_levels sl
		JOIN products p ON p.id = sl.product_id
		JOIN warehouses w ON w.id = sl.warehouse_id
		WHERE sl.quantity <= $1
		ORDER BY p.code, w.code
	`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]domain.StockLevel, 0, 32)
	for rows.Next() {
		var l domain.StockLevel
		if err := rows.Scan(&l.ProductID, &l.ProductCode, &l.WarehouseID, &l.WarehouseCode, &l.Quantity, &l.UpdatedAt); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return levels, nil
}

// lockedStock is the per-(product, warehouse) state held while a multi-line
// document validates against its locked stock rows. taken accumulates the
// quantity claimed by earlier lines of the same document.
type lockedStock struct {
	productCode   string
	warehouseCode string
	available     int
	taken         int
}

// lockStockRow loads a stock row with its product and warehouse codes under
// FOR UPDATE of the stock_levels row.
func lockStockRow(ctx context.Context, tx *sql.Tx, productID string, warehouseID string) (productCode string, warehouseCode string, quantity int, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT p.code, w.code, sl.quantity
		FROM stock_levels sl
		JOIN products p ON p.id = sl.product_id
		JOIN warehouses w ON w.id = sl.warehouse_id
		WHERE sl.product_id = $1 AND sl.warehouse_id = $2
		FOR UPDATE OF sl
	`, productID, warehouseID).Scan(&productCode, &warehouseCode, &quantity)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrNotFound
	}
	return
}

func insertMovement(ctx context.Context, tx *sql.Tx, m domain.StockMovement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, warehouse_id, old_quantity, new_quantity, quantity_change, movement_type, change_type, sale_id, created_by, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, m.ID, m.ProductID, m.WarehouseID, m.OldQuantity, m.NewQuantity, m.QuantityChange,
		m.MovementType, m.ChangeType, nullIfEmpty(m.SaleID), nullIfEmpty(m.CreatedBy), nullIfEmpty(m.Notes), m.CreatedAt)
	return err
}

func movementFor(productID, productCode, warehouseID, warehouseCode string, oldQty, newQty int, changeType, saleID, actor, notes string, at time.Time) domain.StockMovement {
	movementType := domain.MovementIncoming
	if newQty < oldQty {
		movementType = domain.MovementOutgoing
	}
	return domain.StockMovement{
		ID:             uuid.NewString(),
		ProductID:      productID,
		ProductCode:    productCode,
		WarehouseID:    warehouseID,
		WarehouseCode:  warehouseCode,
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
}

func (s *Store) SetStock(ctx context.Context, productID string, warehouseCode string, newQuantity int, actor string, reason string) (*domain.StockMovement, error) {
	if newQuantity < 0 {
		return nil, store.ErrInvalidRequest
	}

	warehouse, err := s.GetWarehouseByCode(ctx, warehouseCode)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productCode, _, oldQty, err := lockStockRow(ctx, tx, productID, warehouse.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE stock_levels SET quantity = $3, updated_at = $4
		WHERE product_id = $1 AND warehouse_id = $2
	`, productID, warehouse.ID, newQuantity, now); err != nil {
		return nil, err
	}

	movement := movementFor(productID, productCode, warehouse.ID, warehouse.Code, oldQty, newQuantity, domain.ChangeTypeManualUpdate, "", actor, reason, now)
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) IncreaseStock(ctx context.Context, productID string, warehouseCode string, quantity int, actor string, notes string) (*domain.StockMovement, error) {
	if quantity < 1 {
		return nil, store.ErrInvalidRequest
	}

	warehouse, err := s.GetWarehouseByCode(ctx, warehouseCode)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productCode, _, oldQty, err := lockStockRow(ctx, tx, productID, warehouse.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE stock_levels SET quantity = quantity + $3, updated_at = $4
		WHERE product_id = $1 AND warehouse_id = $2
	`, productID, warehouse.ID, quantity, now); err != nil {
		return nil, err
	}

	movement := movementFor(productID, productCode, warehouse.ID, warehouse.Code, oldQty, oldQty+quantity, domain.ChangeTypeRestock, "", actor, notes, now)
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT m.id, m.product_id, p.code, m.warehouse_id, w.code, m.old_quantity, m.new_quantity, m.quantity_change,
		       m.movement_type, m.change_type, m.sale_id, m.created_by, m.notes, m.created_at
		FROM stock_movements m
		JOIN products p ON p.id = m.product_id
		JOIN warehouses w ON w.id = m.warehouse_id
	`)

	conditions := make([]string, 0, 5)
	args := make([]any, 0, 5)
	addCondition := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProductID != "" {
		addCondition("m.product_id = $%d", filter.ProductID)
	}
	if filter.WarehouseCode != "" {
		addCondition("w.code = $%d", filter.WarehouseCode)
	}
	if filter.MovementType != "" {
		addCondition("m.movement_type = $%d", filter.MovementType)
	}
	if filter.DateFrom != nil {
		addCondition("m.created_at >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		addCondition("m.created_at <= $%d", *filter.DateTo)
	}
	if len(conditions) > 0 {
		query.WriteString(" WHERE " + strings.Join(conditions, " AND "))
	}
	query.WriteString(" ORDER BY m.created_at DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 64)
	for rows.Next() {
		var m domain.StockMovement
		var saleID, createdBy, notes sql.NullString
		if err := rows.Scan(&m.ID, &m.ProductID, &m.ProductCode, &m.WarehouseID, &m.WarehouseCode,
			&m.OldQuantity, &m.NewQuantity, &m.QuantityChange, &m.MovementType, &m.ChangeType,
			&saleID, &createdBy, &notes, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SaleID = saleID.String
		m.CreatedBy = createdBy.String
		m.Notes = notes.String
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// CreateSale runs the whole unit in one serializable transaction: lock every
// stock row, validate availability line by line, insert the sale and items,
// decrement stock, and record one movement per line. Any failure rolls the
// whole unit back.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Number == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.SaleDate.IsZero() {
		sale.SaleDate = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Rows are locked once per (product, warehouse); duplicate lines draw from
	// the same locked quantity, so taken tracks the running total.
	locked := make(map[[2]string]*lockedStock)
	oldQuantities := make([]int, len(sale.Items))
	warehouseCodes := make([]string, len(sale.Items))
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.Quantity < 1 {
			return nil, &store.InvalidLineError{Line: i, Reason: "quantity must be positive"}
		}
		key := [2]string{item.ProductID, item.WarehouseID}
		row, ok := locked[key]
		if !ok {
			productCode, warehouseCode, available, err := lockStockRow(ctx, tx, item.ProductID, item.WarehouseID)
			if err != nil {
				return nil, err
			}
			row = &lockedStock{productCode: productCode, warehouseCode: warehouseCode, available: available}
			locked[key] = row
		}
		if row.taken+item.Quantity > row.available {
			return nil, &store.InsufficientStockError{
				Line:          i,
				ProductID:     item.ProductID,
				ProductCode:   row.productCode,
				WarehouseCode: row.warehouseCode,
				Requested:     row.taken + item.Quantity,
				Available:     row.available,
			}
		}
		item.ProductCode = row.productCode
		oldQuantities[i] = row.available - row.taken
		warehouseCodes[i] = row.warehouseCode
		row.taken += item.Quantity
	}

	subTotal := decimal.Zero
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		subTotal = subTotal.Add(item.TotalPrice)
	}
	sale.SubTotal = subTotal
	sale.TaxAmount = subTotal.Mul(domain.SaleTaxRate).Round(2)
	sale.TotalAmount = subTotal.Add(sale.TaxAmount)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, number, customer_id, processed_by, sub_total, tax_amount, total_amount, status, payment_method, notes, sale_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, sale.Number, sale.CustomerID, sale.ProcessedBy, sale.SubTotal, sale.TaxAmount,
		sale.TotalAmount, sale.Status, sale.PaymentMethod, nullIfEmpty(sale.Notes), sale.SaleDate)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	for i, item := range sale.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, warehouse_id, quantity, unit_price, total_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, sale.ID, item.ProductID, item.WarehouseID, item.Quantity, item.UnitPrice, item.TotalPrice); err != nil {
			return nil, err
		}

		newQty := oldQuantities[i] - item.Quantity
		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_levels SET quantity = $3, updated_at = $4
			WHERE product_id = $1 AND warehouse_id = $2
		`, item.ProductID, item.WarehouseID, newQty, sale.SaleDate); err != nil {
			return nil, err
		}

		movement := movementFor(item.ProductID, item.ProductCode, item.WarehouseID, warehouseCodes[i],
			oldQuantities[i], newQty, domain.ChangeTypeSale, sale.ID, sale.ProcessedBy, "sale "+sale.Number, sale.SaleDate)
		if err := insertMovement(ctx, tx, movement); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	var notes sql.NullString
	var refundedAt, cancelledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, customer_id, processed_by, sub_total, tax_amount, total_amount, status, payment_method, notes, sale_date, refunded_at, cancelled_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.Number, &sale.CustomerID, &sale.ProcessedBy, &sale.SubTotal,
		&sale.TaxAmount, &sale.TotalAmount, &sale.Status, &sale.PaymentMethod, &notes,
		&sale.SaleDate, &refundedAt, &cancelledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.Notes = notes.String
	if refundedAt.Valid {
		sale.RefundedAt = &refundedAt.Time
	}
	if cancelledAt.Valid {
		sale.CancelledAt = &cancelledAt.Time
	}

	items, err := s.saleItems(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (s *Store) saleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT si.id, si.product_id, p.code, si.warehouse_id, si.quantity, si.unit_price, si.total_price
		FROM sale_items si
		JOIN products p ON p.id = si.product_id
		WHERE si.sale_id = $1
		ORDER BY si.id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.ProductCode, &item.WarehouseID,
			&item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	query := `
		SELECT id, number, customer_id, processed_by, sub_total, tax_amount, total_amount, status, payment_method, notes, sale_date, refunded_at, cancelled_at
		FROM sales
		ORDER BY sale_date DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		var sale domain.Sale
		var notes sql.NullString
		var refundedAt, cancelledAt sql.NullTime
		if err := rows.Scan(&sale.ID, &sale.Number, &sale.CustomerID, &sale.ProcessedBy, &sale.SubTotal,
			&sale.TaxAmount, &sale.TotalAmount, &sale.Status, &sale.PaymentMethod, &notes,
			&sale.SaleDate, &refundedAt, &cancelledAt); err != nil {
			return nil, err
		}
		sale.Notes = notes.String
		if refundedAt.Valid {
			sale.RefundedAt = &refundedAt.Time
		}
		if cancelledAt.Valid {
			sale.CancelledAt = &cancelledAt.Time
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		items, err := s.saleItems(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Items = items
	}
	return sales, nil
}

// CancelSale voids a completed sale. Stock is not restored: cancellation
// reverses the document, not the goods.
func (s *Store) CancelSale(ctx context.Context, id string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidStateTransition
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales SET status = $2, cancelled_at = $3 WHERE id = $1
	`, id, domain.SaleStatusCancelled, at); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSaleByID(ctx, id)
}

// RefundSale restores every sold quantity and records one Refund movement per
// item. The FOR UPDATE status read is the idempotence guard: a second refund
// fails before touching stock.
func (s *Store) RefundSale(ctx context.Context, id string, actor string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status, number string
	err = tx.QueryRowContext(ctx, `SELECT status, number FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&status, &number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidStateTransition
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT product_id, warehouse_id, quantity FROM sale_items WHERE sale_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	type refundLine struct {
		productID   string
		warehouseID string
		quantity    int
	}
	lines := make([]refundLine, 0, 8)
	for itemRows.Next() {
		var line refundLine
		if err := itemRows.Scan(&line.productID, &line.warehouseID, &line.quantity); err != nil {
			itemRows.Close()
			return nil, err
		}
		lines = append(lines, line)
	}
	itemRows.Close()
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	for _, line := range lines {
		productCode, warehouseCode, oldQty, err := lockStockRow(ctx, tx, line.productID, line.warehouseID)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_levels SET quantity = quantity + $3, updated_at = $4
			WHERE product_id = $1 AND warehouse_id = $2
		`, line.productID, line.warehouseID, line.quantity, at); err != nil {
			return nil, err
		}
		movement := movementFor(line.productID, productCode, line.warehouseID, warehouseCode,
			oldQty, oldQty+line.quantity, domain.ChangeTypeRefund, id, actor, "refund of "+number, at)
		if err := insertMovement(ctx, tx, movement); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales SET status = $2, refunded_at = $3 WHERE id = $1
	`, id, domain.SaleStatusRefunded, at); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSaleByID(ctx, id)
}

// CreateInvoice mirrors CreateSale for catalog-backed lines. Custom lines have
// no product or warehouse reference and never touch stock.
func (s *Store) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.Number == "" || len(invoice.Items) == 0 || invoice.Customer.Name == "" {
		return nil, store.ErrInvalidRequest
	}
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	if invoice.InvoiceDate.IsZero() {
		invoice.InvoiceDate = time.Now().UTC()
	}
	if invoice.Status == "" {
		invoice.Status = domain.SaleStatusCompleted
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	locked := make(map[[2]string]*lockedStock)
	oldQuantities := make([]int, len(invoice.Items))
	warehouseCodes := make([]string, len(invoice.Items))
	for i := range invoice.Items {
		item := &invoice.Items[i]
		if item.Quantity < 1 {
			return nil, &store.InvalidLineError{Line: i, Reason: "quantity must be positive"}
		}
		if item.IsCustomItem {
			if strings.TrimSpace(item.Description) == "" {
				return nil, &store.InvalidLineError{Line: i, Reason: "custom item requires a description"}
			}
			continue
		}
		key := [2]string{item.ProductID, item.WarehouseID}
		row, ok := locked[key]
		if !ok {
			productCode, warehouseCode, available, err := lockStockRow(ctx, tx, item.ProductID, item.WarehouseID)
			if err != nil {
				return nil, err
			}
			row = &lockedStock{productCode: productCode, warehouseCode: warehouseCode, available: available}
			locked[key] = row
		}
		if row.taken+item.Quantity > row.available {
			return nil, &store.InsufficientStockError{
				Line:          i,
				ProductID:     item.ProductID,
				ProductCode:   row.productCode,
				WarehouseCode: row.warehouseCode,
				Requested:     row.taken + item.Quantity,
				Available:     row.available,
			}
		}
		item.ProductCode = row.productCode
		oldQuantities[i] = row.available - row.taken
		warehouseCodes[i] = row.warehouseCode
		row.taken += item.Quantity
	}

	subTotal := decimal.Zero
	for i := range invoice.Items {
		item := &invoice.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		subTotal = subTotal.Add(item.TotalPrice)
	}
	invoice.SubTotal = subTotal
	invoice.TaxAmount = subTotal.Mul(invoice.TaxRate).Round(2)
	invoice.TotalAmount = subTotal.Add(invoice.TaxAmount)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, number, customer_name, customer_email, customer_phone, customer_company, customer_address, processed_by, sub_total, tax_rate, tax_amount, total_amount, status, payment_method, notes, invoice_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, invoice.ID, invoice.Number, invoice.Customer.Name, nullIfEmpty(invoice.Customer.Email),
		nullIfEmpty(invoice.Customer.Phone), nullIfEmpty(invoice.Customer.Company), nullIfEmpty(invoice.Customer.Address),
		invoice.ProcessedBy, invoice.SubTotal, invoice.TaxRate, invoice.TaxAmount, invoice.TotalAmount,
		invoice.Status, invoice.PaymentMethod, nullIfEmpty(invoice.Notes), invoice.InvoiceDate)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	for i, item := range invoice.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_items (id, invoice_id, is_custom_item, product_id, warehouse_id, description, quantity, unit_price, total_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ID, invoice.ID, item.IsCustomItem, nullIfEmpty(item.ProductID), nullIfEmpty(item.WarehouseID),
			nullIfEmpty(item.Description), item.Quantity, item.UnitPrice, item.TotalPrice); err != nil {
			return nil, err
		}
		if item.IsCustomItem {
			continue
		}

		newQty := oldQuantities[i] - item.Quantity
		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_levels SET quantity = $3, updated_at = $4
			WHERE product_id = $1 AND warehouse_id = $2
		`, item.ProductID, item.WarehouseID, newQty, invoice.InvoiceDate); err != nil {
			return nil, err
		}

		movement := movementFor(item.ProductID, item.ProductCode, item.WarehouseID, warehouseCodes[i],
			oldQuantities[i], newQty, domain.ChangeTypeInvoice, "", invoice.ProcessedBy, "invoice "+invoice.Number, invoice.InvoiceDate)
		if err := insertMovement(ctx, tx, movement); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) GetInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	var email, phone, company, address, notes sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, customer_name, customer_email, customer_phone, customer_company, customer_address, processed_by, sub_total, tax_rate, tax_amount, total_amount, status, payment_method, notes, invoice_date
		FROM invoices
		WHERE id = $1
	`, id).Scan(&invoice.ID, &invoice.Number, &invoice.Customer.Name, &email, &phone, &company, &address,
		&invoice.ProcessedBy, &invoice.SubTotal, &invoice.TaxRate, &invoice.TaxAmount, &invoice.TotalAmount,
		&invoice.Status, &invoice.PaymentMethod, &notes, &invoice.InvoiceDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.Customer.Email = email.String
	invoice.Customer.Phone = phone.String
	invoice.Customer.Company = company.String
	invoice.Customer.Address = address.String
	invoice.Notes = notes.String

	items, err := s.invoiceItems(ctx, invoice.ID)
	if err != nil {
		return nil, err
	}
	invoice.Items = items
	return &invoice, nil
}

func (s *Store) invoiceItems(ctx context.Context, invoiceID string) ([]domain.InvoiceItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ii.id, ii.is_custom_item, ii.product_id, p.code, ii.warehouse_id, ii.description, ii.quantity, ii.unit_price, ii.total_price
		FROM invoice_items ii
		LEFT JOIN products p ON p.id = ii.product_id
		WHERE ii.invoice_id = $1
		ORDER BY ii.id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InvoiceItem, 0, 8)
	for rows.Next() {
		var item domain.InvoiceItem
		var productID, productCode, warehouseID, description sql.NullString
		if err := rows.Scan(&item.ID, &item.IsCustomItem, &productID, &productCode, &warehouseID,
			&description, &item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return nil, err
		}
		item.ProductID = productID.String
		item.ProductCode = productCode.String
		item.WarehouseID = warehouseID.String
		item.Description = description.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	query := `
		SELECT id, number, customer_name, customer_email, customer_phone, customer_company, customer_address, processed_by, sub_total, tax_rate, tax_amount, total_amount, status, payment_method, notes, invoice_date
		FROM invoices
		ORDER BY invoice_date DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 64)
	for rows.Next() {
		var invoice domain.Invoice
		var email, phone, company, address, notes sql.NullString
		if err := rows.Scan(&invoice.ID, &invoice.Number, &invoice.Customer.Name, &email, &phone, &company, &address,
			&invoice.ProcessedBy, &invoice.SubTotal, &invoice.TaxRate, &invoice.TaxAmount, &invoice.TotalAmount,
			&invoice.Status, &invoice.PaymentMethod, &notes, &invoice.InvoiceDate); err != nil {
			return nil, err
		}
		invoice.Customer.Email = email.String
		invoice.Customer.Phone = phone.String
		invoice.Customer.Company = company.String
		invoice.Customer.Address = address.String
		invoice.Notes = notes.String
		invoices = append(invoices, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range invoices {
		items, err := s.invoiceItems(ctx, invoices[i].ID)
		if err != nil {
			return nil, err
		}
		invoices[i].Items = items
	}
	return invoices, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
