package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID                 string           `json:"id"`
	Code               string           `json:"code"`
	Name               string           `json:"name"`
	Brand              string           `json:"brand,omitempty"`
	RetailPrice        decimal.Decimal  `json:"retail_price"`
	TradePrice         *decimal.Decimal `json:"trade_price,omitempty"`
	CostPrice          *decimal.Decimal `json:"cost_price,omitempty"`
	IsPriceOverridable bool             `json:"is_price_overridable"`
	MaxDiscountPercent float64          `json:"max_discount_percent"`
	CreatedAt          time.Time        `json:"created_at"`
}

type ProductCreateRequest struct {
	Code               string           `json:"code" validate:"required"`
	Name               string           `json:"name" validate:"required"`
	Brand              string           `json:"brand"`
	RetailPrice        decimal.Decimal  `json:"retail_price"`
	TradePrice         *decimal.Decimal `json:"trade_price,omitempty"`
	CostPrice          *decimal.Decimal `json:"cost_price,omitempty"`
	IsPriceOverridable bool             `json:"is_price_overridable"`
	MaxDiscountPercent float64          `json:"max_discount_percent" validate:"gte=0,lte=100"`
}

type Warehouse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type WarehouseCreateRequest struct {
	Code string `json:"code" validate:"required"`
	Name string `json:"name" validate:"required"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Company   string    `json:"company,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CustomerSnapshot is an unpersisted customer captured inline on an invoice.
// There is no foreign key back to the customers table.
type CustomerSnapshot struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
	Address string `json:"address,omitempty"`
}

type StockLevel struct {
	ProductID     string    `json:"product_id"`
	ProductCode   string    `json:"product_code,omitempty"`
	WarehouseID   string    `json:"warehouse_id"`
	WarehouseCode string    `json:"warehouse_code"`
	Quantity      int       `json:"quantity"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type StockMovement struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	ProductCode    string    `json:"product_code,omitempty"`
	WarehouseID    string    `json:"warehouse_id"`
	WarehouseCode  string    `json:"warehouse_code"`
	OldQuantity    int       `json:"old_quantity"`
	NewQuantity    int       `json:"new_quantity"`
	QuantityChange int       `json:"quantity_change"`
	MovementType   string    `json:"movement_type"`
	ChangeType     string    `json:"change_type"`
	SaleID         string    `json:"sale_id,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type MovementFilter struct {
	ProductID     string
	WarehouseCode string
	MovementType  string
	DateFrom      *time.Time
	DateTo        *time.Time
	Limit         int
}

type SaleItem struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	ProductCode string          `json:"product_code,omitempty"`
	WarehouseID string          `json:"warehouse_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

type Sale struct {
	ID            string          `json:"id"`
	Number        string          `json:"number"`
	CustomerID    string          `json:"customer_id"`
	ProcessedBy   string          `json:"processed_by"`
	Items         []SaleItem      `json:"items"`
	SubTotal      decimal.Decimal `json:"sub_total"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        string          `json:"status"`
	PaymentMethod string          `json:"payment_method"`
	Notes         string          `json:"notes,omitempty"`
	SaleDate      time.Time       `json:"sale_date"`
	RefundedAt    *time.Time      `json:"refunded_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
}

type SaleLineRequest struct {
	ProductID   string           `json:"product_id" validate:"required"`
	WarehouseID string           `json:"warehouse_id" validate:"required"`
	Quantity    int              `json:"quantity" validate:"gt=0"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
}

type SaleCreateRequest struct {
	CustomerID    string            `json:"customer_id" validate:"required"`
	PaymentMethod string            `json:"payment_method" validate:"required"`
	Notes         string            `json:"notes"`
	Items         []SaleLineRequest `json:"items" validate:"required,min=1,dive"`
}

type InvoiceItem struct {
	ID           string          `json:"id"`
	IsCustomItem bool            `json:"is_custom_item"`
	ProductID    string          `json:"product_id,omitempty"`
	ProductCode  string          `json:"product_code,omitempty"`
	WarehouseID  string          `json:"warehouse_id,omitempty"`
	Description  string          `json:"description,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	TotalPrice   decimal.Decimal `json:"total_price"`
}

type Invoice struct {
	ID            string           `json:"id"`
	Number        string           `json:"number"`
	Customer      CustomerSnapshot `json:"customer"`
	ProcessedBy   string           `json:"processed_by"`
	Items         []InvoiceItem    `json:"items"`
	SubTotal      decimal.Decimal  `json:"sub_total"`
	TaxRate       decimal.Decimal  `json:"tax_rate"`
	TaxAmount     decimal.Decimal  `json:"tax_amount"`
	TotalAmount   decimal.Decimal  `json:"total_amount"`
	Status        string           `json:"status"`
	PaymentMethod string           `json:"payment_method"`
	Notes         string           `json:"notes,omitempty"`
	InvoiceDate   time.Time        `json:"invoice_date"`
}

type InvoiceLineRequest struct {
	IsCustomItem bool             `json:"is_custom_item"`
	ProductID    string           `json:"product_id,omitempty"`
	WarehouseID  string           `json:"warehouse_id,omitempty"`
	Description  string           `json:"description,omitempty"`
	Quantity     int              `json:"quantity" validate:"gt=0"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
}

type InvoiceCreateRequest struct {
	Customer      CustomerSnapshot     `json:"customer" validate:"required"`
	PaymentMethod string               `json:"payment_method" validate:"required"`
	Notes         string               `json:"notes"`
	TaxRate       decimal.Decimal      `json:"tax_rate"`
	Items         []InvoiceLineRequest `json:"items" validate:"required,min=1,dive"`
}

type StockUpdateRequest struct {
	WarehouseCode string `json:"warehouse_code" validate:"required"`
	NewQuantity   int    `json:"new_quantity" validate:"gte=0"`
	Reason        string `json:"reason"`
}

type RestockRequest struct {
	WarehouseCode string `json:"warehouse_code" validate:"required"`
	Quantity      int    `json:"quantity" validate:"gt=0"`
	Notes         string `json:"notes"`
}

type StockResponse struct {
	ProductID   string         `json:"product_id"`
	ProductCode string         `json:"product_code,omitempty"`
	Levels      map[string]int `json:"levels"`
	Total       int            `json:"total"`
}

type MovementListResponse struct {
	Movements []StockMovement `json:"movements"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
	SaleStatusRefunded  = "refunded"
)

const (
	MovementIncoming = "INCOMING"
	MovementOutgoing = "OUTGOING"
)

const (
	ChangeTypeSale         = "Sale"
	ChangeTypeInvoice      = "Invoice"
	ChangeTypeRefund       = "Refund"
	ChangeTypeRestock      = "Restock"
	ChangeTypeManualUpdate = "Manual Update"
)

// SaleTaxRate is the GST applied to every sale. Invoices carry their own rate.
var SaleTaxRate = decimal.NewFromFloat(0.15)
