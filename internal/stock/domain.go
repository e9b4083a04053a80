package stock

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// ProductType enumerates the product tables that carry stock counters.
type ProductType string

const (
	// ProductItem is a rentable or sellable item.
	ProductItem ProductType = "item"
	// ProductAccessory is an accessory sold or rented alongside items.
	ProductAccessory ProductType = "accessory"
	// ProductBundle is a virtual product backed by component stock.
	ProductBundle ProductType = "bundle"
)

// Valid reports whether t names a known product table.
func (t ProductType) Valid() bool {
	switch t {
	case ProductItem, ProductAccessory, ProductBundle:
		return true
	}
	return false
}

// ProductRef points at exactly one product. Only one of the ids may be set.
type ProductRef struct {
	ItemID      int64 `json:"item_id,omitempty"`
	AccessoryID int64 `json:"accessory_id,omitempty"`
	BundleID    int64 `json:"bundle_id,omitempty"`
}

// ItemRef references an item.
func ItemRef(id int64) ProductRef { return ProductRef{ItemID: id} }

// AccessoryRef references an accessory.
func AccessoryRef(id int64) ProductRef { return ProductRef{AccessoryID: id} }

// BundleRef references a bundle.
func BundleRef(id int64) ProductRef { return ProductRef{BundleID: id} }

// NewProductRef builds a reference from a product type and id.
func NewProductRef(t ProductType, id int64) (ProductRef, error) {
	if id <= 0 {
		return ProductRef{}, validationf("product id must be positive")
	}
	switch t {
	case ProductItem:
		return ItemRef(id), nil
	case ProductAccessory:
		return AccessoryRef(id), nil
	case ProductBundle:
		return BundleRef(id), nil
	}
	return ProductRef{}, validationf("unknown product type %q", t)
}

// Validate ensures exactly one positive id is set.
func (r ProductRef) Validate() error {
	set := 0
	for _, id := range []int64{r.ItemID, r.AccessoryID, r.BundleID} {
		if id < 0 {
			return validationf("product id must be positive")
		}
		if id > 0 {
			set++
		}
	}
	switch set {
	case 0:
		return validationf("product reference required")
	case 1:
		return nil
	}
	return validationf("product reference must name exactly one of item, accessory or bundle")
}

// Type returns the product table the reference points at.
func (r ProductRef) Type() ProductType {
	switch {
	case r.ItemID > 0:
		return ProductItem
	case r.AccessoryID > 0:
		return ProductAccessory
	case r.BundleID > 0:
		return ProductBundle
	}
	return ""
}

// ID returns the referenced id.
func (r ProductRef) ID() int64 {
	switch r.Type() {
	case ProductItem:
		return r.ItemID
	case ProductAccessory:
		return r.AccessoryID
	case ProductBundle:
		return r.BundleID
	}
	return 0
}

func (r ProductRef) String() string {
	if r.Type() == "" {
		return "none"
	}
	return string(r.Type()) + ":" + strconv.FormatInt(r.ID(), 10)
}

// less orders references by type then id so row locks are always taken in the same order.
func (r ProductRef) less(o ProductRef) bool {
	if r.Type() != o.Type() {
		return r.Type() < o.Type()
	}
	return r.ID() < o.ID()
}

// MovementType is the direction of a stock movement.
type MovementType string

const (
	// MovementIn adds units.
	MovementIn MovementType = "IN"
	// MovementOut removes units.
	MovementOut MovementType = "OUT"
)

// Valid reports whether t is IN or OUT.
func (t MovementType) Valid() bool {
	return t == MovementIn || t == MovementOut
}

func (t MovementType) inverse() MovementType {
	if t == MovementIn {
		return MovementOut
	}
	return MovementIn
}

func (t MovementType) sign() int64 {
	if t == MovementOut {
		return -1
	}
	return 1
}

// Cause identifies the business event behind a movement. It is persisted as
// the movement's reference_type.
type Cause string

const (
	// CauseReceipt brings purchased units into stock.
	CauseReceipt Cause = "stock_receipt"
	// CauseAdjustment corrects stock after a count, damage or loss.
	CauseAdjustment Cause = "stock_adjustment"
	// CauseBundleAssembly consumes components to build bundles.
	CauseBundleAssembly Cause = "bundle_assembly"
	// CauseRentalCheckout hands units to a renter. They stay owned.
	CauseRentalCheckout Cause = "rental_transaction"
	// CauseRentalReturn takes rented units back.
	CauseRentalReturn Cause = "rental_return"
	// CauseRentalCancellation releases units of a cancelled rental.
	CauseRentalCancellation Cause = "rental_cancellation"
	// CauseSaleCheckout removes sold units from stock.
	CauseSaleCheckout Cause = "sale_transaction"
	// CauseSaleCancellation puts units of a cancelled sale back.
	CauseSaleCancellation Cause = "sale_cancellation"
)

// causeTotals lists whether each cause changes stock_quantity as well as
// available_quantity. Rentals only move units between free and checked out.
var causeTotals = map[Cause]bool{
	CauseReceipt:            true,
	CauseAdjustment:         true,
	CauseBundleAssembly:     true,
	CauseRentalCheckout:     false,
	CauseRentalReturn:       false,
	CauseRentalCancellation: false,
	CauseSaleCheckout:       true,
	CauseSaleCancellation:   true,
}

// legacyCauses maps tags written by older clients onto the closed set.
var legacyCauses = map[string]Cause{
	"manual":             CauseAdjustment,
	"adjustment":         CauseAdjustment,
	"receipt":            CauseReceipt,
	"purchase":           CauseReceipt,
	"rental":             CauseRentalCheckout,
	"rental_checkout":    CauseRentalCheckout,
	"sale":               CauseSaleCheckout,
	"sale_checkout":      CauseSaleCheckout,
	"sale_return":        CauseSaleCancellation,
	"return":             CauseRentalReturn,
	"cancellation":       CauseRentalCancellation,
	"transaction_cancel": CauseRentalCancellation,
}

// ParseCause folds a stored reference_type tag onto a Cause.
func ParseCause(tag string) (Cause, error) {
	folded := strings.TrimSpace(cases.Fold().String(tag))
	folded = strings.ReplaceAll(folded, "-", "_")
	folded = strings.ReplaceAll(folded, " ", "_")
	if folded == "" {
		return "", validationf("reference type required")
	}
	c := Cause(folded)
	if c.Valid() {
		return c, nil
	}
	if legacy, ok := legacyCauses[folded]; ok {
		return legacy, nil
	}
	return "", validationf("unknown reference type %q", tag)
}

// Valid reports whether c belongs to the closed cause set.
func (c Cause) Valid() bool {
	_, ok := causeTotals[c]
	return ok
}

// AffectsTotalStock reports whether movements with this cause change stock_quantity.
func (c Cause) AffectsTotalStock() bool {
	return causeTotals[c]
}

// Counters are the two live stock counters of a product.
type Counters struct {
	Stock     int64 `json:"stock_quantity"`
	Available int64 `json:"available_quantity"`
}

// Valid reports whether 0 <= available <= stock.
func (c Counters) Valid() bool {
	return c.Available >= 0 && c.Available <= c.Stock
}

// ProductCounters pairs a product with its live counters.
type ProductCounters struct {
	Product  ProductRef
	Counters Counters
}

// Movement is one immutable ledger row.
type Movement struct {
	ID          int64        `json:"id"`
	Product     ProductRef   `json:"product"`
	Type        MovementType `json:"movement_type"`
	Cause       Cause        `json:"reference_type"`
	ReferenceID string       `json:"reference_id,omitempty"`
	Quantity    int64        `json:"quantity"`
	StockBefore int64        `json:"stock_before"`
	StockAfter  int64        `json:"stock_after"`
	UserID      int64        `json:"user_id,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// MovementInput describes a movement to record.
type MovementInput struct {
	Product     ProductRef
	Type        MovementType
	Cause       Cause
	ReferenceID string
	Quantity    int64
	UserID      int64
	Notes       string
}

// Validate checks the shape of the input. Sufficiency is checked by the counter maintainer.
func (in MovementInput) Validate() error {
	if err := in.Product.Validate(); err != nil {
		return err
	}
	if !in.Type.Valid() {
		return validationf("movement type must be IN or OUT")
	}
	if in.Quantity <= 0 {
		return validationf("quantity must be positive")
	}
	if !in.Cause.Valid() {
		return validationf("unknown reference type %q", in.Cause)
	}
	return nil
}

// CompositionLine is one bill-of-materials row of a bundle.
type CompositionLine struct {
	BundleID    int64 `json:"bundle_id"`
	ItemID      int64 `json:"item_id,omitempty"`
	AccessoryID int64 `json:"accessory_id,omitempty"`
	Quantity    int64 `json:"quantity"`
}

// Component returns the item or accessory the line consumes.
func (l CompositionLine) Component() ProductRef {
	return ProductRef{ItemID: l.ItemID, AccessoryID: l.AccessoryID}
}

func (l CompositionLine) validate() error {
	if l.ItemID > 0 && l.AccessoryID > 0 {
		return validationf("composition line must reference an item or an accessory, not both")
	}
	if l.ItemID <= 0 && l.AccessoryID <= 0 {
		return validationf("composition line requires an item or an accessory")
	}
	if l.Quantity <= 0 {
		return validationf("composition quantity must be positive")
	}
	return nil
}

// BundleIncrease asks to assemble bundles out of component stock.
type BundleIncrease struct {
	BundleID    int64
	Quantity    int64
	UserID      int64
	Notes       string
	Cause       Cause
	ReferenceID string
}

// BundleResult reports the bundle counters after assembly.
type BundleResult struct {
	Available int64      `json:"available_quantity"`
	Stock     int64      `json:"stock_quantity"`
	Movements []Movement `json:"movements"`
}

// Ceiling is the maximum number of bundles assemblable right now.
type Ceiling struct {
	Max      int64      `json:"max_bundles"`
	Limiting ProductRef `json:"limiting_component"`
}

// ConsistencyReport compares live counters with a ledger replay.
type ConsistencyReport struct {
	Product           ProductRef `json:"product"`
	IsValid           bool       `json:"is_valid"`
	StockMismatch     bool       `json:"stock_mismatch"`
	AvailableMismatch bool       `json:"available_mismatch"`
	Current           Counters   `json:"current"`
	Calculated        Counters   `json:"calculated"`
	// ReplayError is set when the ledger cannot be replayed at all.
	ReplayError string `json:"replay_error,omitempty"`
}

func newConsistencyReport(ref ProductRef, current, calculated Counters) ConsistencyReport {
	report := ConsistencyReport{
		Product:           ref,
		StockMismatch:     current.Stock != calculated.Stock,
		AvailableMismatch: current.Available != calculated.Available,
		Current:           current,
		Calculated:        calculated,
	}
	report.IsValid = !report.StockMismatch && !report.AvailableMismatch
	return report
}

// RepairResult is the outcome of repairing one product.
type RepairResult struct {
	Product ProductRef `json:"product"`
	Before  Counters   `json:"before"`
	After   Counters   `json:"after"`
	Changed bool       `json:"changed"`
	Error   string     `json:"error,omitempty"`
}

// LedgerTotal is the summed quantity for one product, direction and tag.
type LedgerTotal struct {
	Product  ProductRef
	Type     MovementType
	Tag      string
	Quantity int64
}

func (t LedgerTotal) String() string {
	return fmt.Sprintf("%s %s %s x%d", t.Product, t.Type, t.Tag, t.Quantity)
}
