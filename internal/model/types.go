// Package model defines domain types used by the service.
package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the authoritative catalog record. ID is zero until the record
// store assigns it.
type Product struct {
	ID          int64           `json:"id,omitempty" gorm:"primaryKey;autoIncrement"`
	Name        string          `json:"name" gorm:"not null"`
	Description string          `json:"description"`
	Category    string          `json:"category" gorm:"index"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(12,2)"`
	Stock       int64           `json:"stock"`
}

// DocID returns the search document id for the product.
func (p Product) DocID() string { return strconv.FormatInt(p.ID, 10) }

// Fields carries the five mutable product fields of a full replace update.
type Fields struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Stock       int64           `json:"stock"`
}

// Apply replaces every mutable field of p with f.
func (f Fields) Apply(p Product) Product {
	p.Name = f.Name
	p.Description = f.Description
	p.Category = f.Category
	p.Price = f.Price
	p.Stock = f.Stock
	return p
}

// Date marshals as a calendar date (2006-01-02).
type Date struct{ time.Time }

const dateLayout = "2006-01-02"

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + d.Format(dateLayout) + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == `""` {
		d.Time = time.Time{}
		return nil
	}
	s, err := strconv.Unquote(s)
	if err != nil {
		return err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		// accept full timestamps written by other indexers
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
	}
	d.Time = t.UTC().Truncate(24 * time.Hour)
	return nil
}

// Today returns the current UTC date.
func Today() Date { return Date{time.Now().UTC().Truncate(24 * time.Hour)} }

// ProductDocument is the denormalized search projection of a Product.
type ProductDocument struct {
	ID          string          `json:"id"`
	ProductID   int64           `json:"product_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Stock       int64           `json:"stock"`
	ViewCount   int64           `json:"view_count"`
	CreatedAt   Date            `json:"created_at"`
	UpdatedAt   Date            `json:"updated_at"`
}

// Document projects p into a fresh search document dated today. Indexes keep
// the stored view count and creation date when upserting over an existing
// document.
func Document(p Product) ProductDocument {
	today := Today()
	return ProductDocument{
		ID:          p.DocID(),
		ProductID:   p.ID,
		Name:        p.Name,
		Description: p.Description,
		Category:    p.Category,
		Price:       p.Price,
		Stock:       p.Stock,
		CreatedAt:   today,
		UpdatedAt:   today,
	}
}

// Change operations carried by ChangeEvent.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangeEvent is published once per committed write.
type ChangeEvent struct {
	ProductID int64     `json:"product_id"`
	Op        string    `json:"op"`
	Payload   Product   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// ViewEvent records a product read for analytics consumers.
type ViewEvent struct {
	ProductID int64     `json:"product_id"`
	UserID    string    `json:"user_id,omitempty"`
	ViewedAt  time.Time `json:"viewed_at"`
	Source    string    `json:"source,omitempty"`
}
