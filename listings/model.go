// Package listings persists the off-chain property records and their ledger
// mirror fields. The store is a caller of the orchestration layer, never an
// owner: token fields only change through the restricted patch applied after
// a confirmed ledger transition.
package listings

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Type enumerates the supported property categories.
type Type string

const (
	TypeApartment  Type = "apartment"
	TypeHouse      Type = "house"
	TypeVilla      Type = "villa"
	TypeCommercial Type = "commercial"
	TypeLand       Type = "land"
	TypeStudio     Type = "studio"
)

// Code returns the numeric property-type code used on the ledger.
func (t Type) Code() (int, error) {
	switch t {
	case TypeApartment:
		return 0, nil
	case TypeHouse:
		return 1, nil
	case TypeVilla:
		return 2, nil
	case TypeCommercial:
		return 3, nil
	case TypeLand:
		return 4, nil
	case TypeStudio:
		return 5, nil
	default:
		return 0, fmt.Errorf("unknown property type %q", t)
	}
}

// Valid reports whether t is a supported property type.
func (t Type) Valid() bool {
	_, err := t.Code()
	return err == nil
}

// Purpose enumerates what a listing is offered for.
type Purpose string

const (
	PurposeRent      Purpose = "rent"
	PurposeSale      Purpose = "sale"
	PurposeShortStay Purpose = "shortStay"
)

// Valid reports whether p is a supported purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeRent, PurposeSale, PurposeShortStay:
		return true
	default:
		return false
	}
}

// StringList stores a slice of strings as a JSON text column so the same
// model works against both postgres and sqlite.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	raw, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// Listing is the persisted property record plus its ledger mirror fields.
type Listing struct {
	ID          string `gorm:"primaryKey" json:"id"`
	Title       string `gorm:"not null" json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `gorm:"index" json:"location"`
	Region      string `gorm:"index" json:"region,omitempty"`
	District    string `json:"district,omitempty"`
	Area        string `json:"area,omitempty"`
	Type        Type    `gorm:"index;not null" json:"type"`
	Purpose     Purpose `gorm:"index;not null" json:"purpose"`
	Price       float64 `gorm:"index;not null" json:"price"`

	AppointmentFee float64 `json:"appointmentFee,omitempty"`
	TotalArea      float64 `json:"totalArea,omitempty"`
	Bedrooms       int     `json:"bedrooms,omitempty"`
	Bathrooms      int     `json:"bathrooms,omitempty"`
	Parking        int     `json:"parking,omitempty"`
	Dimensions     string  `json:"dimensions,omitempty"`

	Images    StringList `gorm:"type:text" json:"images,omitempty"`
	Videos    StringList `gorm:"type:text" json:"videos,omitempty"`
	Tags      StringList `gorm:"type:text" json:"tags,omitempty"`
	Amenities StringList `gorm:"type:text" json:"amenities,omitempty"`

	AgentName     string `json:"agentName,omitempty"`
	AgentPhone    string `json:"agentPhone,omitempty"`
	AgentEmail    string `json:"agentEmail,omitempty"`
	AgentPhoto    string `json:"agentPhoto,omitempty"`
	AgentCompany  string `json:"agentCompany,omitempty"`
	AgentPosition string `json:"agentPosition,omitempty"`

	IsFeatured  bool      `gorm:"index" json:"isFeatured"`
	DatePosted  time.Time `gorm:"index" json:"datePosted"`
	Views       int64     `json:"views"`
	Favorites   int64     `json:"favorites"`
	Rating      float64   `json:"rating"`
	ReviewCount int64     `json:"reviewCount"`

	// Ledger mirror. Written only through ApplyTokenPatch after a confirmed
	// transition; onChain and verified are read-through caches of ledger facts.
	TokenID            *string    `gorm:"index" json:"tokenId,omitempty"`
	MintTxRef          *string    `json:"mintTxRef,omitempty"`
	OnChain            bool       `gorm:"index" json:"onChain"`
	Verified           bool       `gorm:"index" json:"verified"`
	VerificationTxRef  *string    `json:"verificationTxRef,omitempty"`
	VerifiedAt         *time.Time `json:"verifiedAt,omitempty"`
	OwnerWalletAddress *string    `json:"ownerWalletAddress,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tokenized reports whether the listing has a confirmed on-ledger token.
func (l *Listing) Tokenized() bool {
	return l != nil && l.OnChain && l.TokenID != nil && *l.TokenID != ""
}

// TokenPatch is the restricted set of fields the orchestrators may write back
// after ledger confirmation. Nil fields are left untouched.
type TokenPatch struct {
	TokenID            *string
	MintTxRef          *string
	OnChain            *bool
	Verified           *bool
	VerificationTxRef  *string
	VerifiedAt         *time.Time
	OwnerWalletAddress *string
	Rating             *float64
	ReviewCount        *int64
}

// AppointmentStatus enumerates the viewing appointment lifecycle.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentCompleted AppointmentStatus = "completed"
)

// Valid reports whether s is a known appointment status.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentPending, AppointmentConfirmed, AppointmentCancelled, AppointmentCompleted:
		return true
	default:
		return false
	}
}

// Appointment is a property viewing booked against a listing.
type Appointment struct {
	ID            string            `gorm:"primaryKey" json:"id"`
	ListingID     string            `gorm:"index;not null" json:"listingId"`
	CustomerName  string            `gorm:"not null" json:"customerName"`
	CustomerPhone string            `json:"customerPhone,omitempty"`
	CustomerEmail string            `json:"customerEmail,omitempty"`
	WalletAddress string            `json:"walletAddress,omitempty"`
	ScheduledAt   time.Time         `gorm:"index" json:"scheduledAt"`
	Status        AppointmentStatus `gorm:"index" json:"status"`
	Notes         string            `json:"notes,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}
