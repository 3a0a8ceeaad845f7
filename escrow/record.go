// Package escrow owns the escrow lifecycle for transactions against a
// tokenized listing. The ledger is the source of truth for escrow status;
// local rows are read-through caches refreshed from confirmed reads and are
// never mutated ahead of the chain.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
)

// Kind enumerates what an escrow secures.
type Kind string

const (
	KindBooking     Kind = "booking"
	KindDeposit     Kind = "deposit"
	KindFullPayment Kind = "full-payment"
)

// Code returns the numeric escrow-type code used on the ledger.
func (k Kind) Code() (int, error) {
	switch k {
	case KindBooking:
		return 0, nil
	case KindDeposit:
		return 1, nil
	case KindFullPayment:
		return 2, nil
	default:
		return 0, fmt.Errorf("unknown escrow kind %q", k)
	}
}

// Status names the lifecycle states exposed by the escrow contract.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// statusCodes mirrors the contract's numeric encoding.
var statusCodes = map[int64]Status{
	0: StatusPending,
	1: StatusFunded,
	2: StatusReleased,
	3: StatusRefunded,
	4: StatusDisputed,
}

// StatusFromCode maps the ledger's numeric status to its name.
func StatusFromCode(code int64) (Status, error) {
	s, ok := statusCodes[code]
	if !ok {
		return "", fault.Read(fmt.Sprintf("unknown escrow status code %d", code), nil)
	}
	return s, nil
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Record caches one escrow's confirmed state.
type Record struct {
	EscrowID          string    `gorm:"primaryKey" json:"escrowId"`
	TokenID           string    `gorm:"index;not null" json:"tokenId"`
	Buyer             string    `gorm:"not null" json:"buyer"`
	Seller            string    `json:"seller,omitempty"`
	Amount            string    `gorm:"not null" json:"amount"` // fixed-point, ledger's smallest unit
	Kind              Kind      `gorm:"not null" json:"kind"`
	Status            Status    `gorm:"index;not null" json:"status"`
	ReleaseConditions string    `json:"releaseConditions,omitempty"`
	CreateTxRef       string    `json:"createTxRef,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Store persists escrow records on the shared database handle.
type Store struct {
	db *gorm.DB
}

// NewStore migrates the escrow schema and returns a store.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate escrow schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save inserts a freshly confirmed escrow record.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// Get fetches one escrow record.
func (s *Store) Get(ctx context.Context, escrowID string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "escrow_id = ?", escrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.NotFound("escrow", escrowID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// OpenForToken lists locally known escrows against a token that have not
// reached a terminal state.
func (s *Store) OpenForToken(ctx context.Context, tokenID string) ([]Record, error) {
	var out []Record
	err := s.db.WithContext(ctx).
		Where("token_id = ? AND status NOT IN ?", tokenID, []Status{StatusReleased, StatusRefunded}).
		Find(&out).Error
	return out, err
}

// SetStatus writes a confirmed status onto the cached record.
func (s *Store) SetStatus(ctx context.Context, escrowID string, status Status) error {
	return s.db.WithContext(ctx).Model(&Record{}).
		Where("escrow_id = ?", escrowID).
		Update("status", status).Error
}
