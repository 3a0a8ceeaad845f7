package listings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
)

// Store wraps the relational database holding listing and appointment rows.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// Open migrates the schema on the supplied dialector and returns a store.
// Production runs postgres; tests use the sqlite driver.
func Open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open listings database: %w", err)
	}
	if err := db.AutoMigrate(&Listing{}, &Appointment{}); err != nil {
		return nil, fmt.Errorf("migrate listings schema: %w", err)
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

// DB exposes the underlying handle so sibling stores can share the connection.
func (s *Store) DB() *gorm.DB { return s.db }

// SetNowFunc overrides the wall clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Create validates and inserts a new listing, assigning ids and timestamps.
func (s *Store) Create(ctx context.Context, l *Listing) error {
	if l == nil {
		return fault.Validationf("listing required")
	}
	if strings.TrimSpace(l.Title) == "" {
		return fault.Validationf("title is required")
	}
	if strings.TrimSpace(l.Location) == "" || strings.TrimSpace(l.Region) == "" {
		return fault.Validationf("location and region are required")
	}
	if !l.Type.Valid() {
		return fault.Validationf("unknown property type %q", l.Type)
	}
	if !l.Purpose.Valid() {
		return fault.Validationf("unknown purpose %q", l.Purpose)
	}
	if l.Price <= 0 {
		return fault.Validationf("price must be positive")
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.DatePosted.IsZero() {
		l.DatePosted = s.nowFn().UTC()
	}
	return s.db.WithContext(ctx).Create(l).Error
}

// Get fetches a listing by id.
func (s *Store) Get(ctx context.Context, id string) (*Listing, error) {
	var l Listing
	err := s.db.WithContext(ctx).First(&l, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.NotFound("listing", id)
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetAndCountView fetches a listing and increments its view counter.
func (s *Store) GetAndCountView(ctx context.Context, id string) (*Listing, error) {
	l, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&Listing{}).Where("id = ?", id).
		UpdateColumn("views", gorm.Expr("views + 1")).Error; err != nil {
		return nil, err
	}
	l.Views++
	return l, nil
}

// ToggleFeatured flips the listing's featured flag and returns the updated
// row. The flip happens in the database so concurrent toggles never lose one.
func (s *Store) ToggleFeatured(ctx context.Context, id string) (*Listing, error) {
	res := s.db.WithContext(ctx).Model(&Listing{}).Where("id = ?", id).
		UpdateColumn("is_featured", gorm.Expr("NOT is_featured"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fault.NotFound("listing", id)
	}
	return s.Get(ctx, id)
}

// AddFavorite increments the listing's favorites counter atomically and
// returns the updated row.
func (s *Store) AddFavorite(ctx context.Context, id string) (*Listing, error) {
	res := s.db.WithContext(ctx).Model(&Listing{}).Where("id = ?", id).
		UpdateColumn("favorites", gorm.Expr("favorites + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fault.NotFound("listing", id)
	}
	return s.Get(ctx, id)
}

// GetByTokenID fetches the listing mirroring the given ledger token.
func (s *Store) GetByTokenID(ctx context.Context, tokenID string) (*Listing, error) {
	var l Listing
	err := s.db.WithContext(ctx).First(&l, "token_id = ?", tokenID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.NotFound("listing with token", tokenID)
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Update applies a general CRUD patch. Ledger mirror columns are rejected
// here; they change only through ApplyTokenPatch after confirmation.
func (s *Store) Update(ctx context.Context, id string, fields map[string]interface{}) (*Listing, error) {
	if len(fields) == 0 {
		return s.Get(ctx, id)
	}
	for column := range fields {
		if reservedColumns[column] {
			return nil, fault.Validationf("field %s is managed by the ledger orchestrators", column)
		}
	}
	res := s.db.WithContext(ctx).Model(&Listing{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fault.NotFound("listing", id)
	}
	return s.Get(ctx, id)
}

var reservedColumns = map[string]bool{
	"token_id":             true,
	"mint_tx_ref":          true,
	"on_chain":             true,
	"verified":             true,
	"verification_tx_ref":  true,
	"verified_at":          true,
	"owner_wallet_address": true,
	"rating":               true,
	"review_count":         true,
}

// ApplyTokenPatch writes confirmed ledger facts back onto the listing row.
// Only the enumerated mirror fields can be touched.
func (s *Store) ApplyTokenPatch(ctx context.Context, id string, patch TokenPatch) error {
	fields := map[string]interface{}{}
	if patch.TokenID != nil {
		fields["token_id"] = *patch.TokenID
	}
	if patch.MintTxRef != nil {
		fields["mint_tx_ref"] = *patch.MintTxRef
	}
	if patch.OnChain != nil {
		fields["on_chain"] = *patch.OnChain
	}
	if patch.Verified != nil {
		fields["verified"] = *patch.Verified
	}
	if patch.VerificationTxRef != nil {
		fields["verification_tx_ref"] = *patch.VerificationTxRef
	}
	if patch.VerifiedAt != nil {
		fields["verified_at"] = *patch.VerifiedAt
	}
	if patch.OwnerWalletAddress != nil {
		fields["owner_wallet_address"] = *patch.OwnerWalletAddress
	}
	if patch.Rating != nil {
		fields["rating"] = *patch.Rating
	}
	if patch.ReviewCount != nil {
		fields["review_count"] = *patch.ReviewCount
	}
	if len(fields) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&Listing{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fault.NotFound("listing", id)
	}
	return nil
}

// Delete removes a listing. Tokenized listings stay put: the on-ledger record
// cannot be unwound, and escrows may still reference the token.
func (s *Store) Delete(ctx context.Context, id string) error {
	l, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if l.Tokenized() {
		return fault.Preconditionf("listing %s is tokenized and cannot be deleted", id)
	}
	return s.db.WithContext(ctx).Delete(&Listing{}, "id = ?", id).Error
}

// Query describes the listing search surface: filters, pagination, sorting.
type Query struct {
	Type      Type
	Purpose   Purpose
	Location  string
	MinPrice  *float64
	MaxPrice  *float64
	Amenities []string
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

var sortableColumns = map[string]string{
	"datePosted": "date_posted",
	"price":      "price",
	"views":      "views",
	"rating":     "rating",
}

// Search returns one page of listings matching the query plus the total count.
func (s *Store) Search(ctx context.Context, q Query) ([]Listing, int64, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := q.Limit
	if limit < 1 || limit > 100 {
		limit = 20
	}

	tx := s.db.WithContext(ctx).Model(&Listing{})
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Purpose != "" {
		tx = tx.Where("purpose = ?", q.Purpose)
	}
	if loc := strings.TrimSpace(q.Location); loc != "" {
		tx = tx.Where("lower(location) LIKE ?", "%"+strings.ToLower(loc)+"%")
	}
	if q.MinPrice != nil {
		tx = tx.Where("price >= ?", *q.MinPrice)
	}
	if q.MaxPrice != nil {
		tx = tx.Where("price <= ?", *q.MaxPrice)
	}
	for _, amenity := range q.Amenities {
		if a := strings.TrimSpace(amenity); a != "" {
			tx = tx.Where("amenities LIKE ?", "%\""+a+"\"%")
		}
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	column, ok := sortableColumns[q.SortBy]
	if !ok {
		column = "date_posted"
	}
	direction := "DESC"
	if strings.EqualFold(q.SortOrder, "asc") {
		direction = "ASC"
	}

	var out []Listing
	err := tx.Order(column + " " + direction).
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Featured returns the most recent featured listings.
func (s *Store) Featured(ctx context.Context, limit int) ([]Listing, error) {
	if limit < 1 || limit > 100 {
		limit = 10
	}
	var out []Listing
	err := s.db.WithContext(ctx).
		Where("is_featured = ?", true).
		Order("date_posted DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Recent returns the most recently posted listings.
func (s *Store) Recent(ctx context.Context, limit int) ([]Listing, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	var out []Listing
	err := s.db.WithContext(ctx).Order("date_posted DESC").Limit(limit).Find(&out).Error
	return out, err
}

// CreateAppointment books a viewing against a listing.
func (s *Store) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a == nil {
		return fault.Validationf("appointment required")
	}
	if strings.TrimSpace(a.CustomerName) == "" {
		return fault.Validationf("customer name is required")
	}
	if a.ScheduledAt.IsZero() {
		return fault.Validationf("scheduled time is required")
	}
	if _, err := s.Get(ctx, a.ListingID); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AppointmentPending
	}
	if !a.Status.Valid() {
		return fault.Validationf("unknown appointment status %q", a.Status)
	}
	return s.db.WithContext(ctx).Create(a).Error
}

// AppointmentsForListing lists appointments booked against one listing.
func (s *Store) AppointmentsForListing(ctx context.Context, listingID string) ([]Appointment, error) {
	var out []Appointment
	err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("scheduled_at ASC").
		Find(&out).Error
	return out, err
}

// UpdateAppointmentStatus moves an appointment through its lifecycle.
func (s *Store) UpdateAppointmentStatus(ctx context.Context, id string, status AppointmentStatus) error {
	if !status.Valid() {
		return fault.Validationf("unknown appointment status %q", status)
	}
	res := s.db.WithContext(ctx).Model(&Appointment{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fault.NotFound("appointment", id)
	}
	return nil
}
