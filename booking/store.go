package booking

import (
	"context"

	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/refund"
)

// Repository persists bookings.
type Repository interface {
	// InsertBooking fails with ledger.ErrConflict when the id exists.
	InsertBooking(ctx context.Context, b Booking) error
	GetBooking(ctx context.Context, id string) (Booking, error)
	// UpdateBooking overwrites the mutable fields of b, provided the stored
	// status is still `from`. Otherwise it fails with ErrInvalidStateTransition.
	UpdateBooking(ctx context.Context, b Booking, from Status) error
	ListBookings(ctx context.Context, f Filter) ([]Booking, error)
}

// Store is everything the controller needs, in one database, so that a hold
// settlement, its ledger row and the booking status change commit together.
type Store interface {
	ledger.Store
	refund.Store
	Repository

	// WithBookingTx runs fn in one database transaction.
	WithBookingTx(ctx context.Context, fn func(Store) error) error
}

// TxStore is a Store the ledger.Manager can drive on its own as well. Every
// backend implements it; main wires one value into both.
type TxStore interface {
	Store
	ledger.TxStore
}
