package inventory

import "gorm.io/gorm"

// Store bundles the inventory repositories so a single transaction can be
// threaded through all of them.
type Store struct {
	Ledgers LedgerRepository
	Carts   CartReservationRepository
	Holds   OrderHoldRepository
	Totals  TotalsRepository
}

// NewStore builds a Store backed by db.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		Ledgers: NewLedgerRepository(db),
		Carts:   NewCartReservationRepository(db),
		Holds:   NewOrderHoldRepository(db),
		Totals:  NewTotalsRepository(db),
	}
}

// WithTx returns a Store whose repositories run inside tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	return &Store{
		Ledgers: s.Ledgers.WithTx(tx),
		Carts:   s.Carts.WithTx(tx),
		Holds:   s.Holds.WithTx(tx),
		Totals:  s.Totals.WithTx(tx),
	}
}
