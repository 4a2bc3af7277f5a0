package enums

// ReservationKind distinguishes the custodian of a reserved unit.
type ReservationKind string

const (
	ReservationKindCart  ReservationKind = "cart"
	ReservationKindOrder ReservationKind = "order"
)

// String implements fmt.Stringer.
func (k ReservationKind) String() string {
	return string(k)
}
