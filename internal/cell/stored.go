package cell

import "time"

// StoredCell is the relational store's view of one cell: its address,
// current value, the origin that last wrote it, and a modification
// timestamp. The store enforces at most one StoredCell per Address.
type StoredCell struct {
	Address   Address
	Value     Value
	Origin    Origin
	UpdatedAt time.Time
}
