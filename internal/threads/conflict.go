package threads

// Claim is one thread's fact for a key that more than one thread holds.
// Order is the thread's position in registry merge order.
type Claim struct {
	Weight    float64
	UpdatedAt int64
	Order     int
}

// Beats reports whether c wins the key over o: the higher weight wins, then
// the more recent update, then the earlier thread.
func (c Claim) Beats(o Claim) bool {
	if c.Weight != o.Weight {
		return c.Weight > o.Weight
	}
	if c.UpdatedAt != o.UpdatedAt {
		return c.UpdatedAt > o.UpdatedAt
	}
	return c.Order < o.Order
}
