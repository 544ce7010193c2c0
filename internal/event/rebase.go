// internal/event/rebase.go
package event

type Rebase struct {
	OldDivisor int64
	NewDivisor int64
	OldPrice   int64 // Token price before the supply expansion
	AssetPrice int64
	TotalShares int64
}

func (r *Rebase) EventType() EventType {
	return EventTypeRebase
}
