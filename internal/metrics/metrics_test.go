package metrics

import (
	"testing"
	"time"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}

func TestObserversAreSafeAfterInit(t *testing.T) {
	Init()
	ObservePage("success")
	ObserveFetchDuration(250 * time.Millisecond)
	ObservePenaltySleep("rate_limited", 5*time.Minute)
	SetPacingMultiplier(1.5)
	SetRouteHealth(3, 1)
	AddListingsUpserted("new", 2)
	AddPriceChanges(1)
	AddDeactivated(4)
	ObserveCycle("monitor", "ok", 90*time.Second)
}
