package thermostat

import (
	"testing"
)

func TestDispatcherOrderAndUnsubscribe(t *testing.T) {
	d := newDispatcher(testLogger())

	var order []int
	first := func(Status) { order = append(order, 1) }
	second := func(Status) { order = append(order, 2) }

	unsubFirst := subscribe(d, &d.status, first)
	subscribe(d, &d.status, second)

	emit(d, &d.status, Status{})
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("delivery order = %v, want [1 2]", order)
	}

	unsubFirst()
	order = nil
	emit(d, &d.status, Status{})
	if len(order) != 1 || order[0] != 2 {
		t.Errorf("after unsubscribe order = %v, want [2]", order)
	}

	// Unsubscribing twice is harmless.
	unsubFirst()
}

func TestDispatcherDuplicateRegistration(t *testing.T) {
	d := newDispatcher(testLogger())

	count := 0
	fn := func(Status) { count++ }
	subscribe(d, &d.status, fn)
	subscribe(d, &d.status, fn)

	emit(d, &d.status, Status{})
	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}
}

func TestDispatcherPanicRecovery(t *testing.T) {
	d := newDispatcher(testLogger())

	reached := false
	subscribe(d, &d.status, func(Status) { panic("boom") })
	subscribe(d, &d.status, func(Status) { reached = true })

	emit(d, &d.status, Status{})
	if !reached {
		t.Error("handler after panicking one did not run")
	}
}

func TestDispatcherIndependentKinds(t *testing.T) {
	d := newDispatcher(testLogger())

	statusFired := false
	scheduleFired := false
	subscribe(d, &d.status, func(Status) { statusFired = true })
	subscribe(d, &d.schedule, func(Schedule) { scheduleFired = true })

	emit(d, &d.status, Status{})
	if !statusFired || scheduleFired {
		t.Errorf("status=%v schedule=%v, want true/false", statusFired, scheduleFired)
	}
}
