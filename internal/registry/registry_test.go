package registry

import (
	"testing"

	"github.com/hanseinar/hsx/internal/minivm"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

func toFloat(bits uint16) float32 { return minivm.HalfToFloat32(bits) }
func toHalf(f float32) uint16     { return minivm.Float32ToHalf(f) }

func newTestRegistry() *Registry {
	return New(ProfileDesktop)
}

func requireRegistryStatus(t *testing.T, got, want Status) {
	t.Helper()
	if got != want {
		t.Fatalf("status = %v, want %v", got, want)
	}
}

// ==============================================================================
// Values: register / lookup / get / set
// ==============================================================================

func TestRegisterLookupRoundTrip(t *testing.T) {
	r := newTestRegistry()
	status, oid := r.RegisterValue(1, 1, 3, 0, "speed", 0)
	requireRegistryStatus(t, status, StatusOK)

	got := r.LookupValue(1, 3)
	if got != oid {
		t.Fatalf("LookupValue = %d, want %d", got, oid)
	}
}

func TestRegisterDuplicateGroupValueFails(t *testing.T) {
	r := newTestRegistry()
	r.RegisterValue(1, 1, 3, 0, "speed", 0)
	status, _ := r.RegisterValue(2, 1, 3, 0, "dup", 0)
	requireRegistryStatus(t, status, StatusEEXIST)
}

func TestSetGetRoundTripWithoutEpsilon(t *testing.T) {
	r := newTestRegistry()
	_, oid := r.RegisterValue(1, 1, 3, 0, "speed", 0)

	status, deliveries := r.Set(1, 5, oid, toHalf(12.5), toFloat)
	requireRegistryStatus(t, status, StatusOK)
	if len(deliveries) != 0 {
		t.Fatalf("deliveries = %v, want none (no subscribers)", deliveries)
	}

	status, half := r.Get(1, 5, oid)
	requireRegistryStatus(t, status, StatusOK)
	if toFloat(half) != 12.5 {
		t.Fatalf("Get = %v, want 12.5", toFloat(half))
	}
}

func TestEpsilonFilterSuppressesSmallChanges(t *testing.T) {
	r := newTestRegistry()
	_, oid := r.RegisterValue(1, 1, 3, 0, "pos", 0.1)
	r.Set(1, 5, oid, toHalf(0.0), toFloat)

	status, _ := r.Set(1, 5, oid, toHalf(0.05), toFloat)
	requireRegistryStatus(t, status, StatusOK)

	_, half := r.Get(1, 5, oid)
	if toFloat(half) != 0.0 {
		t.Fatalf("Get after filtered set = %v, want unchanged 0.0", toFloat(half))
	}

	status, _ = r.Set(1, 5, oid, toHalf(0.2), toFloat)
	requireRegistryStatus(t, status, StatusOK)
	_, half = r.Get(1, 5, oid)
	want := toFloat(toHalf(0.2))
	if toFloat(half) != want {
		t.Fatalf("Get after non-filtered set = %v, want %v", toFloat(half), want)
	}
}

func TestReadOnlySetIsRejected(t *testing.T) {
	r := newTestRegistry()
	_, oid := r.RegisterValue(1, 1, 3, FlagReadOnly, "ro", 0)
	status, _ := r.Set(1, 5, oid, toHalf(1), toFloat)
	requireRegistryStatus(t, status, StatusEPERM)
}

func TestCrossPIDSetWithoutAuthIsRejected(t *testing.T) {
	r := newTestRegistry()
	_, oid := r.RegisterValue(1, 1, 3, 0, "owned", 0)
	status, _ := r.Set(2, 0, oid, toHalf(1), toFloat)
	requireRegistryStatus(t, status, StatusEPERM)
}

func TestCrossPIDSetWithAuthSucceeds(t *testing.T) {
	r := newTestRegistry()
	_, oid := r.RegisterValue(1, 1, 3, 0, "owned", 0)
	status, _ := r.Set(2, 1, oid, toHalf(1), toFloat)
	requireRegistryStatus(t, status, StatusOK)
}

func TestSubscribersReceiveDeliveryOnChange(t *testing.T) {
	r := newTestRegistry()
	_, oid := r.RegisterValue(1, 1, 3, 0, "speed", 0)
	r.Subscribe(oid, "pid:9")

	status, deliveries := r.Set(1, 5, oid, toHalf(3), toFloat)
	requireRegistryStatus(t, status, StatusOK)
	if len(deliveries) != 1 || deliveries[0].Target != "pid:9" {
		t.Fatalf("deliveries = %+v, want one to pid:9", deliveries)
	}
	if deliveries[0].Payload.OID != oid {
		t.Fatalf("delivery OID = %d, want %d", deliveries[0].Payload.OID, oid)
	}
}

// ==============================================================================
// Commands
// ==============================================================================

func TestRegisterAndHelpForCommand(t *testing.T) {
	r := newTestRegistry()
	status, oid := r.RegisterCommand(1, 2, 1, 0, "resets the odometer", 0x100)
	requireRegistryStatus(t, status, StatusOK)

	status, help := r.Help(oid)
	requireRegistryStatus(t, status, StatusOK)
	if help != "resets the odometer" {
		t.Fatalf("Help = %q", help)
	}
}

// ==============================================================================
// PID teardown and occupancy
// ==============================================================================

func TestReleaseOwnerFreesValuesAndCommands(t *testing.T) {
	r := newTestRegistry()
	_, oid := r.RegisterValue(1, 1, 3, 0, "v", 0)
	_, cOid := r.RegisterCommand(1, 2, 1, 0, "c", 0)

	r.ReleaseOwner(1)

	if _, ok := r.Command(cOid); ok {
		t.Fatal("command should have been released")
	}
	status, _ := r.Get(1, 5, oid)
	requireRegistryStatus(t, status, StatusENOENT)
}

func TestOccupancyWarningFiresAtEightyPercent(t *testing.T) {
	profile := Profile{Name: "tiny", MaxValues: 10, MaxCommands: 10, MaxStringBytes: 1024}
	r := New(profile)

	for i := 0; i < 8; i++ {
		status, _ := r.RegisterValue(1, 1, uint16(i), 0, "", 0)
		requireRegistryStatus(t, status, StatusOK)
	}

	found := false
	for _, e := range r.Events() {
		if e.Type == "warning" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a warning event at 80% occupancy")
	}
}
