package vm_test

import (
	"testing"

	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/vm"
)

func TestMapThenLookupReportsPresent(t *testing.T) {
	frames, pt, _ := newTestSpace(16, 0, 0)

	frame, err := frames.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}
	page, ok := kepler.PageFromVA(0x4000_0000)
	if !ok {
		t.Fatal("test VA is not page-aligned")
	}

	if err := pt.Map(vm.MapOptions{Page: page, Frame: frame, Write: true, Execute: false}, frames); err != nil {
		t.Fatal(err)
	}

	result := pt.Lookup(page)
	if result.Status != vm.StatusPresent {
		t.Fatalf("expected present, got %+v", result)
	}
	if result.Frame != frame {
		t.Fatalf("expected frame %s, got %s", frame, result.Frame)
	}
}

func TestLookupMissingSubtableBeforeAnyMapping(t *testing.T) {
	_, pt, _ := newTestSpace(16, 0, 0)

	page, _ := kepler.PageFromVA(0x7f00_0000_0000)
	result := pt.Lookup(page)
	if result.Status != vm.StatusMissingSubtable {
		t.Fatalf("expected missing subtable on a bare table, got %+v", result)
	}
}

func TestMapMissingRecordsTagAndSwapID(t *testing.T) {
	frames, pt, _ := newTestSpace(16, 0, 0)

	page, _ := kepler.PageFromVA(0x4000_0000)
	if err := pt.MapMissing(page, vm.TagSwapped, 7, frames); err != nil {
		t.Fatal(err)
	}

	result := pt.Lookup(page)
	if result.Status != vm.StatusMissingLeaf {
		t.Fatalf("expected missing leaf, got %+v", result)
	}
	if result.Tag != vm.TagSwapped || result.SwapID != 7 {
		t.Fatalf("expected tag swapped id 7, got tag=%s id=%d", result.Tag, result.SwapID)
	}
}

func TestMapOverwritesExistingEntry(t *testing.T) {
	frames, pt, _ := newTestSpace(16, 0, 0)

	page, _ := kepler.PageFromVA(0x4000_0000)
	f0, err := frames.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}
	f1, err := frames.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}

	if err := pt.Map(vm.MapOptions{Page: page, Frame: f0}, frames); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(vm.MapOptions{Page: page, Frame: f1}, frames); err != nil {
		t.Fatal(err)
	}

	result := pt.Lookup(page)
	if result.Frame != f1 {
		t.Fatalf("expected overwrite to win with %s, got %s", f1, result.Frame)
	}
}

func TestMapAcrossDistantVAsAllocatesIndependentSubtables(t *testing.T) {
	frames, pt, _ := newTestSpace(16, 0, 0)

	low, _ := kepler.PageFromVA(0x1000)
	high, _ := kepler.PageFromVA(0x7f00_0000_0000)

	fLow, err := frames.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}
	fHigh, err := frames.AllocateFrame()
	if err != nil {
		t.Fatal(err)
	}

	if err := pt.Map(vm.MapOptions{Page: low, Frame: fLow}, frames); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(vm.MapOptions{Page: high, Frame: fHigh}, frames); err != nil {
		t.Fatal(err)
	}

	if got := pt.Lookup(low).Frame; got != fLow {
		t.Fatalf("low mapping clobbered: got %s", got)
	}
	if got := pt.Lookup(high).Frame; got != fHigh {
		t.Fatalf("high mapping clobbered: got %s", got)
	}
}
