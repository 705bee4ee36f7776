package vm_test

import (
	"errors"
	"testing"

	"github.com/UnknownEclipse/kepler"
	"github.com/UnknownEclipse/kepler/kerr"
	"github.com/UnknownEclipse/kepler/vm"
)

func TestAllocateGuardPagesAreTagged(t *testing.T) {
	_, pt, as := newTestSpace(64, 0x1000_0000, 0x2000_0000)

	region, err := as.Allocate(vm.AllocOptions{
		NumPages:        2,
		StartGuardPages: 1,
		EndGuardPages:   1,
		EagerCommit:     true,
	})
	if err != nil {
		t.Fatal(err)
	}

	startGuard, _ := kepler.PageFromVA(region.Start.Base - kepler.PageSize)
	result := pt.Lookup(startGuard)
	if result.Status != vm.StatusMissingLeaf || result.Tag != vm.TagGuard {
		t.Fatalf("expected start guard page tagged guard, got %+v", result)
	}

	endGuard, _ := kepler.PageFromVA(region.End.Base)
	result = pt.Lookup(endGuard)
	if result.Status != vm.StatusMissingLeaf || result.Tag != vm.TagGuard {
		t.Fatalf("expected end guard page tagged guard, got %+v", result)
	}
}

func TestAllocateEagerCommitMapsEveryUsablePage(t *testing.T) {
	_, pt, as := newTestSpace(64, 0x1000_0000, 0x2000_0000)

	region, err := as.Allocate(vm.AllocOptions{NumPages: 3, EagerCommit: true})
	if err != nil {
		t.Fatal(err)
	}

	for va := region.Start.Base; va < region.End.Base; va = va.Add(kepler.PageSize) {
		page, _ := kepler.PageFromVA(va)
		result := pt.Lookup(page)
		if result.Status != vm.StatusPresent {
			t.Fatalf("page %s: expected present mapping, got status %v", page, result.Status)
		}
	}
}

func TestAllocateLazyCommitDefersUntilFault(t *testing.T) {
	_, pt, as := newTestSpace(64, 0x1000_0000, 0x2000_0000)

	region, err := as.Allocate(vm.AllocOptions{NumPages: 1, EagerCommit: false})
	if err != nil {
		t.Fatal(err)
	}

	page, _ := kepler.PageFromVA(region.Start.Base)
	result := pt.Lookup(page)
	if result.Status != vm.StatusMissingLeaf || result.Tag != vm.TagLazy {
		t.Fatalf("expected lazy tag before fault, got %+v", result)
	}

	if err := as.CommitLazyPage(page); err != nil {
		t.Fatalf("CommitLazyPage: %v", err)
	}

	result = pt.Lookup(page)
	if result.Status != vm.StatusPresent {
		t.Fatalf("expected present mapping after commit, got %+v", result)
	}
}

func TestAllocateOOMWhenRangeExhausted(t *testing.T) {
	_, _, as := newTestSpace(64, 0x1000_0000, 0x1000_2000)

	if _, err := as.Allocate(vm.AllocOptions{NumPages: 16, EagerCommit: true}); !errors.Is(err, kerr.ErrOOM) {
		t.Fatalf("expected ErrOOM for an allocation exceeding the range, got %v", err)
	}
}

func TestBumpPointerIsMonotone(t *testing.T) {
	_, _, as := newTestSpace(64, 0x1000_0000, 0x2000_0000)

	prev := as.BumpPointer()
	for i := 0; i < 4; i++ {
		if _, err := as.Allocate(vm.AllocOptions{NumPages: 1, EagerCommit: true}); err != nil {
			t.Fatal(err)
		}
		cur := as.BumpPointer()
		if cur <= prev {
			t.Fatalf("bump pointer did not advance: prev=%s cur=%s", prev, cur)
		}
		prev = cur
	}
}
