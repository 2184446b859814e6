package vmem

import (
	"errors"
	"testing"
)

func TestMapOverlapRejected(t *testing.T) {
	as := New(10)

	if err := as.Map(Region{Name: "text", Start: 0x1000, Size: 0x2000, Perm: PermRead | PermExec | PermUser}); err != nil {
		t.Fatalf("Map text: %v", err)
	}

	err := as.Map(Region{Name: "data", Start: 0x2000, Size: 0x1000, Perm: PermRead | PermWrite | PermUser})
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("Map data: got %v, want ErrOverlap", err)
	}
}

func TestUnmapAndTranslate(t *testing.T) {
	as := New(10)

	if err := as.Map(Region{Name: "heap", Start: 0x10000, Size: 0x1000, Perm: PermRead | PermWrite | PermUser}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if _, ok := as.Translate(0x10500); !ok {
		t.Fatal("expected Translate to find the heap region")
	}

	if !as.Unmap(0x10000) {
		t.Fatal("expected Unmap to find the region")
	}

	if _, ok := as.Translate(0x10500); ok {
		t.Fatal("expected Translate to fail after Unmap")
	}
}

func TestForkCopiesFramesViaCallback(t *testing.T) {
	as := New(10)

	if err := as.Map(Region{
		Name: "stack", Start: 0x7ffff000, Size: 0x2000,
		Perm: PermRead | PermWrite | PermUser, Frames: []int{5, 6},
	}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	var copied []int
	child, err := as.Fork(99, func(parentFrame int) (int, error) {
		copied = append(copied, parentFrame)

		return parentFrame + 1000, nil
	})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if child.PageTableBase != 99 {
		t.Errorf("child.PageTableBase = %d, want 99", child.PageTableBase)
	}

	if len(child.Regions) != 1 || len(child.Regions[0].Frames) != 2 {
		t.Fatalf("child regions = %+v", child.Regions)
	}

	if child.Regions[0].Frames[0] != 1005 || child.Regions[0].Frames[1] != 1006 {
		t.Errorf("child frames = %v, want [1005 1006]", child.Regions[0].Frames)
	}

	if len(copied) != 2 || copied[0] != 5 || copied[1] != 6 {
		t.Errorf("frameCopier saw %v, want [5 6]", copied)
	}

	// Parent must be untouched by the fork.
	if len(as.Regions[0].Frames) != 2 || as.Regions[0].Frames[0] != 5 {
		t.Errorf("parent frames mutated: %v", as.Regions[0].Frames)
	}
}

func TestResetClearsRegions(t *testing.T) {
	as := New(10)

	if err := as.Map(Region{Name: "text", Start: 0x1000, Size: 0x1000, Perm: PermRead | PermExec | PermUser}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	as.Reset()

	if len(as.Regions) != 0 {
		t.Errorf("Regions after Reset = %v, want empty", as.Regions)
	}
}
