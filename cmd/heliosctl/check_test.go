package main

import (
	"testing"
)

func TestFrameAllocatorChecksPass(t *testing.T) {
	results, err := checkFrameAllocator()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected the frame allocator suite to produce results")
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("%s failed (%s)", r.Name, r.Detail)
		}
	}
}

func TestFullStackChecksPass(t *testing.T) {
	results, err := checkFullStack()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected the full stack suite to produce results")
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("%s failed (%s)", r.Name, r.Detail)
		}
	}
}
