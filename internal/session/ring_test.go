package session

import (
	"reflect"
	"testing"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := newRing[int](3)
	if r.len() != 0 {
		t.Fatalf("new ring not empty: %d", r.len())
	}

	r.push(1)
	r.push(2)
	if got := r.items(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("partial ring: %v", got)
	}

	r.push(3)
	r.push(4)
	r.push(5)
	if got := r.items(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("ring after wrap: %v", got)
	}
	if r.len() != 3 {
		t.Errorf("len after wrap: %d", r.len())
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	r := newRing[string](0)
	r.push("a")
	r.push("b")
	if got := r.items(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("zero-cap ring should hold one entry: %v", got)
	}
}
