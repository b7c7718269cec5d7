package throttle

import (
	"testing"
	"time"
)

func TestController_HalvesRateWhileGrowing(t *testing.T) {
	c := NewController(Config{Window: 3, Threshold: 1000, MaxQueue: 50})

	var d time.Duration
	for _, depth := range []int{10, 11, 12} {
		d = c.Observe(depth)
	}
	if c.Rate() != 500 || d != 2*time.Millisecond {
		t.Fatalf("rate = %d delay = %v, want 500/s and 2ms", c.Rate(), d)
	}

	for _, depth := range []int{12, 13, 14} {
		d = c.Observe(depth)
	}
	if c.Rate() != 250 || d != 4*time.Millisecond {
		t.Fatalf("rate = %d delay = %v, want 250/s and 4ms", c.Rate(), d)
	}
}

func TestController_KeepsRateWhileDraining(t *testing.T) {
	c := NewController(Config{Window: 3, Threshold: 1000, MaxQueue: 50})
	for _, depth := range []int{10, 11, 12} {
		c.Observe(depth)
	}
	for _, depth := range []int{11, 9, 7} {
		c.Observe(depth)
	}
	if c.Rate() != 500 {
		t.Errorf("rate = %d, draining queue must not halve again", c.Rate())
	}
}

func TestController_CongestedEvenWhenShrinking(t *testing.T) {
	c := NewController(Config{Window: 3, Threshold: 20, MaxQueue: 500})
	for _, depth := range []int{40, 30, 25} {
		c.Observe(depth)
	}
	if c.Rate() != 500 {
		t.Errorf("rate = %d, want 500", c.Rate())
	}
}

func TestController_ResetsOnShallowQueue(t *testing.T) {
	c := NewController(Config{Window: 2, Threshold: 5, MaxQueue: 50})
	c.Observe(10)
	c.Observe(10)
	if c.Delay() == 0 {
		t.Fatalf("expected throttling")
	}
	if d := c.Observe(3); d != 0 || c.Rate() != 0 {
		t.Errorf("depth 3 must clear throttling, got delay %v rate %d", d, c.Rate())
	}
}

func TestController_Saturated(t *testing.T) {
	c := NewController(Config{MaxQueue: 10})
	if c.Saturated(9) {
		t.Errorf("depth 9 is below the limit")
	}
	if !c.Saturated(10) {
		t.Errorf("depth 10 must saturate")
	}
}

func TestController_RateFloor(t *testing.T) {
	c := NewController(Config{Window: 2, Threshold: 1, MaxQueue: 10})
	for i := 0; i < 40; i++ {
		c.Observe(5)
	}
	if c.Rate() != 1 || c.Delay() != time.Second {
		t.Errorf("rate = %d delay = %v, want floor of 1/s", c.Rate(), c.Delay())
	}
}
