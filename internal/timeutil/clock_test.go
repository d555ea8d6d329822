package timeutil

import (
	"testing"
	"time"
)

func TestMockClockAdvanceFiresTicker(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	tk := c.NewTicker(10 * time.Second)

	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case got := <-tk.C():
		if !got.Equal(start.Add(10 * time.Second)) {
			t.Errorf("tick at %v", got)
		}
	default:
		t.Fatal("ticker did not fire")
	}

	tk.Stop()
	c.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockClockSet(t *testing.T) {
	c := NewMockClock(time.Time{})
	want := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	c.Set(want)
	if !c.Now().Equal(want) {
		t.Errorf("Now = %v", c.Now())
	}
}
