package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresTicker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ticker := f.NewTicker(5 * time.Second)

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before advance")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case got := <-ticker.C():
		assert.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("ticker did not fire at its deadline")
	}

	f.Advance(12 * time.Second)
	fired := 0
	for {
		select {
		case <-ticker.C():
			fired++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, fired, "ticker channel holds one tick; the second tick due within 12s is dropped, as with time.Ticker")
}

func TestFakeTickerStopStopsFiring(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	ticker.Stop()

	f.Advance(10 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker must not fire")
	default:
	}
}

func TestFakeNowReflectsAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), f.Now())
}
