package emmc

import (
	"context"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
)

func TestDivider(t *testing.T) {
	tests := []struct {
		kernel, target physic.Frequency
		want           uint16
		wantFreq       physic.Frequency
	}{
		{200 * physic.MegaHertz, 400 * physic.KiloHertz, 250, 400 * physic.KiloHertz},
		{200 * physic.MegaHertz, 52 * physic.MegaHertz, 2, 50 * physic.MegaHertz},
		{200 * physic.MegaHertz, 26 * physic.MegaHertz, 4, 25 * physic.MegaHertz},
		{48 * physic.MegaHertz, 52 * physic.MegaHertz, 0, 48 * physic.MegaHertz},
		{48 * physic.MegaHertz, 400 * physic.KiloHertz, 60, 400 * physic.KiloHertz},
		{200 * physic.MegaHertz, 1 * physic.KiloHertz, maxDivider, 200 * physic.MegaHertz / (2 * maxDivider)},
		{200 * physic.MegaHertz, 0, 0, 200 * physic.MegaHertz},
	}

	for _, tt := range tests {
		got := divider(tt.kernel, tt.target)
		if got != tt.want {
			t.Errorf("divider(%v, %v) = %d, want %d", tt.kernel, tt.target, got, tt.want)
		}
		if f := busFrequency(tt.kernel, got); f != tt.wantFreq {
			t.Errorf("busFrequency(%v, %d) = %v, want %v", tt.kernel, got, f, tt.wantFreq)
		}
		if tt.target > 0 && busFrequency(tt.kernel, got) > tt.target && got != maxDivider {
			t.Errorf("divider(%v, %v) overclocks the bus", tt.kernel, tt.target)
		}
	}
}

func TestDeadlineExpired(t *testing.T) {
	clock := &stepClock{step: 10 * time.Millisecond}
	d := &Driver{clock: clock}

	w := d.deadline(context.Background(), 35*time.Millisecond)
	var polls int
	for !w.expired() {
		polls++
		if polls > 10 {
			t.Fatal("deadline never expired")
		}
	}
	if polls != 3 {
		t.Errorf("deadline allowed %d polls, want 3", polls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w = d.deadline(ctx, time.Hour)
	if w.expired() {
		t.Error("expired() = true before cancel")
	}
	cancel()
	if !w.expired() {
		t.Error("expired() = false after cancel")
	}
}
