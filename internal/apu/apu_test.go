package apu

import "testing"

func TestAPU_CapBuffered(t *testing.T) {
	a := New(44100)
	for i := 0; i < 10; i++ {
		a.pushStereo(int16(i), int16(-i))
	}
	if got := a.StereoAvailable(); got != 10 {
		t.Fatalf("StereoAvailable before cap got %d want 10", got)
	}

	a.CapBuffered(4)
	if got := a.StereoAvailable(); got != 4 {
		t.Fatalf("StereoAvailable after cap got %d want 4", got)
	}

	// The newest frames must survive; CapBuffered discards the oldest.
	frames := a.PullStereo(4)
	if len(frames) != 8 { // 4 stereo frames = 8 int16 samples
		t.Fatalf("PullStereo returned %d samples want 8", len(frames))
	}
	if frames[0] != 6 || frames[1] != -6 {
		t.Fatalf("oldest surviving frame got (%d,%d) want (6,-6)", frames[0], frames[1])
	}
}

func TestAPU_Clear(t *testing.T) {
	a := New(44100)
	a.pushStereo(1, -1)
	a.pushStereo(2, -2)
	a.Clear()
	if got := a.StereoAvailable(); got != 0 {
		t.Fatalf("StereoAvailable after Clear got %d want 0", got)
	}
}

func TestAPU_NR52_PowerOffReadsUnusedBitsHigh(t *testing.T) {
	a := New(44100)
	a.CPUWrite(0xFF26, 0x00) // power off
	if got := a.CPURead(0xFF26); got&0x70 != 0x70 {
		t.Fatalf("NR52 unused bits got %02X want bits 4-6 set", got)
	}
}
