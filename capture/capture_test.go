package capture

import "testing"

func TestFrameDifferSkipsUnchangedFrames(t *testing.T) {
	d := newFrameDiffer()
	frame := make([]byte, 64)

	if !d.HasChanged(frame) {
		t.Fatal("first frame should always report changed")
	}
	if d.HasChanged(frame) {
		t.Fatal("identical second frame should be skipped")
	}

	frame[0] = 0xFF
	if !d.HasChanged(frame) {
		t.Fatal("mutated frame should report changed")
	}

	total, skipped := d.Stats()
	if total != 3 || skipped != 1 {
		t.Fatalf("Stats() = (%d,%d), want (3,1)", total, skipped)
	}
}

func TestRGBAToI420ProducesExpectedPlaneSizes(t *testing.T) {
	w, h := 4, 2
	rgba := make([]byte, w*h*4)
	for i := range rgba {
		rgba[i] = 128
	}

	out := rgbaToI420(rgba, w, h, w*4)

	chromaW, chromaH := (w+1)/2, (h+1)/2
	wantSize := w*h + 2*chromaW*chromaH
	if len(out) != wantSize {
		t.Fatalf("len(out) = %d, want %d", len(out), wantSize)
	}
}

func TestRGBAToI420WhiteMapsToLumaPeak(t *testing.T) {
	w, h := 2, 2
	rgba := make([]byte, w*h*4)
	for i := 0; i < len(rgba); i += 4 {
		rgba[i+0], rgba[i+1], rgba[i+2], rgba[i+3] = 255, 255, 255, 255
	}

	out := rgbaToI420(rgba, w, h, w*4)
	for i := 0; i < w*h; i++ {
		if out[i] != 235 {
			t.Fatalf("Y[%d] = %d, want 235 (white luma ceiling)", i, out[i])
		}
	}
}
