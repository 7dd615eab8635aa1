package buffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leandermaerkisch/hover-net/pkg/geometry"
)

func tempPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

func TestFloat32RoundTrip(t *testing.T) {
	shape := geometry.Shape{H: 16, W: 16}
	buf, err := CreateFloat32(tempPath(t, "pred.f32"), shape, 3)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	defer buf.Remove()

	block := NewFloatBlock(4, 4, 3)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			block.Set(y, x, 0, float32(y*4+x))
			block.Set(y, x, 2, -1.5)
		}
	}
	tl := geometry.Point{Y: 5, X: 6}
	if err := buf.WriteBlock(tl, block); err != nil {
		t.Fatalf("Failed to write block: %v", err)
	}

	got := buf.ReadRegion(geometry.Box{TL: tl, BR: geometry.Point{Y: 9, X: 10}})
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if got.At(y, x, 0) != float32(y*4+x) {
				t.Fatalf("Pixel (%d,%d) ch0 = %v, want %v", y, x, got.At(y, x, 0), float32(y*4+x))
			}
			if got.At(y, x, 2) != -1.5 {
				t.Fatalf("Pixel (%d,%d) ch2 = %v, want -1.5", y, x, got.At(y, x, 2))
			}
		}
	}

	// Untouched pixels stay zero.
	outside := buf.ReadRegion(geometry.Box{TL: geometry.Point{}, BR: geometry.Point{Y: 5, X: 6}})
	for i, v := range outside.Data {
		if v != 0 {
			t.Fatalf("Untouched value at index %d = %v, want 0", i, v)
		}
	}
}

func TestFloat32Bounds(t *testing.T) {
	buf, err := CreateFloat32(tempPath(t, "pred.f32"), geometry.Shape{H: 8, W: 8}, 1)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	defer buf.Remove()

	if err := buf.WriteBlock(geometry.Point{Y: 6, X: 6}, NewFloatBlock(4, 4, 1)); err == nil {
		t.Error("Expected an error writing past the buffer edge")
	}
	if err := buf.WriteBlock(geometry.Point{}, NewFloatBlock(2, 2, 3)); err == nil {
		t.Error("Expected an error on channel mismatch")
	}

	// Reads are clipped, not rejected.
	got := buf.ReadRegion(geometry.Box{TL: geometry.Point{Y: 6, X: 6}, BR: geometry.Point{Y: 12, X: 12}})
	if got.H != 2 || got.W != 2 {
		t.Errorf("Clipped read shape = %dx%d, want 2x2", got.H, got.W)
	}
}

func TestFloat32Reopen(t *testing.T) {
	path := tempPath(t, "pred.f32")
	shape := geometry.Shape{H: 8, W: 8}

	buf, err := CreateFloat32(path, shape, 1)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	block := NewFloatBlock(1, 1, 1)
	block.Set(0, 0, 0, 42)
	if err := buf.WriteBlock(geometry.Point{Y: 3, X: 3}, block); err != nil {
		t.Fatalf("Failed to write block: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("Failed to close buffer: %v", err)
	}

	ro, err := OpenFloat32(path, shape, 1)
	if err != nil {
		t.Fatalf("Failed to reopen buffer: %v", err)
	}
	defer ro.Close()
	got := ro.ReadRegion(geometry.Box{TL: geometry.Point{Y: 3, X: 3}, BR: geometry.Point{Y: 4, X: 4}})
	if got.At(0, 0, 0) != 42 {
		t.Errorf("Reopened value = %v, want 42", got.At(0, 0, 0))
	}
	// The reopened buffer rejects writes.
	if err := ro.WriteBlock(geometry.Point{}, NewFloatBlock(1, 1, 1)); err == nil {
		t.Error("Expected an error writing a read-only buffer")
	}
}

func TestInt32RoundTrip(t *testing.T) {
	buf, err := CreateInt32(tempPath(t, "inst.i32"), geometry.Shape{H: 10, W: 10})
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	defer buf.Remove()

	block := NewLabelBlock(3, 3)
	block.Set(1, 1, 7)
	block.Set(2, 2, -9)
	if err := buf.WriteBlock(geometry.Point{Y: 2, X: 2}, block); err != nil {
		t.Fatalf("Failed to write block: %v", err)
	}

	got := buf.ReadRegion(geometry.Box{TL: geometry.Point{Y: 2, X: 2}, BR: geometry.Point{Y: 5, X: 5}})
	if got.At(1, 1) != 7 || got.At(2, 2) != -9 || got.At(0, 0) != 0 {
		t.Errorf("Read back %v %v %v, want 7 -9 0", got.At(1, 1), got.At(2, 2), got.At(0, 0))
	}
}

func TestRemoveDeletesFile(t *testing.T) {
	path := tempPath(t, "inst.i32")
	buf, err := CreateInt32(path, geometry.Shape{H: 4, W: 4})
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	if err := buf.Remove(); err != nil {
		t.Fatalf("Failed to remove buffer: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Backing file still exists after Remove")
	}
}

func TestUint8Staging(t *testing.T) {
	shape := geometry.Shape{H: 6, W: 6}
	buf, err := CreateUint8(tempPath(t, "chunk.u8"), shape, 3)
	if err != nil {
		t.Fatalf("Failed to create staging buffer: %v", err)
	}
	defer buf.Remove()

	block := NewByteBlock(6, 6, 3)
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			block.Set(y, x, 0, uint8(y*6+x))
		}
	}
	if err := buf.Fill(block); err != nil {
		t.Fatalf("Failed to fill staging buffer: %v", err)
	}

	patch, err := buf.ReadPatch(geometry.Point{Y: 2, X: 2}, geometry.Shape{H: 3, W: 3})
	if err != nil {
		t.Fatalf("Failed to read patch: %v", err)
	}
	if patch.At(0, 0, 0) != 2*6+2 {
		t.Errorf("Patch origin = %d, want %d", patch.At(0, 0, 0), 2*6+2)
	}
	if _, err := buf.ReadPatch(geometry.Point{Y: 5, X: 5}, geometry.Shape{H: 3, W: 3}); err == nil {
		t.Error("Expected an error reading past the staging buffer")
	}
}
