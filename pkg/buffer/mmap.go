package buffer

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/leandermaerkisch/hover-net/pkg/geometry"
)

// mapped is the shared backing for the typed disk buffers: one file,
// memory-mapped in full so the array can exceed available RAM.
type mapped struct {
	path     string
	file     *os.File
	mem      mmap.MMap
	readOnly bool
}

func createMapped(path string, size int64) (*mapped, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating buffer file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing buffer file: %w", err)
	}
	mem, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping buffer file: %w", err)
	}
	return &mapped{path: path, file: f, mem: mem}, nil
}

func openMapped(path string, size int64) (*mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening buffer file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != size {
		f.Close()
		return nil, fmt.Errorf("buffer file %s has size %d, want %d", path, info.Size(), size)
	}
	mem, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping buffer file: %w", err)
	}
	return &mapped{path: path, file: f, mem: mem, readOnly: true}, nil
}

func (m *mapped) close() error {
	if m.mem != nil {
		if err := m.mem.Unmap(); err != nil {
			return err
		}
		m.mem = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return err
		}
		m.file = nil
	}
	return nil
}

func (m *mapped) remove() error {
	if err := m.close(); err != nil {
		return err
	}
	return os.Remove(m.path)
}

// Float32 is a disk-backed (H, W, C) float32 array. Contents are zero on
// creation and regions never written stay zero.
type Float32 struct {
	m        *mapped
	shape    geometry.Shape
	channels int
}

// CreateFloat32 creates (or truncates) the backing file and maps it
// read-write.
func CreateFloat32(path string, shape geometry.Shape, channels int) (*Float32, error) {
	if !shape.Valid() || channels <= 0 {
		return nil, fmt.Errorf("invalid float buffer shape %v x %d", shape, channels)
	}
	m, err := createMapped(path, int64(shape.Area())*int64(channels)*4)
	if err != nil {
		return nil, err
	}
	return &Float32{m: m, shape: shape, channels: channels}, nil
}

// OpenFloat32 maps an existing buffer file read-only.
func OpenFloat32(path string, shape geometry.Shape, channels int) (*Float32, error) {
	m, err := openMapped(path, int64(shape.Area())*int64(channels)*4)
	if err != nil {
		return nil, err
	}
	return &Float32{m: m, shape: shape, channels: channels}, nil
}

// Shape returns the full spatial extent of the buffer.
func (b *Float32) Shape() geometry.Shape { return b.shape }

// Channels returns the per-pixel channel count.
func (b *Float32) Channels() int { return b.channels }

// Path returns the backing file path.
func (b *Float32) Path() string { return b.m.path }

func (b *Float32) offset(y, x int) int64 {
	return (int64(y)*int64(b.shape.W) + int64(x)) * int64(b.channels) * 4
}

// WriteBlock copies the block into the buffer with its top-left at tl.
// The block's channel count must match the buffer's.
func (b *Float32) WriteBlock(tl geometry.Point, block *FloatBlock) error {
	if b.m.readOnly {
		return fmt.Errorf("buffer %s is read-only", b.m.path)
	}
	if block.C != b.channels {
		return fmt.Errorf("block has %d channels, buffer has %d", block.C, b.channels)
	}
	if tl.Y < 0 || tl.X < 0 || tl.Y+block.H > b.shape.H || tl.X+block.W > b.shape.W {
		return fmt.Errorf("block %v at %v exceeds buffer %v", block.Shape(), tl, b.shape)
	}
	for y := 0; y < block.H; y++ {
		off := b.offset(tl.Y+y, tl.X)
		for i := 0; i < block.W*block.C; i++ {
			v := block.Data[(y*block.W)*block.C+i]
			binary.LittleEndian.PutUint32(b.m.mem[off+int64(i)*4:], math.Float32bits(v))
		}
	}
	return nil
}

// ReadRegion materializes the region into an ordinary in-memory block.
// The box is clipped to the buffer bounds first.
func (b *Float32) ReadRegion(region geometry.Box) *FloatBlock {
	region = region.Clip(b.shape)
	size := region.Shape()
	block := NewFloatBlock(size.H, size.W, b.channels)
	for y := 0; y < size.H; y++ {
		off := b.offset(region.TL.Y+y, region.TL.X)
		for i := 0; i < size.W*b.channels; i++ {
			bits := binary.LittleEndian.Uint32(b.m.mem[off+int64(i)*4:])
			block.Data[(y*size.W)*b.channels+i] = math.Float32frombits(bits)
		}
	}
	return block
}

// Flush syncs dirty pages to disk.
func (b *Float32) Flush() error { return b.m.mem.Flush() }

// Close unmaps the buffer and closes the backing file.
func (b *Float32) Close() error { return b.m.close() }

// Remove closes the buffer and deletes the backing file.
func (b *Float32) Remove() error { return b.m.remove() }

// Int32 is a disk-backed (H, W) int32 array used for the instance map.
// Zero is background.
type Int32 struct {
	m     *mapped
	shape geometry.Shape
}

// CreateInt32 creates (or truncates) the backing file and maps it
// read-write.
func CreateInt32(path string, shape geometry.Shape) (*Int32, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("invalid label buffer shape %v", shape)
	}
	m, err := createMapped(path, int64(shape.Area())*4)
	if err != nil {
		return nil, err
	}
	return &Int32{m: m, shape: shape}, nil
}

// Shape returns the full spatial extent of the buffer.
func (b *Int32) Shape() geometry.Shape { return b.shape }

// Path returns the backing file path.
func (b *Int32) Path() string { return b.m.path }

func (b *Int32) offset(y, x int) int64 {
	return (int64(y)*int64(b.shape.W) + int64(x)) * 4
}

// WriteBlock copies the label block into the buffer with its top-left at
// tl, overwriting the region including background pixels.
func (b *Int32) WriteBlock(tl geometry.Point, block *LabelBlock) error {
	if b.m.readOnly {
		return fmt.Errorf("buffer %s is read-only", b.m.path)
	}
	if tl.Y < 0 || tl.X < 0 || tl.Y+block.H > b.shape.H || tl.X+block.W > b.shape.W {
		return fmt.Errorf("block %v at %v exceeds buffer %v", block.Shape(), tl, b.shape)
	}
	for y := 0; y < block.H; y++ {
		off := b.offset(tl.Y+y, tl.X)
		for x := 0; x < block.W; x++ {
			binary.LittleEndian.PutUint32(b.m.mem[off+int64(x)*4:], uint32(block.Data[y*block.W+x]))
		}
	}
	return nil
}

// ReadRegion materializes the region into an in-memory label block. The
// box is clipped to the buffer bounds first.
func (b *Int32) ReadRegion(region geometry.Box) *LabelBlock {
	region = region.Clip(b.shape)
	size := region.Shape()
	block := NewLabelBlock(size.H, size.W)
	for y := 0; y < size.H; y++ {
		off := b.offset(region.TL.Y+y, region.TL.X)
		for x := 0; x < size.W; x++ {
			block.Data[y*size.W+x] = int32(binary.LittleEndian.Uint32(b.m.mem[off+int64(x)*4:]))
		}
	}
	return block
}

// Flush syncs dirty pages to disk.
func (b *Int32) Flush() error { return b.m.mem.Flush() }

// Close unmaps the buffer and closes the backing file.
func (b *Int32) Close() error { return b.m.close() }

// Remove closes the buffer and deletes the backing file.
func (b *Int32) Remove() error { return b.m.remove() }

// Uint8 is a disk-backed (H, W, C) byte array used to stage the pixels of
// the chunk currently being inferred.
type Uint8 struct {
	m        *mapped
	shape    geometry.Shape
	channels int
}

// CreateUint8 creates (or truncates) the backing file and maps it
// read-write. The staging buffer is recreated per chunk since chunk
// shapes differ at the image edge.
func CreateUint8(path string, shape geometry.Shape, channels int) (*Uint8, error) {
	if !shape.Valid() || channels <= 0 {
		return nil, fmt.Errorf("invalid byte buffer shape %v x %d", shape, channels)
	}
	m, err := createMapped(path, int64(shape.Area())*int64(channels))
	if err != nil {
		return nil, err
	}
	return &Uint8{m: m, shape: shape, channels: channels}, nil
}

// Shape returns the full spatial extent of the buffer.
func (b *Uint8) Shape() geometry.Shape { return b.shape }

// Fill copies an entire pixel block into the buffer. The block shape must
// match the buffer exactly.
func (b *Uint8) Fill(block *ByteBlock) error {
	if block.H != b.shape.H || block.W != b.shape.W || block.C != b.channels {
		return fmt.Errorf("block %vx%d does not match staging buffer %vx%d",
			block.Shape(), block.C, b.shape, b.channels)
	}
	copy(b.m.mem, block.Data)
	return nil
}

// ReadPatch materializes the [tl, tl+size) region into a pixel block.
func (b *Uint8) ReadPatch(tl geometry.Point, size geometry.Shape) (*ByteBlock, error) {
	if tl.Y < 0 || tl.X < 0 || tl.Y+size.H > b.shape.H || tl.X+size.W > b.shape.W {
		return nil, fmt.Errorf("patch %v at %v exceeds staging buffer %v", size, tl, b.shape)
	}
	block := NewByteBlock(size.H, size.W, b.channels)
	rowBytes := size.W * b.channels
	for y := 0; y < size.H; y++ {
		off := ((tl.Y+y)*b.shape.W + tl.X) * b.channels
		copy(block.Data[y*rowBytes:(y+1)*rowBytes], b.m.mem[off:off+rowBytes])
	}
	return block, nil
}

// Close unmaps the buffer and closes the backing file.
func (b *Uint8) Close() error { return b.m.close() }

// Remove closes the buffer and deletes the backing file.
func (b *Uint8) Remove() error { return b.m.remove() }
