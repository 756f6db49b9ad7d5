// Package bootinfo provides access to the data the UEFI loader hands over
// when it calls the kernel entry: the framebuffer description and the map
// of usable physical memory. The loader passes raw pointers to these
// structures; SetInfoPtrs must record them before any accessor is used.
package bootinfo

import (
	"unsafe"

	"github.com/yubrot/ors/kernel/mm"
)

var (
	frameBufferData uintptr
	memoryMapData   uintptr
)

// PixelFormat defines the byte order of a framebuffer pixel.
type PixelFormat uint32

const (
	// PixelFormatRGB specifies 32-bit pixels laid out as R, G, B, reserved.
	PixelFormatRGB PixelFormat = iota

	// PixelFormatBGR specifies 32-bit pixels laid out as B, G, R, reserved.
	PixelFormatBGR
)

// String implements fmt.Stringer for PixelFormat.
func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGB:
		return "RGB"
	case PixelFormatBGR:
		return "BGR"
	default:
		return "unknown"
	}
}

// FrameBuffer describes the graphics output the loader negotiated through
// the UEFI graphics output protocol. The field order and sizes match the
// structure the loader passes; both pixel formats use 4 bytes per pixel.
type FrameBuffer struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in pixels. The pitch can exceed the visible width.
	Stride uint32

	// Width and height in pixels.
	Width, Height uint32

	// The pixel byte order.
	Format PixelFormat
}

// Size returns the framebuffer size in bytes.
func (f *FrameBuffer) Size() uint64 {
	return uint64(f.Stride) * uint64(f.Height) * 4
}

// MemoryRegion describes one contiguous range of usable physical memory.
// The loader filters the UEFI memory map down to the regions that are free
// for kernel use once boot services have exited and hands the ranges over
// in ascending address order.
type MemoryRegion struct {
	// The physical address of the first byte of the region.
	PhysStart uint64

	// The physical address one past the last byte of the region.
	PhysEnd uint64
}

// Length returns the region length in bytes.
func (r *MemoryRegion) Length() uint64 {
	return r.PhysEnd - r.PhysStart
}

// PageCount returns the number of page frames the region spans.
func (r *MemoryRegion) PageCount() uint64 {
	return r.Length() / mm.PageSize
}

// mmapHeader is the raw hand-over block for the memory map: a pointer to
// the first region descriptor and the descriptor count.
type mmapHeader struct {
	descriptors    uintptr
	descriptorsLen uint64
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each usable memory region provided by the loader.
// The visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryRegion) bool

// SetInfoPtrs records the loader-provided pointers to the framebuffer
// description and the memory map. This function must be invoked by the
// boot entry before any other function exported by this package.
func SetInfoPtrs(frameBuffer, memoryMap uintptr) {
	frameBufferData = frameBuffer
	memoryMapData = memoryMap
}

// GetFrameBuffer returns the framebuffer description handed over by the
// loader. This function returns nil if no framebuffer info is available.
func GetFrameBuffer() *FrameBuffer {
	if frameBufferData == 0 {
		return nil
	}
	return (*FrameBuffer)(unsafe.Pointer(frameBufferData))
}

// VisitMemRegions invokes the supplied visitor for each usable memory
// region defined by the memory map that we received from the loader.
func VisitMemRegions(visitor MemRegionVisitor) {
	if memoryMapData == 0 {
		return
	}

	header := (*mmapHeader)(unsafe.Pointer(memoryMapData))
	curPtr := header.descriptors
	for i := uint64(0); i < header.descriptorsLen; i, curPtr = i+1, curPtr+unsafe.Sizeof(MemoryRegion{}) {
		if !visitor((*MemoryRegion)(unsafe.Pointer(curPtr))) {
			return
		}
	}
}

// TotalUsablePages returns the number of usable page frames across all
// memory map regions.
func TotalUsablePages() uint64 {
	var total uint64
	VisitMemRegions(func(r *MemoryRegion) bool {
		total += r.PageCount()
		return true
	})
	return total
}

// MaxPhysAddr returns the address one past the highest byte of usable
// memory, or 0 when no memory map is available.
func MaxPhysAddr() uint64 {
	var max uint64
	VisitMemRegions(func(r *MemoryRegion) bool {
		if r.PhysEnd > max {
			max = r.PhysEnd
		}
		return true
	})
	return max
}
