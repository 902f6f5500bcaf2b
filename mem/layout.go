package mem

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
)

// RegionKind tells guest code regions apart from bridge-owned bookkeeping.
type RegionKind int

const (
	// RegionReserved is never handed out (the null page).
	RegionReserved RegionKind = iota
	// RegionCode holds the translated image or its function table.
	RegionCode
	// RegionData is guest data owned by the image (BSS, kernel runtime).
	RegionData
	// RegionHeap is carved up by one of the guest heaps.
	RegionHeap
	// RegionAux is bridge bookkeeping visible to the guest.
	RegionAux
)

func (k RegionKind) String() string {
	switch k {
	case RegionReserved:
		return "reserved"
	case RegionCode:
		return "code"
	case RegionData:
		return "data"
	case RegionHeap:
		return "heap"
	case RegionAux:
		return "aux"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// Region is a named half-open range [Start, End) of guest offsets.
type Region struct {
	Name  string
	Kind  RegionKind
	Start uint32
	End   uint64
}

// Size returns the length of the region in bytes.
func (r Region) Size() uint64 {
	return r.End - uint64(r.Start)
}

// Contains reports whether g lies inside the region.
func (r Region) Contains(g uint32) bool {
	return g >= r.Start && uint64(g) < r.End
}

// Overlaps reports whether two regions share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return uint64(r.Start) < o.End && uint64(o.Start) < r.End
}

// Well-known regions of the original console layout.
const (
	NullPageEnd        = PageSize
	GeneralHeapStart   = 0x00020000
	GeneralHeapEnd     = 0x7FEA0000
	ImageStart         = 0x82000000
	ImageEnd           = 0x831F0000
	FunctionTableStart = 0x831F0000
	FunctionTableEnd   = 0x8A000000
	PhysicalHeapStart  = 0xA0000000
	PhysicalHeapEnd    = GuestRange
)

// Data regions inside the image that are zeroed before the guest starts.
const (
	StreamPoolStart    = ImageStart
	StreamPoolEnd      = 0x82020000
	XexDataStart       = StreamPoolEnd
	XexDataEnd         = 0x82120000
	KernelRuntimeStart = 0x82A90000
	KernelRuntimeEnd   = 0x82AA0000
	StaticDataStart    = 0x83000000
	StaticDataEnd      = ImageEnd
)

// Layout is the set of named regions of the guest address space.
type Layout struct {
	Regions []Region

	// Data are ranges inside code regions the guest expects to find
	// zeroed at startup. They nest in Regions, so they are kept apart.
	Data []Region
}

// DefaultLayout returns the original console layout.
func DefaultLayout() *Layout {
	return &Layout{Regions: []Region{
		{Name: "null", Kind: RegionReserved, Start: 0, End: NullPageEnd},
		{Name: "general-heap", Kind: RegionHeap, Start: GeneralHeapStart, End: GeneralHeapEnd},
		{Name: "image", Kind: RegionCode, Start: ImageStart, End: ImageEnd},
		{Name: "function-table", Kind: RegionCode, Start: FunctionTableStart, End: FunctionTableEnd},
		{Name: "physical-heap", Kind: RegionHeap, Start: PhysicalHeapStart, End: PhysicalHeapEnd},
	}, Data: []Region{
		{Name: "stream-pool", Kind: RegionData, Start: StreamPoolStart, End: StreamPoolEnd},
		{Name: "xex-data", Kind: RegionData, Start: XexDataStart, End: XexDataEnd},
		{Name: "kernel-runtime", Kind: RegionData, Start: KernelRuntimeStart, End: KernelRuntimeEnd},
		{Name: "static-data", Kind: RegionData, Start: StaticDataStart, End: StaticDataEnd},
	}}
}

// Add appends a region. Call Validate afterwards.
func (l *Layout) Add(r Region) {
	l.Regions = append(l.Regions, r)
}

// Find returns the region with the given name.
func (l *Layout) Find(name string) (Region, bool) {
	for _, r := range l.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// RegionOf returns the region containing g.
func (l *Layout) RegionOf(g uint32) (Region, bool) {
	for _, r := range l.Regions {
		if r.Contains(g) {
			return r, true
		}
	}
	return Region{}, false
}

// Validate checks that every region is non-empty, inside the guest range,
// and disjoint from every other region. A bookkeeping region aliasing the
// image or the function table corrupts translated call targets, so any
// overlap is rejected at startup rather than discovered as a crash.
func (l *Layout) Validate() error {
	sorted := make([]Region, len(l.Regions))
	copy(sorted, l.Regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, r := range sorted {
		if r.End <= uint64(r.Start) {
			return errors.Newf("region %q is empty", r.Name)
		}
		if r.End > GuestRange {
			return errors.Newf("region %q ends past the guest range", r.Name)
		}
		if r.Kind != RegionReserved && r.Start < NullPageEnd {
			return errors.Newf("region %q covers the null page", r.Name)
		}
		if i > 0 && sorted[i-1].Overlaps(r) {
			prev := sorted[i-1]
			return errors.Newf("region %q [0x%08X, 0x%09X) overlaps %s region %q [0x%08X, 0x%09X)",
				r.Name, r.Start, r.End, prev.Kind, prev.Name, prev.Start, prev.End)
		}
	}
	return l.validateData()
}

func (l *Layout) validateData() error {
	for i, d := range l.Data {
		if d.End <= uint64(d.Start) {
			return errors.Newf("data region %q is empty", d.Name)
		}
		host, ok := l.RegionOf(d.Start)
		if !ok || host.Kind != RegionCode || d.End > host.End {
			return errors.Newf("data region %q [0x%08X, 0x%09X) is not inside a code region",
				d.Name, d.Start, d.End)
		}
		for _, o := range l.Data[:i] {
			if o.Overlaps(d) {
				return errors.Newf("data region %q overlaps data region %q", d.Name, o.Name)
			}
		}
	}
	return nil
}

// ZeroData clears every data region of l in as.
func (l *Layout) ZeroData(as *AddressSpace) {
	for _, d := range l.Data {
		as.Zero(d.Start, uint32(d.Size()))
		as.logger.V(1).Info("zeroed data region", "name", d.Name, "start", d.Start, "size", d.Size())
	}
}
