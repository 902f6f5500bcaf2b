package gpu

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/sarchlab/recompbridge/fault"
)

// ResourceKind is the type of a device resource.
type ResourceKind uint8

// Resource kinds.
const (
	KindVertexBuffer ResourceKind = iota + 1
	KindIndexBuffer
	KindTexture
	KindRenderTarget
	KindDepthStencil
	KindVertexShader
	KindPixelShader
	KindVertexDecl
)

var kindNames = map[ResourceKind]string{
	KindVertexBuffer: "vertex buffer",
	KindIndexBuffer:  "index buffer",
	KindTexture:      "texture",
	KindRenderTarget: "render target",
	KindDepthStencil: "depth/stencil surface",
	KindVertexShader: "vertex shader",
	KindPixelShader:  "pixel shader",
	KindVertexDecl:   "vertex declaration",
}

func (k ResourceKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ResourceKind(%d)", uint8(k))
}

// VertexElement is one entry of a vertex declaration.
type VertexElement struct {
	Stream     uint16
	Offset     uint16
	Type       uint32
	Usage      uint8
	UsageIndex uint8
}

// HashVertexElements returns the content hash of a vertex declaration.
func HashVertexElements(elems []VertexElement) uint64 {
	b := make([]byte, 0, len(elems)*10)
	for _, e := range elems {
		b = binary.BigEndian.AppendUint16(b, e.Stream)
		b = binary.BigEndian.AppendUint16(b, e.Offset)
		b = binary.BigEndian.AppendUint32(b, e.Type)
		b = append(b, e.Usage, e.UsageIndex)
	}
	return xxhash.Sum64(b)
}

// ResourceDesc describes a resource to create.
type ResourceDesc struct {
	Kind ResourceKind

	// Address and Size locate buffer and texture data in guest memory.
	Address uint32
	Size    uint32

	Width, Height, Levels uint32
	Format                Format
	IndexFormat           IndexFormat

	// Hash is the bytecode hash of a shader or the content hash of a
	// vertex declaration.
	Hash uint64
	// Blob is the translated host shader.
	Blob     []byte
	Elements []VertexElement
}

// Resources is the render thread's table of live resources.
type Resources struct {
	live      map[uint32]*ResourceDesc
	destroyed map[uint32]ResourceKind
	trap      *fault.Trap
}

// NewResources creates an empty table reporting bad references to trap.
func NewResources(trap *fault.Trap) *Resources {
	return &Resources{
		live:      make(map[uint32]*ResourceDesc),
		destroyed: make(map[uint32]ResourceKind),
		trap:      trap,
	}
}

// Create adds a resource. Reusing a live id is a violation.
func (r *Resources) Create(id uint32, desc *ResourceDesc) bool {
	if id == 0 {
		r.trap.Raise("resource id 0 is reserved")
		return false
	}
	if old, ok := r.live[id]; ok {
		r.trap.Raise("resource %d created twice (live %s)", id, old.Kind)
		return false
	}
	delete(r.destroyed, id)
	r.live[id] = desc
	return true
}

// Destroy removes a resource.
func (r *Resources) Destroy(id uint32) (*ResourceDesc, bool) {
	desc, ok := r.live[id]
	if !ok {
		r.fail(id)
		return nil, false
	}
	delete(r.live, id)
	r.destroyed[id] = desc.Kind
	return desc, true
}

// Get returns a live resource of one of the given kinds. Unknown,
// destroyed and mistyped references are violations.
func (r *Resources) Get(id uint32, kinds ...ResourceKind) (*ResourceDesc, bool) {
	desc, ok := r.live[id]
	if !ok {
		r.fail(id)
		return nil, false
	}
	if len(kinds) == 0 {
		return desc, true
	}
	for _, k := range kinds {
		if desc.Kind == k {
			return desc, true
		}
	}
	r.trap.Raise("resource %d is a %s, want %v", id, desc.Kind, kinds)
	return nil, false
}

// Alive reports whether id names a live resource, without trapping.
func (r *Resources) Alive(id uint32) bool {
	_, ok := r.live[id]
	return ok
}

// Len returns the number of live resources.
func (r *Resources) Len() int {
	return len(r.live)
}

func (r *Resources) fail(id uint32) {
	if kind, ok := r.destroyed[id]; ok {
		r.trap.Raise("render command references destroyed %s %d", kind, id)
		return
	}
	r.trap.Raise("render command references unknown resource %d", id)
}
