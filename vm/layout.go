package vm

import (
	"fmt"

	"github.com/nucleus-os/nucleus/metadata"
)

// Object headers are two words: the type handle and the sync word.
// Instance payloads start at ObjectHeaderSize.
const (
	ObjectHeaderSize = 16
	headerTypeOff    = 0
	headerSyncOff    = 8
)

func alignUp(off, align int) int {
	return (off + align - 1) &^ (align - 1)
}

// layoutType computes field offsets and the payload size of t. Classes
// place their fields after the base payload; sequential layout honors
// the pack size, explicit layout honors declared offsets, and fixed
// buffers occupy element size times their count. Value-type cycles are
// rejected here: a value field whose type is still mid-layout can only
// mean the definitions contain each other.
func (r *Resolver) layoutType(t *TypeDescriptor, row metadata.TypeDefRow) error {
	if t.Kind == KindInterface {
		t.Size, t.Align = 8, 8
		return nil
	}

	base := 0
	if t.Kind == KindClass && t.Base != nil && t.Base.Kind != KindPrimitive {
		if t.Base.layout != layoutDone {
			return fmt.Errorf("circular base class chain through %s", t.Base.FullName())
		}
		base = t.Base.Size
	}

	pack := int(row.PackSize)
	explicit := row.Flags&metadata.TypeFlagExplicitLayout != 0
	off, maxAlign := base, 1

	for _, f := range t.Fields {
		if f.Type.IsValueType() && f.Type.layout == layoutInProgress {
			return fmt.Errorf("value type %s contains itself through field %s",
				t.FullName(), f.Name)
		}
		fsize := f.Type.ValueSize()
		falign := f.Type.ValueAlign()
		if f.FixedCount > 0 {
			fsize *= f.FixedCount
		}
		if pack > 0 && falign > pack {
			falign = pack
		}
		if falign > maxAlign {
			maxAlign = falign
		}
		if explicit {
			if f.Offset == metadata.NoOffset {
				return fmt.Errorf("explicit-layout field %s.%s has no offset", t.FullName(), f.Name)
			}
			f.Offset += uint32(base)
			if end := int(f.Offset) + fsize; end > off {
				off = end
			}
		} else {
			off = alignUp(off, falign)
			f.Offset = uint32(off)
			off += fsize
		}
	}

	size := alignUp(off, maxAlign)
	if int(row.ClassSize) > size {
		size = int(row.ClassSize)
	}
	if row.Flags&metadata.TypeFlagDelegate != 0 && size < delegatePayloadSize {
		size = delegatePayloadSize
		maxAlign = 8
	}
	if t.Kind == KindValueType && size == 0 {
		size = 1
	}
	t.Size = size
	t.Align = maxAlign
	return nil
}

// NullableHasValue and NullableValue locate the two runtime-known
// fields of a Nullable<T> layout: presence flag first, payload second.
func (t *TypeDescriptor) NullableHasValue() *FieldDescriptor {
	if !t.IsNullable() || len(t.Fields) < 2 {
		return nil
	}
	return t.Fields[0]
}

func (t *TypeDescriptor) NullableValue() *FieldDescriptor {
	if !t.IsNullable() || len(t.Fields) < 2 {
		return nil
	}
	return t.Fields[1]
}
