package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

// Builder constructs a module image in memory and serializes it to the
// exact layout Open reads back. Member rows are grouped by owning type:
// fields and methods belong to the most recently begun type.
type Builder struct {
	name string

	strings    []byte
	stringDict map[string]uint32
	blobs      []byte

	typeDefs       []TypeDefRow
	typeRefs       []TypeRefRow
	fields         []FieldRow
	methods        []MethodRow
	params         []ParamRow
	interfaceImpls []InterfaceImplRow
	memberRefs     []MemberRefRow
	typeSpecs      []TypeSpecRow
	methodSpecs    []MethodSpecRow

	currentType int // 0-based index of open TypeDef, -1 = none
}

// NewBuilder returns a Builder for a module with the given assembly name.
func NewBuilder(name string) *Builder {
	b := &Builder{
		name:        name,
		stringDict:  make(map[string]uint32),
		currentType: -1,
	}
	// Offset 0 must read back as the empty string / empty blob.
	b.strings = append(b.strings, 0)
	b.blobs = append(b.blobs, 0, 0, 0, 0)
	return b
}

// AddString interns a string and returns its heap offset.
func (b *Builder) AddString(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := b.stringDict[s]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.strings = append(b.strings, s...)
	b.strings = append(b.strings, 0)
	b.stringDict[s] = off
	return off
}

// AddBlob appends a length-prefixed blob and returns its heap offset.
func (b *Builder) AddBlob(data []byte) uint32 {
	off := uint32(len(b.blobs))
	b.blobs = binary.LittleEndian.AppendUint32(b.blobs, uint32(len(data)))
	b.blobs = append(b.blobs, data...)
	return off
}

// AddTypeSig encodes and appends a type signature blob.
func (b *Builder) AddTypeSig(sig bytecode.TypeSig) uint32 {
	return b.AddBlob(bytecode.EncodeTypeSig(nil, sig))
}

// AddMethodSig encodes and appends a method signature blob.
func (b *Builder) AddMethodSig(sig bytecode.MethodSig) uint32 {
	return b.AddBlob(bytecode.EncodeMethodSig(nil, sig))
}

// TypeOptions carries the optional TypeDef columns.
type TypeOptions struct {
	Extends       Token
	PackSize      uint16
	ClassSize     uint32
	GenericParams uint16
}

// BeginType starts a new TypeDef; subsequent AddField/AddMethod calls
// attach to it. Returns the type's token.
func (b *Builder) BeginType(namespace, name string, flags TypeFlags, opts TypeOptions) Token {
	b.typeDefs = append(b.typeDefs, TypeDefRow{
		Flags:         flags,
		Namespace:     b.AddString(namespace),
		Name:          b.AddString(name),
		Extends:       opts.Extends,
		FieldFirst:    uint32(len(b.fields) + 1),
		FieldCount:    0,
		MethodFirst:   uint32(len(b.methods) + 1),
		MethodCount:   0,
		PackSize:      opts.PackSize,
		ClassSize:     opts.ClassSize,
		GenericParams: opts.GenericParams,
	})
	b.currentType = len(b.typeDefs) - 1
	return MakeToken(TableTypeDef, uint32(len(b.typeDefs)))
}

// FieldOptions carries the optional Field columns. Explicit byte offsets
// are set with AddFieldAt.
type FieldOptions struct {
	Data       []byte // static initializer image
	FixedCount uint32 // inline fixed buffer element count
}

// AddField appends a field to the open type and returns its token.
func (b *Builder) AddField(name string, flags FieldFlags, sig bytecode.TypeSig, opts *FieldOptions) Token {
	if b.currentType < 0 {
		panic("metadata: AddField outside BeginType")
	}
	row := FieldRow{
		Flags:  flags,
		Name:   b.AddString(name),
		Sig:    b.AddTypeSig(sig),
		Offset: NoOffset,
	}
	if opts != nil {
		if opts.Data != nil {
			row.Data = b.AddBlob(opts.Data)
		}
		row.FixedCount = opts.FixedCount
	}
	b.fields = append(b.fields, row)
	b.typeDefs[b.currentType].FieldCount++
	return MakeToken(TableField, uint32(len(b.fields)))
}

// AddFieldAt appends a field with an explicit byte offset (explicit layout).
func (b *Builder) AddFieldAt(name string, flags FieldFlags, sig bytecode.TypeSig, offset uint32) Token {
	tok := b.AddField(name, flags, sig, nil)
	b.fields[tok.Row()-1].Offset = offset
	return tok
}

// AddMethod appends a method to the open type and returns its token.
// The body may be attached later with SetBody.
func (b *Builder) AddMethod(name string, flags MethodFlags, sig bytecode.MethodSig) Token {
	if b.currentType < 0 {
		panic("metadata: AddMethod outside BeginType")
	}
	b.methods = append(b.methods, MethodRow{
		Flags:         flags,
		Name:          b.AddString(name),
		Sig:           b.AddMethodSig(sig),
		GenericParams: uint16(sig.GenericCount),
	})
	b.typeDefs[b.currentType].MethodCount++
	return MakeToken(TableMethod, uint32(len(b.methods)))
}

// SetBody attaches a bytecode body to a previously added method.
func (b *Builder) SetBody(method Token, body *bytecode.MethodBody) {
	if method.Table() != TableMethod || method.Row() == 0 || int(method.Row()) > len(b.methods) {
		panic(fmt.Sprintf("metadata: SetBody on bad token %v", method))
	}
	b.methods[method.Row()-1].Body = b.AddBlob(body.Marshal())
}

// AddParam records a parameter name for diagnostics.
func (b *Builder) AddParam(method Token, index uint16, name string) {
	b.params = append(b.params, ParamRow{
		Name:   b.AddString(name),
		Method: method.Row(),
		Index:  index,
	})
}

// AddInterfaceImpl records that a type implements an interface.
func (b *Builder) AddInterfaceImpl(typeDef, iface Token) {
	b.interfaceImpls = append(b.interfaceImpls, InterfaceImplRow{Type: typeDef, Interface: iface})
}

// AddTypeRef adds a cross-module type reference and returns its token.
func (b *Builder) AddTypeRef(assembly, namespace, name string) Token {
	b.typeRefs = append(b.typeRefs, TypeRefRow{
		Assembly:  b.AddString(assembly),
		Namespace: b.AddString(namespace),
		Name:      b.AddString(name),
	})
	return MakeToken(TableTypeRef, uint32(len(b.typeRefs)))
}

// AddMemberRef adds a member reference and returns its token.
func (b *Builder) AddMemberRef(parent Token, name string, sigBlob uint32) Token {
	b.memberRefs = append(b.memberRefs, MemberRefRow{
		Parent: parent,
		Name:   b.AddString(name),
		Sig:    sigBlob,
	})
	return MakeToken(TableMemberRef, uint32(len(b.memberRefs)))
}

// AddTypeSpec adds a constructed type signature row and returns its token.
func (b *Builder) AddTypeSpec(sig bytecode.TypeSig) Token {
	b.typeSpecs = append(b.typeSpecs, TypeSpecRow{Sig: b.AddTypeSig(sig)})
	return MakeToken(TableTypeSpec, uint32(len(b.typeSpecs)))
}

// AddMethodSpec adds a generic method instantiation row and returns its token.
func (b *Builder) AddMethodSpec(method Token, args []bytecode.TypeSig) Token {
	blob := []byte{byte(len(args))}
	for _, a := range args {
		blob = bytecode.EncodeTypeSig(blob, a)
	}
	b.methodSpecs = append(b.methodSpecs, MethodSpecRow{Method: method, Inst: b.AddBlob(blob)})
	return MakeToken(TableMethodSpec, uint32(len(b.methodSpecs)))
}

// Bytes serializes the image.
func (b *Builder) Bytes() []byte {
	le := binary.LittleEndian

	type tableEnc struct {
		table Table
		rows  uint32
		data  []byte
	}
	var tables []tableEnc

	add := func(t Table, rows uint32, data []byte) {
		if rows > 0 {
			tables = append(tables, tableEnc{t, rows, data})
		}
	}

	moduleData := make([]byte, moduleRowSize)
	le.PutUint32(moduleData, b.AddString(b.name))
	add(TableModule, 1, moduleData)

	if n := len(b.typeRefs); n > 0 {
		data := make([]byte, n*typeRefRowSize)
		for i, r := range b.typeRefs {
			d := data[i*typeRefRowSize:]
			le.PutUint32(d, r.Assembly)
			le.PutUint32(d[4:], r.Namespace)
			le.PutUint32(d[8:], r.Name)
		}
		add(TableTypeRef, uint32(n), data)
	}
	if n := len(b.typeDefs); n > 0 {
		data := make([]byte, n*typeDefRowSize)
		for i, r := range b.typeDefs {
			d := data[i*typeDefRowSize:]
			le.PutUint32(d, uint32(r.Flags))
			le.PutUint32(d[4:], r.Namespace)
			le.PutUint32(d[8:], r.Name)
			le.PutUint32(d[12:], uint32(r.Extends))
			le.PutUint32(d[16:], r.FieldFirst)
			le.PutUint32(d[20:], r.FieldCount)
			le.PutUint32(d[24:], r.MethodFirst)
			le.PutUint32(d[28:], r.MethodCount)
			le.PutUint16(d[32:], r.PackSize)
			le.PutUint32(d[34:], r.ClassSize)
			le.PutUint16(d[38:], r.GenericParams)
		}
		add(TableTypeDef, uint32(n), data)
	}
	if n := len(b.fields); n > 0 {
		data := make([]byte, n*fieldRowSize)
		for i, r := range b.fields {
			d := data[i*fieldRowSize:]
			le.PutUint16(d, uint16(r.Flags))
			le.PutUint32(d[2:], r.Name)
			le.PutUint32(d[6:], r.Sig)
			le.PutUint32(d[10:], r.Offset)
			le.PutUint32(d[14:], r.Data)
			le.PutUint32(d[18:], r.FixedCount)
		}
		add(TableField, uint32(n), data)
	}
	if n := len(b.methods); n > 0 {
		data := make([]byte, n*methodRowSize)
		for i, r := range b.methods {
			d := data[i*methodRowSize:]
			le.PutUint16(d, uint16(r.Flags))
			le.PutUint32(d[2:], r.Name)
			le.PutUint32(d[6:], r.Sig)
			le.PutUint32(d[10:], r.Body)
			le.PutUint16(d[14:], r.GenericParams)
		}
		add(TableMethod, uint32(n), data)
	}
	if n := len(b.params); n > 0 {
		data := make([]byte, n*paramRowSize)
		for i, r := range b.params {
			d := data[i*paramRowSize:]
			le.PutUint32(d, r.Name)
			le.PutUint32(d[4:], r.Method)
			le.PutUint16(d[8:], r.Index)
		}
		add(TableParam, uint32(n), data)
	}
	if n := len(b.interfaceImpls); n > 0 {
		data := make([]byte, n*interfaceImplRowSize)
		for i, r := range b.interfaceImpls {
			d := data[i*interfaceImplRowSize:]
			le.PutUint32(d, uint32(r.Type))
			le.PutUint32(d[4:], uint32(r.Interface))
		}
		add(TableInterfaceImpl, uint32(n), data)
	}
	if n := len(b.memberRefs); n > 0 {
		data := make([]byte, n*memberRefRowSize)
		for i, r := range b.memberRefs {
			d := data[i*memberRefRowSize:]
			le.PutUint32(d, uint32(r.Parent))
			le.PutUint32(d[4:], r.Name)
			le.PutUint32(d[8:], r.Sig)
		}
		add(TableMemberRef, uint32(n), data)
	}
	if n := len(b.typeSpecs); n > 0 {
		data := make([]byte, n*typeSpecRowSize)
		for i, r := range b.typeSpecs {
			le.PutUint32(data[i*typeSpecRowSize:], r.Sig)
		}
		add(TableTypeSpec, uint32(n), data)
	}
	if n := len(b.methodSpecs); n > 0 {
		data := make([]byte, n*methodSpecRowSize)
		for i, r := range b.methodSpecs {
			d := data[i*methodSpecRowSize:]
			le.PutUint32(d, uint32(r.Method))
			le.PutUint32(d[4:], r.Inst)
		}
		add(TableMethodSpec, uint32(n), data)
	}

	// Header: magic, version, reserved, table count, directory, heap dir.
	headerSize := 4 + 2 + 2 + 1 + len(tables)*9 + 16
	out := make([]byte, 0, headerSize+len(b.strings)+len(b.blobs))
	out = append(out, Magic[:]...)
	out = le.AppendUint16(out, FormatVersion)
	out = le.AppendUint16(out, 0)
	out = append(out, byte(len(tables)))

	offset := uint32(headerSize)
	for _, t := range tables {
		out = append(out, byte(t.table))
		out = le.AppendUint32(out, t.rows)
		out = le.AppendUint32(out, offset)
		offset += uint32(len(t.data))
	}
	out = le.AppendUint32(out, offset)
	out = le.AppendUint32(out, uint32(len(b.strings)))
	out = le.AppendUint32(out, offset+uint32(len(b.strings)))
	out = le.AppendUint32(out, uint32(len(b.blobs)))

	for _, t := range tables {
		out = append(out, t.data...)
	}
	out = append(out, b.strings...)
	out = append(out, b.blobs...)
	return out
}

// Open serializes the builder and parses it back, returning the image.
func (b *Builder) Open() (*ModuleImage, error) {
	return Open(b.Bytes())
}
