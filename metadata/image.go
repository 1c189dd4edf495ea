package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/nucleus-os/nucleus/pkg/bytecode"
)

// Magic identifies a nucleus module image.
var Magic = [4]byte{'N', 'K', 'M', 'D'}

// FormatVersion is the current image format version.
const FormatVersion uint16 = 1

// ModuleImage is one loaded module: the raw bytes plus parsed table
// indices and heap offsets. It is loaded once and immutable thereafter;
// the loader owns it and everything else reads it shared.
type ModuleImage struct {
	Name string

	raw     []byte
	strings []byte
	blobs   []byte

	Modules        []ModuleRow
	TypeRefs       []TypeRefRow
	TypeDefs       []TypeDefRow
	Fields         []FieldRow
	Methods        []MethodRow
	Params         []ParamRow
	InterfaceImpls []InterfaceImplRow
	MemberRefs     []MemberRefRow
	TypeSpecs      []TypeSpecRow
	MethodSpecs    []MethodSpecRow
}

// Open parses a module image. Token resolution is bit-exact against this
// layout; any malformed directory or out-of-range region fails with a
// MetadataError and the image is not usable.
func Open(data []byte) (*ModuleImage, error) {
	const headerSize = 4 + 2 + 2 + 1
	if len(data) < headerSize {
		return nil, metaErr("<image>", "image truncated at header (%d bytes)", len(data))
	}
	if data[0] != Magic[0] || data[1] != Magic[1] || data[2] != Magic[2] || data[3] != Magic[3] {
		return nil, metaErr("<image>", "bad magic %q", data[:4])
	}
	version := binary.LittleEndian.Uint16(data[4:])
	if version != FormatVersion {
		return nil, metaErr("<image>", "unsupported format version %d", version)
	}
	tableCount := int(data[8])
	pos := 9
	if len(data) < pos+tableCount*9+16 {
		return nil, metaErr("<image>", "image truncated at table directory")
	}

	img := &ModuleImage{raw: data, Name: "<image>"}
	type dirEntry struct {
		table Table
		rows  uint32
		off   uint32
	}
	dir := make([]dirEntry, tableCount)
	for i := range dir {
		dir[i] = dirEntry{
			table: Table(data[pos]),
			rows:  binary.LittleEndian.Uint32(data[pos+1:]),
			off:   binary.LittleEndian.Uint32(data[pos+5:]),
		}
		pos += 9
	}
	strOff := binary.LittleEndian.Uint32(data[pos:])
	strLen := binary.LittleEndian.Uint32(data[pos+4:])
	blobOff := binary.LittleEndian.Uint32(data[pos+8:])
	blobLen := binary.LittleEndian.Uint32(data[pos+12:])
	if err := img.slice(&img.strings, strOff, strLen, "string heap"); err != nil {
		return nil, err
	}
	if err := img.slice(&img.blobs, blobOff, blobLen, "blob heap"); err != nil {
		return nil, err
	}

	for _, d := range dir {
		size := rowSize(d.table)
		if size == 0 {
			return nil, metaErr(img.Name, "unsupported table kind 0x%02X", uint8(d.table))
		}
		need := uint64(d.off) + uint64(d.rows)*uint64(size)
		if need > uint64(len(data)) {
			return nil, metaErr(img.Name, "%s table exceeds image (off %d, %d rows)", d.table, d.off, d.rows)
		}
		if err := img.parseTable(d.table, data[d.off:need], d.rows); err != nil {
			return nil, err
		}
	}

	if len(img.Modules) != 1 {
		return nil, metaErr(img.Name, "image must contain exactly one Module row, has %d", len(img.Modules))
	}
	name, err := img.String(img.Modules[0].Name)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, metaErr(img.Name, "module name is empty")
	}
	img.Name = name
	return img, nil
}

func (img *ModuleImage) slice(dst *[]byte, off, length uint32, what string) error {
	end := uint64(off) + uint64(length)
	if end > uint64(len(img.raw)) {
		return metaErr(img.Name, "%s exceeds image (off %d, len %d)", what, off, length)
	}
	*dst = img.raw[off:end]
	return nil
}

func (img *ModuleImage) parseTable(t Table, data []byte, rows uint32) error {
	le := binary.LittleEndian
	switch t {
	case TableModule:
		for i := uint32(0); i < rows; i++ {
			r := data[i*moduleRowSize:]
			img.Modules = append(img.Modules, ModuleRow{Name: le.Uint32(r)})
		}
	case TableTypeRef:
		for i := uint32(0); i < rows; i++ {
			r := data[i*typeRefRowSize:]
			img.TypeRefs = append(img.TypeRefs, TypeRefRow{
				Assembly:  le.Uint32(r),
				Namespace: le.Uint32(r[4:]),
				Name:      le.Uint32(r[8:]),
			})
		}
	case TableTypeDef:
		for i := uint32(0); i < rows; i++ {
			r := data[i*typeDefRowSize:]
			img.TypeDefs = append(img.TypeDefs, TypeDefRow{
				Flags:         TypeFlags(le.Uint32(r)),
				Namespace:     le.Uint32(r[4:]),
				Name:          le.Uint32(r[8:]),
				Extends:       Token(le.Uint32(r[12:])),
				FieldFirst:    le.Uint32(r[16:]),
				FieldCount:    le.Uint32(r[20:]),
				MethodFirst:   le.Uint32(r[24:]),
				MethodCount:   le.Uint32(r[28:]),
				PackSize:      le.Uint16(r[32:]),
				ClassSize:     le.Uint32(r[34:]),
				GenericParams: le.Uint16(r[38:]),
			})
		}
	case TableField:
		for i := uint32(0); i < rows; i++ {
			r := data[i*fieldRowSize:]
			img.Fields = append(img.Fields, FieldRow{
				Flags:      FieldFlags(le.Uint16(r)),
				Name:       le.Uint32(r[2:]),
				Sig:        le.Uint32(r[6:]),
				Offset:     le.Uint32(r[10:]),
				Data:       le.Uint32(r[14:]),
				FixedCount: le.Uint32(r[18:]),
			})
		}
	case TableMethod:
		for i := uint32(0); i < rows; i++ {
			r := data[i*methodRowSize:]
			img.Methods = append(img.Methods, MethodRow{
				Flags:         MethodFlags(le.Uint16(r)),
				Name:          le.Uint32(r[2:]),
				Sig:           le.Uint32(r[6:]),
				Body:          le.Uint32(r[10:]),
				GenericParams: le.Uint16(r[14:]),
			})
		}
	case TableParam:
		for i := uint32(0); i < rows; i++ {
			r := data[i*paramRowSize:]
			img.Params = append(img.Params, ParamRow{
				Name:   le.Uint32(r),
				Method: le.Uint32(r[4:]),
				Index:  le.Uint16(r[8:]),
			})
		}
	case TableInterfaceImpl:
		for i := uint32(0); i < rows; i++ {
			r := data[i*interfaceImplRowSize:]
			img.InterfaceImpls = append(img.InterfaceImpls, InterfaceImplRow{
				Type:      Token(le.Uint32(r)),
				Interface: Token(le.Uint32(r[4:])),
			})
		}
	case TableMemberRef:
		for i := uint32(0); i < rows; i++ {
			r := data[i*memberRefRowSize:]
			img.MemberRefs = append(img.MemberRefs, MemberRefRow{
				Parent: Token(le.Uint32(r)),
				Name:   le.Uint32(r[4:]),
				Sig:    le.Uint32(r[8:]),
			})
		}
	case TableTypeSpec:
		for i := uint32(0); i < rows; i++ {
			r := data[i*typeSpecRowSize:]
			img.TypeSpecs = append(img.TypeSpecs, TypeSpecRow{Sig: le.Uint32(r)})
		}
	case TableMethodSpec:
		for i := uint32(0); i < rows; i++ {
			r := data[i*methodSpecRowSize:]
			img.MethodSpecs = append(img.MethodSpecs, MethodSpecRow{
				Method: Token(le.Uint32(r)),
				Inst:   le.Uint32(r[4:]),
			})
		}
	default:
		return metaErr(img.Name, "unsupported table kind 0x%02X", uint8(t))
	}
	return nil
}

// ----------------------------------------------------------------------------
// Heap access
// ----------------------------------------------------------------------------

// String reads a null-terminated string at the given heap offset.
func (img *ModuleImage) String(off uint32) (string, error) {
	if int(off) >= len(img.strings) {
		if off == 0 && len(img.strings) == 0 {
			return "", nil
		}
		return "", metaErr(img.Name, "string offset %d out of range (heap %d bytes)", off, len(img.strings))
	}
	end := int(off)
	for end < len(img.strings) && img.strings[end] != 0 {
		end++
	}
	return string(img.strings[off:end]), nil
}

// Blob reads a length-prefixed blob at the given heap offset.
func (img *ModuleImage) Blob(off uint32) ([]byte, error) {
	if int(off)+4 > len(img.blobs) {
		return nil, metaErr(img.Name, "blob offset %d out of range (heap %d bytes)", off, len(img.blobs))
	}
	length := binary.LittleEndian.Uint32(img.blobs[off:])
	end := uint64(off) + 4 + uint64(length)
	if end > uint64(len(img.blobs)) {
		return nil, metaErr(img.Name, "blob at %d exceeds heap (len %d)", off, length)
	}
	return img.blobs[off+4 : end], nil
}

// ----------------------------------------------------------------------------
// Row access
// ----------------------------------------------------------------------------

// TypeDef returns the TypeDef row for a token.
func (img *ModuleImage) TypeDef(tok Token) (TypeDefRow, error) {
	if tok.Table() != TableTypeDef {
		return TypeDefRow{}, metaErr(img.Name, "%v is not a TypeDef token", tok)
	}
	return img.typeDefAt(tok.Row())
}

func (img *ModuleImage) typeDefAt(row uint32) (TypeDefRow, error) {
	if row == 0 || int(row) > len(img.TypeDefs) {
		return TypeDefRow{}, metaErr(img.Name, "TypeDef row %d out of range (%d rows)", row, len(img.TypeDefs))
	}
	return img.TypeDefs[row-1], nil
}

// TypeRef returns the TypeRef row for a token.
func (img *ModuleImage) TypeRef(tok Token) (TypeRefRow, error) {
	if tok.Table() != TableTypeRef {
		return TypeRefRow{}, metaErr(img.Name, "%v is not a TypeRef token", tok)
	}
	row := tok.Row()
	if row == 0 || int(row) > len(img.TypeRefs) {
		return TypeRefRow{}, metaErr(img.Name, "TypeRef row %d out of range (%d rows)", row, len(img.TypeRefs))
	}
	return img.TypeRefs[row-1], nil
}

// Field returns the Field row for a token.
func (img *ModuleImage) Field(tok Token) (FieldRow, error) {
	if tok.Table() != TableField {
		return FieldRow{}, metaErr(img.Name, "%v is not a Field token", tok)
	}
	row := tok.Row()
	if row == 0 || int(row) > len(img.Fields) {
		return FieldRow{}, metaErr(img.Name, "Field row %d out of range (%d rows)", row, len(img.Fields))
	}
	return img.Fields[row-1], nil
}

// Method returns the Method row for a token.
func (img *ModuleImage) Method(tok Token) (MethodRow, error) {
	if tok.Table() != TableMethod {
		return MethodRow{}, metaErr(img.Name, "%v is not a Method token", tok)
	}
	row := tok.Row()
	if row == 0 || int(row) > len(img.Methods) {
		return MethodRow{}, metaErr(img.Name, "Method row %d out of range (%d rows)", row, len(img.Methods))
	}
	return img.Methods[row-1], nil
}

// MemberRef returns the MemberRef row for a token.
func (img *ModuleImage) MemberRef(tok Token) (MemberRefRow, error) {
	if tok.Table() != TableMemberRef {
		return MemberRefRow{}, metaErr(img.Name, "%v is not a MemberRef token", tok)
	}
	row := tok.Row()
	if row == 0 || int(row) > len(img.MemberRefs) {
		return MemberRefRow{}, metaErr(img.Name, "MemberRef row %d out of range (%d rows)", row, len(img.MemberRefs))
	}
	return img.MemberRefs[row-1], nil
}

// TypeSpec returns the TypeSpec row for a token.
func (img *ModuleImage) TypeSpec(tok Token) (TypeSpecRow, error) {
	if tok.Table() != TableTypeSpec {
		return TypeSpecRow{}, metaErr(img.Name, "%v is not a TypeSpec token", tok)
	}
	row := tok.Row()
	if row == 0 || int(row) > len(img.TypeSpecs) {
		return TypeSpecRow{}, metaErr(img.Name, "TypeSpec row %d out of range (%d rows)", row, len(img.TypeSpecs))
	}
	return img.TypeSpecs[row-1], nil
}

// MethodSpec returns the MethodSpec row for a token.
func (img *ModuleImage) MethodSpec(tok Token) (MethodSpecRow, error) {
	if tok.Table() != TableMethodSpec {
		return MethodSpecRow{}, metaErr(img.Name, "%v is not a MethodSpec token", tok)
	}
	row := tok.Row()
	if row == 0 || int(row) > len(img.MethodSpecs) {
		return MethodSpecRow{}, metaErr(img.Name, "MethodSpec row %d out of range (%d rows)", row, len(img.MethodSpecs))
	}
	return img.MethodSpecs[row-1], nil
}

// OwnerOfField returns the 1-based TypeDef row owning a field row.
func (img *ModuleImage) OwnerOfField(fieldRow uint32) (uint32, error) {
	for i, td := range img.TypeDefs {
		if fieldRow >= td.FieldFirst && fieldRow < td.FieldFirst+td.FieldCount {
			return uint32(i + 1), nil
		}
	}
	return 0, metaErr(img.Name, "Field row %d has no owning TypeDef", fieldRow)
}

// OwnerOfMethod returns the 1-based TypeDef row owning a method row.
func (img *ModuleImage) OwnerOfMethod(methodRow uint32) (uint32, error) {
	for i, td := range img.TypeDefs {
		if methodRow >= td.MethodFirst && methodRow < td.MethodFirst+td.MethodCount {
			return uint32(i + 1), nil
		}
	}
	return 0, metaErr(img.Name, "Method row %d has no owning TypeDef", methodRow)
}

// ----------------------------------------------------------------------------
// Decoded blob convenience accessors
// ----------------------------------------------------------------------------

// FieldSig decodes the type signature of a field row.
func (img *ModuleImage) FieldSig(row FieldRow) (bytecode.TypeSig, error) {
	blob, err := img.Blob(row.Sig)
	if err != nil {
		return bytecode.TypeSig{}, err
	}
	sig, _, err := bytecode.DecodeTypeSig(blob)
	if err != nil {
		return bytecode.TypeSig{}, &MetadataError{Module: img.Name, Detail: "field signature", Err: err}
	}
	return sig, nil
}

// MethodSigOf decodes the signature of a method row.
func (img *ModuleImage) MethodSigOf(row MethodRow) (bytecode.MethodSig, error) {
	blob, err := img.Blob(row.Sig)
	if err != nil {
		return bytecode.MethodSig{}, err
	}
	sig, _, err := bytecode.DecodeMethodSig(blob)
	if err != nil {
		return bytecode.MethodSig{}, &MetadataError{Module: img.Name, Detail: "method signature", Err: err}
	}
	return sig, nil
}

// BodyOf decodes the bytecode body of a method row; nil for bodiless rows.
func (img *ModuleImage) BodyOf(row MethodRow) (*bytecode.MethodBody, error) {
	if row.Body == 0 {
		return nil, nil
	}
	blob, err := img.Blob(row.Body)
	if err != nil {
		return nil, err
	}
	body, err := bytecode.UnmarshalBody(blob)
	if err != nil {
		return nil, &MetadataError{Module: img.Name, Detail: "method body", Err: err}
	}
	return body, nil
}

// TypeSigAt decodes a type signature blob (TypeSpec rows, local sigs).
func (img *ModuleImage) TypeSigAt(off uint32) (bytecode.TypeSig, error) {
	blob, err := img.Blob(off)
	if err != nil {
		return bytecode.TypeSig{}, err
	}
	sig, _, err := bytecode.DecodeTypeSig(blob)
	if err != nil {
		return bytecode.TypeSig{}, &MetadataError{Module: img.Name, Detail: "type signature", Err: err}
	}
	return sig, nil
}

// MethodSigAt decodes a standalone method signature blob (calli sites).
func (img *ModuleImage) MethodSigAt(off uint32) (bytecode.MethodSig, error) {
	blob, err := img.Blob(off)
	if err != nil {
		return bytecode.MethodSig{}, err
	}
	sig, _, err := bytecode.DecodeMethodSig(blob)
	if err != nil {
		return bytecode.MethodSig{}, &MetadataError{Module: img.Name, Detail: "standalone signature", Err: err}
	}
	return sig, nil
}

// InstantiationAt decodes a MethodSpec instantiation blob: a u8 count
// followed by that many type signatures.
func (img *ModuleImage) InstantiationAt(off uint32) ([]bytecode.TypeSig, error) {
	blob, err := img.Blob(off)
	if err != nil {
		return nil, err
	}
	if len(blob) < 1 {
		return nil, metaErr(img.Name, "empty instantiation blob at %d", off)
	}
	count := int(blob[0])
	pos := 1
	args := make([]bytecode.TypeSig, 0, count)
	for i := 0; i < count; i++ {
		sig, n, err := bytecode.DecodeTypeSig(blob[pos:])
		if err != nil {
			return nil, &MetadataError{Module: img.Name, Detail: fmt.Sprintf("instantiation argument %d", i), Err: err}
		}
		args = append(args, sig)
		pos += n
	}
	return args, nil
}

// StringAt is String with failures mapped to the empty string, for
// offsets that were produced by this image.
func (img *ModuleImage) StringAt(off uint32) string {
	s, _ := img.String(off)
	return s
}

// InterfacesOf returns the interface tokens implemented by a TypeDef.
func (img *ModuleImage) InterfacesOf(typeDef Token) []Token {
	var out []Token
	for _, impl := range img.InterfaceImpls {
		if impl.Type == typeDef {
			out = append(out, impl.Interface)
		}
	}
	return out
}

// TypeName returns the printable namespace-qualified name of a TypeDef row.
func (img *ModuleImage) TypeName(row TypeDefRow) string {
	ns, _ := img.String(row.Namespace)
	name, _ := img.String(row.Name)
	if ns == "" {
		return name
	}
	return ns + "." + name
}

// FindTypeDef locates a TypeDef token by namespace and name.
func (img *ModuleImage) FindTypeDef(namespace, name string) (Token, bool) {
	for i, td := range img.TypeDefs {
		ns, _ := img.String(td.Namespace)
		n, _ := img.String(td.Name)
		if ns == namespace && n == name {
			return MakeToken(TableTypeDef, uint32(i+1)), true
		}
	}
	return 0, false
}
