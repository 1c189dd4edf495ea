package metadata

import "fmt"

// Table identifies a numbered metadata table.
type Table uint8

const (
	TableModule        Table = 0x00
	TableTypeRef       Table = 0x01
	TableTypeDef       Table = 0x02
	TableField         Table = 0x04
	TableMethod        Table = 0x06
	TableParam         Table = 0x08
	TableInterfaceImpl Table = 0x09
	TableMemberRef     Table = 0x0A
	TableTypeSpec      Table = 0x1B
	TableMethodSpec    Table = 0x2B
)

// String returns the conventional table name.
func (t Table) String() string {
	switch t {
	case TableModule:
		return "Module"
	case TableTypeRef:
		return "TypeRef"
	case TableTypeDef:
		return "TypeDef"
	case TableField:
		return "Field"
	case TableMethod:
		return "Method"
	case TableParam:
		return "Param"
	case TableInterfaceImpl:
		return "InterfaceImpl"
	case TableMemberRef:
		return "MemberRef"
	case TableTypeSpec:
		return "TypeSpec"
	case TableMethodSpec:
		return "MethodSpec"
	default:
		return fmt.Sprintf("Table(0x%02X)", uint8(t))
	}
}

// Token is a numeric reference into a metadata table: the table id in the
// high byte, a 1-based row index in the low 24 bits.
type Token uint32

// MakeToken builds a token from a table and a 1-based row index.
func MakeToken(table Table, row uint32) Token {
	return Token(uint32(table)<<24 | (row & 0x00FFFFFF))
}

// Table returns the token's table id.
func (t Token) Table() Table { return Table(t >> 24) }

// Row returns the token's 1-based row index.
func (t Token) Row() uint32 { return uint32(t) & 0x00FFFFFF }

// IsNil reports whether the token is the nil token (row 0).
func (t Token) IsNil() bool { return t.Row() == 0 }

func (t Token) String() string {
	return fmt.Sprintf("%s(0x%08X)", t.Table(), uint32(t))
}
