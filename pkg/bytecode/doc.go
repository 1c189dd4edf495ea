// Package bytecode defines the managed instruction set executed by the
// nucleus kernel: opcodes, type and method signature encodings, the method
// body format with its protected-region table, an assembler for building
// bodies, and a disassembler.
//
// Bodies and signatures are stored in the module blob heap; their binary
// encodings are part of the module image format and must round-trip
// bit-exactly.
package bytecode
