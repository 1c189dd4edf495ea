// Package metadata implements the module image format: numbered metadata
// tables with fixed-width little-endian rows, coded token references, and
// string/blob heaps. It provides a bit-exact reader, a builder used by the
// toolchain and tests, and the loaded-module registry that cross-module
// references resolve against.
//
// A ModuleImage is parsed once at load time and immutable thereafter.
// Every later stage of the runtime depends on token resolution against
// this layout being exact.
package metadata
