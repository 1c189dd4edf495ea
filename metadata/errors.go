package metadata

import "fmt"

// MetadataError reports malformed metadata: a bad token encoding, an
// out-of-range heap offset, a truncated table, an unsupported table kind.
type MetadataError struct {
	Module string
	Detail string
	Err    error
}

func (e *MetadataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metadata error in %s: %s: %v", e.Module, e.Detail, e.Err)
	}
	return fmt.Sprintf("metadata error in %s: %s", e.Module, e.Detail)
}

func (e *MetadataError) Unwrap() error { return e.Err }

func metaErr(module, format string, args ...interface{}) error {
	return &MetadataError{Module: module, Detail: fmt.Sprintf(format, args...)}
}

// UnresolvedReference reports a cross-module reference whose target module
// is not loaded, or whose target type does not exist in the named module.
type UnresolvedReference struct {
	Assembly  string
	Namespace string
	Name      string
}

func (e *UnresolvedReference) Error() string {
	return fmt.Sprintf("unresolved reference: [%s]%s.%s", e.Assembly, e.Namespace, e.Name)
}
