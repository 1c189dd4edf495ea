package manifest

import "fmt"

// reservedNamespaces are metadata namespaces owned by the runtime's
// built-in types; a dependency module may not claim them as its root.
var reservedNamespaces = map[string]bool{
	"System":         true,
	"System.Runtime": true,
}

// IsReservedNamespace reports whether ns is owned by the runtime.
func IsReservedNamespace(ns string) bool {
	return reservedNamespaces[ns]
}

// ValidateModuleName checks a dependency key from [modules]: lowercase
// letters, digits, dashes and dots, starting with a letter. Module
// names become registry keys and file names, so the alphabet is kept
// narrow.
func ValidateModuleName(name string) error {
	if name == "" {
		return fmt.Errorf("empty module name")
	}
	if name[0] < 'a' || name[0] > 'z' {
		return fmt.Errorf("module name %q must start with a lowercase letter", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.':
		default:
			return fmt.Errorf("module name %q contains invalid character %q", name, c)
		}
	}
	if IsReservedNamespace(name) {
		return fmt.Errorf("module name %q shadows a runtime namespace", name)
	}
	return nil
}
