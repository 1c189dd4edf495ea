package main

import "testing"

func TestSplitEntry(t *testing.T) {
	cases := []struct {
		entry     string
		ns, typ   string
		method    string
		wantError bool
	}{
		{entry: "Program.Main", typ: "Program", method: "Main"},
		{entry: "Calc.Program.Main", ns: "Calc", typ: "Program", method: "Main"},
		{entry: "Kernel.Boot.Init.Start", ns: "Kernel.Boot", typ: "Init", method: "Start"},
		{entry: "main", wantError: true},
		{entry: "", wantError: true},
	}
	for _, c := range cases {
		ns, typ, method, err := splitEntry(c.entry)
		if c.wantError {
			if err == nil {
				t.Errorf("splitEntry(%q): expected error", c.entry)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitEntry(%q): %v", c.entry, err)
			continue
		}
		if ns != c.ns || typ != c.typ || method != c.method {
			t.Errorf("splitEntry(%q) = (%q, %q, %q)", c.entry, ns, typ, method)
		}
	}
}
