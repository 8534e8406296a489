package env

import (
	"strings"
	"testing"
)

// FuzzExpandMerge fuzzes Merge/expand with random global overrides and
// program env maps to ensure no panics and basic invariants around ${VAR}
// expansion hold regardless of input.
func FuzzExpandMerge(f *testing.F) {
	// seeds (packed as bytes; newline-separated "KEY=VALUE" pairs)
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}")) // cyclic-like

	f.Fuzz(func(t *testing.T, globalB []byte, programB []byte) {
		global := splitNZ(string(globalB))
		program := splitNZ(string(programB))
		if len(global) > 20 {
			global = global[:20]
		}
		if len(program) > 20 {
			program = program[:20]
		}

		e := New()
		for _, kv := range global {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				e = e.WithSet(kv[:i], kv[i+1:])
			}
		}

		programEnv := make(map[string]string, len(program))
		for _, kv := range program {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				k := kv[:i]
				if k == "" {
					continue
				}
				programEnv[k] = kv[i+1:]
			}
		}

		out := e.Merge(programEnv)

		// Invariants:
		// 1) Out must be key=value items without empty keys and with '=' present.
		for _, kv := range out {
			if !strings.Contains(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
			if strings.HasPrefix(kv, "=") {
				t.Fatalf("empty key: %q", kv)
			}
		}
		// 2) Expansion should not introduce raw ${ sequences when inputs are
		// simple ASCII without '$'.
		containsDollar := false
		for _, s := range append(append([]string{}, global...), program...) {
			if strings.ContainsRune(s, '$') {
				containsDollar = true
				break
			}
		}
		if !containsDollar {
			for _, kv := range out {
				if strings.Contains(kv, "${") {
					t.Fatalf("unexpected placeholder remains: %q", kv)
				}
			}
		}
	})
}

// splitNZ splits s by newlines and returns non-empty trimmed lines.
func splitNZ(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
