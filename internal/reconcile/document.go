package reconcile

import "strings"

// NormalizeDocument strips formatting from a CPF/CNPJ, keeping digits only.
func NormalizeDocument(doc string) string {
	var b strings.Builder
	for _, r := range doc {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	return b.String()
}

// ValidDocument reports whether a normalized document looks like a CPF (11
// digits) or CNPJ (14 digits). Repeated-digit sequences are placeholder
// values in the source systems and are rejected.
func ValidDocument(doc string) bool {
	if len(doc) != 11 && len(doc) != 14 {
		return false
	}
	first := doc[0]
	for i := 1; i < len(doc); i++ {
		if doc[i] != first {
			return true
		}
	}
	return false
}

// PersonKindForDocument infers pf/pj from document length; empty when the
// document is unusable.
func PersonKindForDocument(doc string) string {
	switch len(doc) {
	case 11:
		return "pf"
	case 14:
		return "pj"
	}
	return ""
}
