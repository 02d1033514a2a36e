package telephony

import "strings"

// Guard keeps non-production environments from contacting real people:
// outside production only allow-listed numbers may be messaged or called.
type Guard struct {
	production bool
	allowed    map[string]struct{}
}

func NewGuard(production bool, allowList []string) *Guard {
	g := &Guard{production: production, allowed: make(map[string]struct{}, len(allowList))}
	for _, n := range allowList {
		if n = NormalizeNumber(n); n != "" {
			g.allowed[n] = struct{}{}
		}
	}
	return g
}

// Allows reports whether the number may be contacted.
func (g *Guard) Allows(number string) bool {
	if g.production {
		return true
	}
	_, ok := g.allowed[NormalizeNumber(number)]
	return ok
}

// NormalizeNumber strips formatting so "+1 (555) 000-1111" and
// "+15550001111" compare equal.
func NormalizeNumber(n string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(n) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
