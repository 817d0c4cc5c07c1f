package credentials

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// maxIdentifierLen is the PostgreSQL identifier length limit.
const maxIdentifierLen = 63

// GenerateDatabaseName derives the database name for a tenant from its slug
// and id. The result is deterministic, uses only [a-z0-9_] and never
// collides across tenants: the id participates through a hash suffix, so
// similar slugs stay distinct.
func GenerateDatabaseName(tenantSlug, tenantID string) string {
	slug := sanitizeIdentifier(tenantSlug)
	if slug == "" {
		slug = "tenant"
	}

	sum := sha256.Sum256([]byte(tenantSlug + "|" + tenantID))
	suffix := hex.EncodeToString(sum[:])[:8]

	name := "tenant_" + slug + "_" + suffix
	if len(name) > maxIdentifierLen {
		keep := maxIdentifierLen - len(suffix) - 1
		name = name[:keep] + "_" + suffix
	}
	return name
}

// sanitizeIdentifier lowercases and replaces every non-alphanumeric rune
// with an underscore, collapsing repeats.
func sanitizeIdentifier(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
