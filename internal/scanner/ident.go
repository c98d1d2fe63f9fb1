package scanner

import "strings"

// QuoteIdent renders a Postgres identifier for remediation SQL. Lowercase
// simple names are left bare; anything else is double-quoted with embedded
// quotes doubled.
func QuoteIdent(name string) string {
	if isSimpleIdent(name) && !reservedWords[name] {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName renders schema.table with each part quoted as needed.
func QualifiedName(schema, table string) string {
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}

func isSimpleIdent(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case (r >= '0' && r <= '9') || r == '$':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// reservedWords holds keywords that cannot appear bare as a table name.
var reservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "both": true, "case": true,
	"cast": true, "check": true, "collate": true, "column": true, "constraint": true,
	"create": true, "default": true, "desc": true, "distinct": true, "do": true,
	"else": true, "end": true, "except": true, "false": true, "for": true,
	"foreign": true, "from": true, "grant": true, "group": true, "having": true,
	"in": true, "into": true, "leading": true, "limit": true, "not": true,
	"null": true, "offset": true, "on": true, "only": true, "or": true,
	"order": true, "primary": true, "references": true, "select": true, "table": true,
	"then": true, "to": true, "true": true, "union": true, "unique": true,
	"user": true, "using": true, "when": true, "where": true, "with": true,
}

// isSystemTable reports catalog-prefixed or underscore-prefixed tables, which
// the audit detectors skip.
func isSystemTable(name string) bool {
	return strings.HasPrefix(name, "pg_") || strings.HasPrefix(name, "_")
}

// isLiteralTrue matches a policy expression that is the constant true,
// including the parenthesised form pg_get_expr sometimes produces.
func isLiteralTrue(expr *string) bool {
	if expr == nil {
		return false
	}
	s := strings.TrimSpace(*expr)
	for strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return strings.EqualFold(s, "true")
}
