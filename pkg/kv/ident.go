package kv

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	sqlIdentRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
	namespaceRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]{0,127}$`)
)

// ValidateIdentifier checks a table or schema name before it is interpolated
// into SQL text.
func ValidateIdentifier(name string) error {
	if !sqlIdentRe.MatchString(name) {
		return &Error{Kind: KindQuery, Op: "validate", Msg: fmt.Sprintf("%q", name), Err: ErrInvalidIdentifier}
	}
	return nil
}

// ValidateNamespace checks a key prefix, collection, database or table name used
// by the non-SQL backends. Glob metacharacters are rejected so a namespace can be
// used verbatim in a SCAN pattern.
func ValidateNamespace(name string) error {
	if !namespaceRe.MatchString(name) || strings.HasPrefix(name, "system.") {
		return &Error{Kind: KindQuery, Op: "validate", Msg: fmt.Sprintf("%q", name), Err: ErrInvalidIdentifier}
	}
	return nil
}
