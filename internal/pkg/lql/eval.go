package lql

import (
	"strconv"
	"strings"
)

// Record is the view of a log entry that expressions evaluate against.
// It decouples lql from the engine package.
type Record interface {
	GetID() string
	GetTimestamp() int64
	GetLevel() string
	GetService() string
	GetMessage() string
	// GetContextValue returns the string form of a context key, if present.
	GetContextValue(key string) (string, bool)
}

// Match evaluates the AST node against a Record.
func Match(node Node, rec Record) bool {
	if node == nil {
		return true // No filter means match all
	}

	switch n := node.(type) {
	case BinaryExpr:
		return evalBinary(n, rec)
	case MatchExpr:
		return evalMatch(n, rec)
	case NotExpr:
		return !Match(n.Expr, rec)
	default:
		return false
	}
}

func evalBinary(expr BinaryExpr, rec Record) bool {
	switch expr.Op {
	case "AND":
		return Match(expr.Left, rec) && Match(expr.Right, rec)
	case "OR":
		return Match(expr.Left, rec) || Match(expr.Right, rec)
	default:
		return false
	}
}

func evalMatch(expr MatchExpr, rec Record) bool {
	// Full-text search (no key specified)
	if expr.Key == "" {
		return matchFullText(expr.Value, rec)
	}

	fieldValue, ok := getFieldValue(expr.Key, rec)

	switch expr.Op {
	case "=":
		return ok && strings.EqualFold(fieldValue, expr.Value)
	case "!=":
		return !ok || !strings.EqualFold(fieldValue, expr.Value)
	case "CONTAINS":
		return ok && containsIgnoreCase(fieldValue, expr.Value)
	default:
		return ok && strings.EqualFold(fieldValue, expr.Value)
	}
}

// getFieldValue resolves a field name to its value. "context.<key>"
// addresses the entry's context map, with the key's original case
// preserved; absent keys report ok=false.
func getFieldValue(key string, rec Record) (string, bool) {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "context.") {
		return rec.GetContextValue(key[len("context."):])
	}

	switch lower {
	case "id":
		return rec.GetID(), true
	case "service", "source_service", "svc":
		return rec.GetService(), true
	case "message", "msg":
		return rec.GetMessage(), true
	case "level", "lvl":
		return rec.GetLevel(), true
	case "timestamp", "ts":
		return strconv.FormatInt(rec.GetTimestamp(), 10), true
	default:
		return "", false
	}
}

func containsIgnoreCase(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// matchFullText searches across level, service and message.
func matchFullText(query string, rec Record) bool {
	q := strings.ToLower(query)
	fields := []string{
		rec.GetService(),
		rec.GetMessage(),
		rec.GetLevel(),
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}
