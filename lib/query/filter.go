package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrInvalidQuery is wrapped by every error caused by a malformed filter,
// update, sort, projection or pipeline.
var ErrInvalidQuery = errors.New("invalid query")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}

// Matcher reports whether a document satisfies a compiled filter.
type Matcher func(doc bson.D) bool

// MatchAll matches every document.
func MatchAll(bson.D) bool { return true }

// Compile turns a filter document into a Matcher.
// Supported: implicit equality (including array membership and null-or-missing),
// $eq $ne $gt $gte $lt $lte $in $nin $exists $not $regex $size $all on fields and
// $and $or $nor at any level.
func Compile(filter bson.D) (Matcher, error) {
	if len(filter) == 0 {
		return MatchAll, nil
	}
	preds := make([]Matcher, 0, len(filter))
	for _, e := range filter {
		p, err := compileElement(e)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return allOf(preds), nil
}

func compileElement(e bson.E) (Matcher, error) {
	switch e.Key {
	case "$and", "$or", "$nor":
		subs, err := compileList(e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		switch e.Key {
		case "$and":
			return allOf(subs), nil
		case "$or":
			return anyOf(subs), nil
		default:
			or := anyOf(subs)
			return func(doc bson.D) bool { return !or(doc) }, nil
		}
	case "$comment":
		return MatchAll, nil
	}
	if strings.HasPrefix(e.Key, "$") {
		return nil, invalidf("unknown top level operator: %s", e.Key)
	}

	path := e.Key
	if ops, ok := operatorDocument(e.Value); ok {
		return compileOperators(path, ops)
	}
	if re, ok := e.Value.(primitive.Regex); ok {
		m, err := regexMatcher(re.Pattern, re.Options)
		if err != nil {
			return nil, err
		}
		return func(doc bson.D) bool { return m(Lookup(doc, path)) }, nil
	}
	target := e.Value
	return func(doc bson.D) bool { return matchEq(Lookup(doc, path), target) }, nil
}

func compileList(op string, v interface{}) ([]Matcher, error) {
	arr := toArray(v)
	if len(arr) == 0 {
		return nil, invalidf("%s must be a nonempty array", op)
	}
	subs := make([]Matcher, 0, len(arr))
	for _, item := range arr {
		sub := toDocument(item)
		if sub == nil {
			return nil, invalidf("%s entries must be documents", op)
		}
		m, err := Compile(sub)
		if err != nil {
			return nil, err
		}
		subs = append(subs, m)
	}
	return subs, nil
}

func compileOperators(path string, ops bson.D) (Matcher, error) {
	preds := make([]Matcher, 0, len(ops))
	var regexOptions string
	for _, op := range ops {
		if op.Key == "$options" {
			s, _ := op.Value.(string)
			regexOptions = s
		}
	}

	for _, op := range ops {
		target := op.Value
		var p func(values []interface{}) bool

		switch op.Key {
		case "$eq":
			p = func(values []interface{}) bool { return matchEq(values, target) }
		case "$ne":
			p = func(values []interface{}) bool { return !matchEq(values, target) }
		case "$gt":
			p = func(values []interface{}) bool { return matchCmp(values, target, func(c int) bool { return c > 0 }) }
		case "$gte":
			p = func(values []interface{}) bool { return matchCmp(values, target, func(c int) bool { return c >= 0 }) }
		case "$lt":
			p = func(values []interface{}) bool { return matchCmp(values, target, func(c int) bool { return c < 0 }) }
		case "$lte":
			p = func(values []interface{}) bool { return matchCmp(values, target, func(c int) bool { return c <= 0 }) }
		case "$in", "$nin":
			in, err := inMatcher(op.Key, target)
			if err != nil {
				return nil, err
			}
			if op.Key == "$in" {
				p = in
			} else {
				p = func(values []interface{}) bool { return !in(values) }
			}
		case "$exists":
			want := truthy(target)
			p = func(values []interface{}) bool { return (len(values) > 0) == want }
		case "$regex":
			pattern, options := "", regexOptions
			switch re := target.(type) {
			case string:
				pattern = re
			case primitive.Regex:
				pattern = re.Pattern
				if options == "" {
					options = re.Options
				}
			default:
				return nil, invalidf("$regex has to be a string")
			}
			m, err := regexMatcher(pattern, options)
			if err != nil {
				return nil, err
			}
			p = m
		case "$options":
			continue
		case "$size":
			n, ok := toInt64(target)
			if !ok {
				return nil, invalidf("$size needs a number")
			}
			p = func(values []interface{}) bool {
				for _, v := range values {
					if arr := toArray(v); arr != nil && int64(len(arr)) == n {
						return true
					}
				}
				return false
			}
		case "$all":
			wanted := toArray(target)
			if wanted == nil {
				return nil, invalidf("$all needs an array")
			}
			p = func(values []interface{}) bool {
				if len(wanted) == 0 {
					return false
				}
				for _, w := range wanted {
					if !matchEq(values, w) {
						return false
					}
				}
				return true
			}
		case "$not":
			var inner Matcher
			switch t := target.(type) {
			case primitive.Regex:
				m, err := regexMatcher(t.Pattern, t.Options)
				if err != nil {
					return nil, err
				}
				p = func(values []interface{}) bool { return !m(values) }
			default:
				sub, ok := operatorDocument(target)
				if !ok {
					return nil, invalidf("$not needs a regex or a document")
				}
				m, err := compileOperators(path, sub)
				if err != nil {
					return nil, err
				}
				inner = m
				preds = append(preds, func(doc bson.D) bool { return !inner(doc) })
				continue
			}
		default:
			return nil, invalidf("unknown operator: %s", op.Key)
		}

		check := p
		preds = append(preds, func(doc bson.D) bool { return check(Lookup(doc, path)) })
	}
	return allOf(preds), nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// operatorDocument reports whether v is a document whose keys are operators.
func operatorDocument(v interface{}) (bson.D, bool) {
	doc := toDocument(v)
	if len(doc) == 0 || !strings.HasPrefix(doc[0].Key, "$") {
		return nil, false
	}
	return doc, true
}

// candidates expands array values by their elements, keeping the array itself.
func candidates(values []interface{}) []interface{} {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if arr := toArray(v); arr != nil {
			out = append(out, arr...)
		}
	}
	return out
}

func matchEq(values []interface{}, target interface{}) bool {
	if typeRank(target) == rankNull && len(values) == 0 {
		return true
	}
	for _, c := range candidates(values) {
		if Equal(c, target) {
			return true
		}
	}
	return false
}

func matchCmp(values []interface{}, target interface{}, ok func(int) bool) bool {
	rank := typeRank(target)
	for _, c := range candidates(values) {
		if typeRank(c) == rank && ok(Compare(c, target)) {
			return true
		}
	}
	return false
}

func inMatcher(op string, target interface{}) (func([]interface{}) bool, error) {
	arr := toArray(target)
	if arr == nil {
		return nil, invalidf("%s needs an array", op)
	}
	preds := make([]func([]interface{}) bool, 0, len(arr))
	for _, item := range arr {
		if re, ok := item.(primitive.Regex); ok {
			m, err := regexMatcher(re.Pattern, re.Options)
			if err != nil {
				return nil, err
			}
			preds = append(preds, m)
			continue
		}
		want := item
		preds = append(preds, func(values []interface{}) bool { return matchEq(values, want) })
	}
	return func(values []interface{}) bool {
		for _, p := range preds {
			if p(values) {
				return true
			}
		}
		return false
	}, nil
}

func regexMatcher(pattern, options string) (func([]interface{}) bool, error) {
	flags := ""
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		case 'x', 'u':
		default:
			return nil, invalidf("invalid regex option %q", o)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, invalidf("invalid regex: %v", err)
	}
	return func(values []interface{}) bool {
		for _, c := range candidates(values) {
			switch s := c.(type) {
			case string:
				if re.MatchString(s) {
					return true
				}
			case primitive.Symbol:
				if re.MatchString(string(s)) {
					return true
				}
			}
		}
		return false
	}, nil
}

func allOf(preds []Matcher) Matcher {
	if len(preds) == 1 {
		return preds[0]
	}
	return func(doc bson.D) bool {
		for _, p := range preds {
			if !p(doc) {
				return false
			}
		}
		return true
	}
}

func anyOf(preds []Matcher) Matcher {
	return func(doc bson.D) bool {
		for _, p := range preds {
			if p(doc) {
				return true
			}
		}
		return false
	}
}

// truthy follows the usual boolean coercion for option values (numbers != 0, true).
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	}
	if f, ok := ToFloat(v); ok {
		return f != 0
	}
	return true
}
