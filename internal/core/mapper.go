package core

// mapper.go proposes a column mapping for an uploaded file.
//
// Matching runs in two passes over the target fields in declaration order:
//  1. Exact match of the normalized header against the field key or one of
//     its synonyms.
//  2. Levenshtein similarity against the same candidates, accepted only at
//     or above MappingSimilarityThreshold.
//
// Each header is claimed at most once and ties go to the leftmost header,
// so the result is deterministic for a given header list.

import (
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// MappingSimilarityThreshold is the minimum similarity for a fuzzy match.
const MappingSimilarityThreshold = 0.8

// FieldType describes the expected format of a target field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEmail
	FieldDate
	FieldInteger
	FieldBool
	FieldSex
)

// Target field keys.
const (
	FieldKeyEmail     = "email"
	FieldKeyFirstName = "first_name"
	FieldKeyLastName  = "last_name"
	FieldKeyUsername  = "username"
	FieldKeyPhone     = "phone"
	FieldKeyBirthday  = "birthday"
	FieldKeySex       = "sex"
	FieldKeyGroupID   = "group_id"
	FieldKeyIsActive  = "is_active"
	FieldKeyRoleID    = "role_id"
)

// TargetField is a canonical account field an import column can map to.
type TargetField struct {
	Key      string    `json:"key"`
	Label    string    `json:"label"`
	Required bool      `json:"required"`
	Type     FieldType `json:"type"`
	Synonyms []string  `json:"synonyms,omitempty"`
}

// DefaultTargetFields returns the account fields accepted by imports.
func DefaultTargetFields() []TargetField {
	return []TargetField{
		{Key: FieldKeyEmail, Label: "Email", Required: true, Type: FieldEmail,
			Synonyms: []string{"e-mail", "mail", "email address", "user email", "login email"}},
		{Key: FieldKeyFirstName, Label: "First name", Required: true, Type: FieldText,
			Synonyms: []string{"first", "first name", "given name", "forename", "name first"}},
		{Key: FieldKeyLastName, Label: "Last name", Required: true, Type: FieldText,
			Synonyms: []string{"last", "last name", "surname", "family name", "name last"}},
		{Key: FieldKeyUsername, Label: "Username", Type: FieldText,
			Synonyms: []string{"user", "user name", "login", "nickname"}},
		{Key: FieldKeyPhone, Label: "Phone", Type: FieldText,
			Synonyms: []string{"phone number", "mobile", "telephone", "tel"}},
		{Key: FieldKeyBirthday, Label: "Birthday", Type: FieldDate,
			Synonyms: []string{"birth date", "date of birth", "dob"}},
		{Key: FieldKeySex, Label: "Sex", Type: FieldSex,
			Synonyms: []string{"gender"}},
		{Key: FieldKeyGroupID, Label: "Group", Type: FieldInteger,
			Synonyms: []string{"group", "group id"}},
		{Key: FieldKeyIsActive, Label: "Active", Type: FieldBool,
			Synonyms: []string{"active", "is active", "enabled", "status"}},
		{Key: FieldKeyRoleID, Label: "Role", Type: FieldText,
			Synonyms: []string{"role", "role id"}},
	}
}

// SuggestMapping proposes a source column -> target key mapping.
// Headers that are not confidently matched are left out.
func SuggestMapping(headers []string, targets []TargetField) map[string]string {
	mapping := make(map[string]string)

	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = normalizeHeader(h)
	}

	candidates := make([][]string, len(targets))
	for i, t := range targets {
		names := []string{normalizeHeader(t.Key)}
		for _, syn := range t.Synonyms {
			names = append(names, normalizeHeader(syn))
		}
		candidates[i] = names
	}

	used := make([]bool, len(headers))
	matched := make([]bool, len(targets))

	for ti := range targets {
		for hi, h := range normalized {
			if used[hi] || h == "" {
				continue
			}
			if slices.Contains(candidates[ti], h) {
				mapping[headers[hi]] = targets[ti].Key
				used[hi] = true
				matched[ti] = true
				break
			}
		}
	}

	for ti := range targets {
		if matched[ti] {
			continue
		}
		best, bestScore := -1, 0.0
		for hi, h := range normalized {
			if used[hi] || h == "" {
				continue
			}
			for _, c := range candidates[ti] {
				if score := similarity(h, c); score > bestScore {
					best, bestScore = hi, score
				}
			}
		}
		if best >= 0 && bestScore >= MappingSimilarityThreshold {
			mapping[headers[best]] = targets[ti].Key
			used[best] = true
		}
	}

	return mapping
}

// ValidateMapping checks that every source column exists in headers, every
// target key is known and no target is mapped from two columns.
func ValidateMapping(mapping map[string]string, headers []string, targets []TargetField) error {
	var problems []string
	seen := make(map[string]string, len(mapping))

	for source, target := range mapping {
		if !slices.Contains(headers, source) {
			problems = append(problems, "unknown column "+strconv.Quote(source))
		}
		if _, ok := findTarget(targets, target); !ok {
			problems = append(problems, "unknown field "+strconv.Quote(target))
		}
		if prev, dup := seen[target]; dup {
			first, second := prev, source
			if second < first {
				first, second = second, first
			}
			problems = append(problems, "field "+strconv.Quote(target)+" mapped from both "+strconv.Quote(first)+" and "+strconv.Quote(second))
		}
		seen[target] = source
	}

	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return &mappingError{problems: problems}
}

type mappingError struct {
	problems []string
}

func (e *mappingError) Error() string {
	return ErrInvalidMapping.Error() + ": " + strings.Join(e.problems, "; ")
}

func (e *mappingError) Unwrap() error { return ErrInvalidMapping }

// normalizeHeader lowercases s and drops everything except letters and digits.
func normalizeHeader(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// similarity returns 1 - distance/maxLen, in [0, 1].
func similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func findTarget(targets []TargetField, key string) (TargetField, bool) {
	for _, t := range targets {
		if t.Key == key {
			return t, true
		}
	}
	return TargetField{}, false
}
