package core

// validation.go classifies import rows before anything is written.
//
// Every applicable check runs and all diagnostics for a row are collected:
//  1. Required fields must be mapped and non-empty.
//  2. Email must look like an address.
//  3. Duplicate emails resolve per DuplicatePolicy.
//  4. Malformed optional fields produce warnings; the value is ignored.
//
// A row with only warnings is valid. The validator keeps no state between
// calls; the caller supplies known emails and tracks duplicates in the batch.

import (
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Classification is the validation outcome of one row.
type Classification string

const (
	RowValid     Classification = "valid"
	RowSkippable Classification = "skippable" // valid but will not be written
	RowInvalid   Classification = "invalid"
)

// EmailSet is a set of lowercased email addresses.
type EmailSet map[string]struct{}

// NewEmailSet builds a set from emails, lowercasing each.
func NewEmailSet(emails ...string) EmailSet {
	set := make(EmailSet, len(emails))
	for _, e := range emails {
		set.Add(e)
	}
	return set
}

// Add inserts email.
func (s EmailSet) Add(email string) {
	s[normalizeEmail(email)] = struct{}{}
}

// Contains reports whether email is in the set.
func (s EmailSet) Contains(email string) bool {
	_, ok := s[normalizeEmail(email)]
	return ok
}

// RowVerdict is the validator output for one row.
type RowVerdict struct {
	Row             int
	Email           string
	Errors          []RowIssue
	Warnings        []RowIssue
	Classification  Classification
	Existing        bool // email belongs to a pre-existing account
	DuplicateInFile bool // email appears on an earlier valid row of the file
}

// Valid reports whether the row may be committed or skipped.
func (v RowVerdict) Valid() bool {
	return v.Classification != RowInvalid
}

// RowValidator validates records against target fields through a mapping.
type RowValidator struct {
	targets []TargetField
	columns map[string]string // target key -> source column
}

// NewRowValidator creates a validator for the given fields and
// source column -> target key mapping.
func NewRowValidator(targets []TargetField, mapping map[string]string) *RowValidator {
	columns := make(map[string]string, len(mapping))
	for source, target := range mapping {
		columns[target] = source
	}
	return &RowValidator{targets: targets, columns: columns}
}

// Value returns the cleaned value for a target field and whether the field
// is mapped at all.
func (v *RowValidator) Value(rec Record, key string) (string, bool) {
	source, ok := v.columns[key]
	if !ok {
		return "", false
	}
	return CleanCell(rec.Values[source]), true
}

// Validate classifies rec. existing holds emails of pre-existing accounts,
// seen holds emails already accepted earlier in the same file.
func (v *RowValidator) Validate(rec Record, opts ImportOptions, existing, seen EmailSet) RowVerdict {
	verdict := RowVerdict{Row: rec.Row, Classification: RowValid}

	for _, t := range v.targets {
		if !t.Required {
			continue
		}
		value, mapped := v.Value(rec, t.Key)
		switch {
		case !mapped:
			verdict.addError(t.Key, "required column is not mapped", "")
		case value == "":
			verdict.addError(t.Key, "required field is empty", "")
		}
	}

	email, _ := v.Value(rec, FieldKeyEmail)
	if email != "" {
		if !emailRegex.MatchString(email) {
			verdict.addError(FieldKeyEmail, "invalid email address", email)
		} else {
			verdict.Email = normalizeEmail(email)
			v.checkDuplicate(&verdict, email, opts, existing, seen)
		}
	}

	for _, t := range v.targets {
		if t.Required {
			continue
		}
		value, _ := v.Value(rec, t.Key)
		if value == "" {
			continue
		}
		if msg := checkFormat(t.Type, value); msg != "" {
			verdict.addWarning(t.Key, msg+"; value ignored", value)
		}
	}

	if len(verdict.Errors) > 0 {
		verdict.Classification = RowInvalid
	}
	return verdict
}

func (v *RowValidator) checkDuplicate(verdict *RowVerdict, email string, opts ImportOptions, existing, seen EmailSet) {
	verdict.Existing = existing.Contains(email)
	verdict.DuplicateInFile = seen.Contains(email)

	var reason string
	switch {
	case verdict.DuplicateInFile:
		reason = "email appears earlier in this file"
	case verdict.Existing:
		reason = "account with this email already exists"
	default:
		return
	}

	switch opts.DuplicatePolicy() {
	case DuplicateSkip:
		verdict.addWarning(FieldKeyEmail, reason+"; row will be skipped", email)
		verdict.Classification = RowSkippable
	case DuplicateUpdate:
		verdict.addWarning(FieldKeyEmail, reason+"; account will be updated", email)
	default:
		verdict.addError(FieldKeyEmail, reason, email)
	}
}

// checkFormat returns a problem description for a malformed optional value.
func checkFormat(ft FieldType, value string) string {
	switch ft {
	case FieldDate:
		if !ToPgDate(value).Valid {
			return "invalid date format"
		}
	case FieldInteger:
		if !ToPgInt4(value).Valid {
			return "invalid integer"
		}
	case FieldBool:
		if !ToPgBool(value).Valid {
			return "invalid boolean, use yes/no, true/false or 1/0"
		}
	case FieldSex:
		if !ToPgSex(value).Valid {
			return "invalid boolean, use m/f, yes/no or 1/0"
		}
	}
	return ""
}

func (v *RowVerdict) addError(field, message, value string) {
	v.Errors = append(v.Errors, RowIssue{Row: v.Row, Field: field, Message: message, Value: value})
}

func (v *RowVerdict) addWarning(field, message, value string) {
	v.Warnings = append(v.Warnings, RowIssue{Row: v.Row, Field: field, Message: message, Value: value})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
