package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fullMapping = map[string]string{
	"Email":    FieldKeyEmail,
	"First":    FieldKeyFirstName,
	"Last":     FieldKeyLastName,
	"Birthday": FieldKeyBirthday,
	"Group":    FieldKeyGroupID,
	"Active":   FieldKeyIsActive,
	"Sex":      FieldKeySex,
}

func record(row int, kv ...string) Record {
	values := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		values[kv[i]] = kv[i+1]
	}
	return Record{Row: row, Values: values}
}

func TestRowValidator_Validate(t *testing.T) {
	v := NewRowValidator(DefaultTargetFields(), fullMapping)
	existing := NewEmailSet("taken@example.com")

	tests := []struct {
		name      string
		rec       Record
		opts      ImportOptions
		wantClass Classification
		wantErrs  []string // field:message
		wantWarns []string
	}{
		{
			name:      "valid row",
			rec:       record(2, "Email", "ada@example.com", "First", "Ada", "Last", "Lovelace"),
			wantClass: RowValid,
		},
		{
			name:      "all required fields missing",
			rec:       record(3, "Email", " ", "First", "", "Last", ""),
			wantClass: RowInvalid,
			wantErrs: []string{
				"email:required field is empty",
				"first_name:required field is empty",
				"last_name:required field is empty",
			},
		},
		{
			name:      "malformed email plus format warning",
			rec:       record(4, "Email", "not-an-email", "First", "A", "Last", "B", "Group", "abc"),
			wantClass: RowInvalid,
			wantErrs:  []string{"email:invalid email address"},
			wantWarns: []string{"group_id:invalid integer; value ignored"},
		},
		{
			name:      "warnings only stay valid",
			rec:       record(5, "Email", "x@example.com", "First", "X", "Last", "Y", "Birthday", "31/31/2020", "Active", "perhaps", "Sex", "q"),
			wantClass: RowValid,
			wantWarns: []string{
				"birthday:invalid date format; value ignored",
				"sex:invalid boolean, use m/f, yes/no or 1/0; value ignored",
				"is_active:invalid boolean, use yes/no, true/false or 1/0; value ignored",
			},
		},
		{
			name:      "existing email rejected",
			rec:       record(6, "Email", "Taken@Example.com", "First", "T", "Last", "K"),
			wantClass: RowInvalid,
			wantErrs:  []string{"email:account with this email already exists"},
		},
		{
			name:      "existing email skipped",
			rec:       record(6, "Email", "taken@example.com", "First", "T", "Last", "K"),
			opts:      ImportOptions{SkipDuplicates: true},
			wantClass: RowSkippable,
			wantWarns: []string{"email:account with this email already exists; row will be skipped"},
		},
		{
			name:      "existing email updated",
			rec:       record(6, "Email", "taken@example.com", "First", "T", "Last", "K"),
			opts:      ImportOptions{UpdateExisting: true},
			wantClass: RowValid,
			wantWarns: []string{"email:account with this email already exists; account will be updated"},
		},
		{
			name:      "skip wins over update",
			rec:       record(6, "Email", "taken@example.com", "First", "T", "Last", "K"),
			opts:      ImportOptions{SkipDuplicates: true, UpdateExisting: true},
			wantClass: RowSkippable,
			wantWarns: []string{"email:account with this email already exists; row will be skipped"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.rec, tt.opts, existing, NewEmailSet())

			assert.Equal(t, tt.wantClass, got.Classification)
			assert.Equal(t, tt.wantErrs, issueStrings(got.Errors))
			assert.Equal(t, tt.wantWarns, issueStrings(got.Warnings))
			for _, e := range append(got.Errors, got.Warnings...) {
				assert.Equal(t, tt.rec.Row, e.Row)
			}
		})
	}
}

func issueStrings(issues []RowIssue) []string {
	if len(issues) == 0 {
		return nil
	}
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Field + ":" + is.Message
	}
	return out
}

func TestRowValidator_UnmappedRequiredColumn(t *testing.T) {
	v := NewRowValidator(DefaultTargetFields(), map[string]string{"Email": FieldKeyEmail})

	got := v.Validate(record(2, "Email", "ada@example.com"), ImportOptions{}, NewEmailSet(), NewEmailSet())
	assert.Equal(t, RowInvalid, got.Classification)
	assert.Equal(t, []string{
		"first_name:required column is not mapped",
		"last_name:required column is not mapped",
	}, issueStrings(got.Errors))
}

func TestRowValidator_SeenInBatch(t *testing.T) {
	v := NewRowValidator(DefaultTargetFields(), fullMapping)
	seen := NewEmailSet("ada@example.com")

	got := v.Validate(record(3, "Email", "ADA@example.com", "First", "A", "Last", "L"), ImportOptions{}, NewEmailSet(), seen)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "email appears earlier in this file", got.Errors[0].Message)
	assert.False(t, got.Existing)
	assert.Equal(t, "ada@example.com", got.Email)
}

func TestRowValidator_IsPure(t *testing.T) {
	v := NewRowValidator(DefaultTargetFields(), fullMapping)
	rec := record(2, "Email", "ada@example.com", "First", "Ada", "Last", "Lovelace")
	existing, seen := NewEmailSet(), NewEmailSet()

	first := v.Validate(rec, ImportOptions{}, existing, seen)
	second := v.Validate(rec, ImportOptions{}, existing, seen)
	assert.Equal(t, first, second)
	assert.Empty(t, seen, "the validator never records emails itself")
}

func TestBuildAccountRecord(t *testing.T) {
	v := NewRowValidator(DefaultTargetFields(), fullMapping)
	rec := record(7,
		"Email", " Ada@Example.com ",
		"First", "Ada",
		"Last", "Lovelace",
		"Birthday", "1815-12-10",
		"Group", "12",
		"Active", "yes",
		"Sex", "f",
	)
	verdict := v.Validate(rec, ImportOptions{}, NewEmailSet(), NewEmailSet())
	require.True(t, verdict.Valid())

	acct := v.BuildAccountRecord(rec, verdict)
	assert.Equal(t, 7, acct.Row)
	assert.Equal(t, "ada@example.com", acct.Email)
	assert.Equal(t, "Lovelace", acct.LastName)
	assert.True(t, acct.Birthday.Valid)
	assert.Equal(t, 1815, acct.Birthday.Time.Year())
	assert.Equal(t, int32(12), acct.GroupID.Int32)
	assert.True(t, acct.IsActive.Bool)
	assert.True(t, acct.Sex.Valid)
	assert.False(t, acct.Sex.Bool)
	assert.False(t, acct.Username.Valid, "unmapped optional fields are NULL")
}

func TestEmailSet(t *testing.T) {
	s := NewEmailSet("A@B.com")
	assert.True(t, s.Contains("a@b.com"))
	assert.True(t, s.Contains(" A@b.COM "))
	assert.False(t, s.Contains("c@b.com"))
}
