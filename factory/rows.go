/*
Package factory decodes loosely typed upload rows into engine inputs.

PURPOSE:
  Upload rows come from spreadsheets and forms: counts arrive as numbers
  or strings, the attendance flag as a bool, a number or a word, and dates
  in whatever shape the sheet had. The factory turns a request body into
  typed attendance.Row / performance.BulkRow values and validates each row
  on its own, so one bad row never rejects the others.

BODY SHAPE:
  {
    "rows": [
      {"date": "2025.07.01", "sub_program": "Zumba", "member_name": "Kim",
       "gender": "F", "attended": "Y", "sessions": "2"}
    ]
  }

  Anything else (not JSON, no "rows" list) is a MalformedBodyError and the
  whole call fails. A row that cannot be decoded or validated is returned
  with its Err set and the caller reports it as a failed row.

SEE ALSO:
  - attendance/writer.go: consumes attendance rows
  - performance/ingestor.go: consumes bulk rows
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/warp/attendance-ledger/attendance"
	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/performance"
)

// ErrMalformedBody is returned when the body is not a {"rows": [...]} object.
var ErrMalformedBody = errors.New("malformed request body")

// MalformedBodyError carries the decode failure.
type MalformedBodyError struct {
	Err error
}

func (e *MalformedBodyError) Error() string { return fmt.Sprintf("malformed request body: %v", e.Err) }
func (e *MalformedBodyError) Unwrap() error { return ErrMalformedBody }

// Decoded pairs a typed row with the error that rejected it, if any.
// Index is the row's position in the request.
type Decoded[T any] struct {
	Index int
	Row   T
	Err   error
}

// =============================================================================
// JSON ROW SHAPES
// =============================================================================

// AttendanceRowJSON is the wire form of one attendance upload row.
type AttendanceRowJSON struct {
	Date       any    `json:"date"`
	SubProgram string `json:"sub_program" validate:"required,max=200"`
	MemberName string `json:"member_name" validate:"required_without=MemberID,max=100"`
	Gender     string `json:"gender" validate:"max=20"`
	MemberID   string `json:"member_id" validate:"max=100"`
	Note       string `json:"note" validate:"max=1000"`
	Attended   any    `json:"attended"`

	Sessions Count  `json:"sessions" validate:"gte=0"`
	Cases    Count  `json:"cases" validate:"gte=0"`
	Visits   *Count `json:"visits" validate:"omitempty,gte=0"`
	Actual   *Count `json:"actual" validate:"omitempty,gte=0"`
}

// BulkRowJSON is the wire form of one aggregate submission.
type BulkRowJSON struct {
	Date       any    `json:"date"`
	SubProgram string `json:"sub_program" validate:"required,max=200"`
	Function   string `json:"function" validate:"max=200"`
	Team       string `json:"team" validate:"max=200"`
	Unit       string `json:"unit" validate:"max=200"`

	Registered *Count `json:"registered" validate:"omitempty,gte=0"`
	Actual     *Count `json:"actual" validate:"omitempty,gte=0"`
	Visits     *Count `json:"visits" validate:"omitempty,gte=0"`
	Cases      *Count `json:"cases" validate:"omitempty,gte=0"`
	Remark     string `json:"remark" validate:"max=1000"`
}

// Count is a non-fractional number sent as a JSON number or a numeric
// string. Empty strings and null read as zero.
type Count int

func (c *Count) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*c = 0
	case float64:
		if t != math.Trunc(t) {
			return fmt.Errorf("count %v is not a whole number", t)
		}
		*c = Count(t)
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(t, ",", ""))
		if s == "" {
			*c = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("count %q is not a number", t)
		}
		*c = Count(n)
	default:
		return fmt.Errorf("count has unsupported type %T", v)
	}
	return nil
}

func (c *Count) intPtr() *int {
	if c == nil {
		return nil
	}
	n := int(*c)
	return &n
}

// =============================================================================
// DECODING
// =============================================================================

// RowFactory decodes and validates upload bodies.
type RowFactory struct {
	validate *validator.Validate
}

func NewRowFactory() *RowFactory {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names, not Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &RowFactory{validate: v}
}

// DecodeAttendance decodes an attendance upload body.
func (f *RowFactory) DecodeAttendance(body io.Reader) ([]Decoded[attendance.Row], error) {
	raws, err := rawRows(body)
	if err != nil {
		return nil, err
	}
	out := make([]Decoded[attendance.Row], len(raws))
	for i, raw := range raws {
		var rj AttendanceRowJSON
		out[i].Index = i
		if err := f.decodeRow(raw, &rj); err != nil {
			out[i].Row = attendance.Row{SubProgram: rj.SubProgram, MemberName: rj.MemberName}
			out[i].Err = err
			continue
		}
		out[i].Row = rj.Row()
	}
	return out, nil
}

// DecodeBulk decodes an aggregate upload body.
func (f *RowFactory) DecodeBulk(body io.Reader) ([]Decoded[performance.BulkRow], error) {
	raws, err := rawRows(body)
	if err != nil {
		return nil, err
	}
	out := make([]Decoded[performance.BulkRow], len(raws))
	for i, raw := range raws {
		var bj BulkRowJSON
		out[i].Index = i
		if err := f.decodeRow(raw, &bj); err != nil {
			out[i].Row = performance.BulkRow{SubProgram: bj.SubProgram}
			out[i].Err = err
			continue
		}
		out[i].Row = bj.Row()
	}
	return out, nil
}

// Validate runs struct validation and converts failures to a ValidationError
// keyed by JSON field name.
func (f *RowFactory) Validate(v any) error {
	err := f.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &engine.ValidationError{Reason: err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &engine.ValidationError{Fields: fields}
}

func (f *RowFactory) decodeRow(raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return engine.NewValidationError(typeErr.Field, "type")
		}
		return &engine.ValidationError{Reason: err.Error()}
	}
	return f.Validate(dst)
}

func rawRows(body io.Reader) ([]json.RawMessage, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &MalformedBodyError{Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &MalformedBodyError{Err: errors.New("empty body")}
	}
	var envelope struct {
		Rows *[]json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &MalformedBodyError{Err: err}
	}
	if envelope.Rows == nil {
		return nil, &MalformedBodyError{Err: errors.New(`missing "rows" list`)}
	}
	return *envelope.Rows, nil
}

// =============================================================================
// CONVERSION
// =============================================================================

func (rj AttendanceRowJSON) Row() attendance.Row {
	return attendance.Row{
		Date:       rj.Date,
		SubProgram: strings.TrimSpace(rj.SubProgram),
		MemberName: strings.TrimSpace(rj.MemberName),
		Gender:     strings.TrimSpace(rj.Gender),
		MemberID:   engine.MemberID(strings.TrimSpace(rj.MemberID)),
		Note:       rj.Note,
		Attended:   attendedFlag(rj.Attended),
		Sessions:   int(rj.Sessions),
		Cases:      int(rj.Cases),
		Visits:     rj.Visits.intPtr(),
		Actual:     rj.Actual.intPtr(),
	}
}

// attendedFlag defaults a missing flag to present: an uploaded attendance
// row records that the member came.
func attendedFlag(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return true
	}
	return engine.ParseFlag(v)
}

func (bj BulkRowJSON) Row() performance.BulkRow {
	return performance.BulkRow{
		Date:       bj.Date,
		SubProgram: strings.TrimSpace(bj.SubProgram),
		Function:   strings.TrimSpace(bj.Function),
		Team:       strings.TrimSpace(bj.Team),
		Unit:       strings.TrimSpace(bj.Unit),
		Registered: bj.Registered.intPtr(),
		Actual:     bj.Actual.intPtr(),
		Visits:     bj.Visits.intPtr(),
		Cases:      bj.Cases.intPtr(),
		Remark:     bj.Remark,
	}
}
