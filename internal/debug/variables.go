// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// Preview row bounds for InspectVariable.
const (
	DefaultPreviewRows = 5
	MaxPreviewRows     = 100
)

// Detected variable kinds.
const (
	KindDataFrame = "dataframe"
	KindSeries    = "series"
	KindNDArray   = "ndarray"
	KindDict      = "dict"
	KindList      = "list"
	KindTuple     = "tuple"
	KindSet       = "set"
	KindString    = "string"
	KindNumber    = "number"
	KindBool      = "bool"
	KindNone      = "none"
	KindObject    = "object"
)

// VariableInspector is implemented by backends that can describe a
// variable in a single evaluation.
type VariableInspector interface {
	// InspectExpression returns an expression whose value is a JSON
	// document describing name.
	InspectExpression(name string, rows int, statistics bool) string

	// DecodeInspection turns the evaluate result into that JSON document.
	DecodeInspection(result string) ([]byte, error)
}

// InspectOptions bounds a variable inspection.
type InspectOptions struct {
	// MaxPreviewRows is clamped to [1, MaxPreviewRows]; zero means
	// DefaultPreviewRows.
	MaxPreviewRows    int
	IncludeStatistics bool
}

// Structure is the shape of a container value. Fields that do not apply
// to the value are left empty.
type Structure struct {
	Length  *int              `json:"length,omitempty"`
	Shape   []int             `json:"shape,omitempty"`
	Columns []string          `json:"columns,omitempty"`
	Dtypes  map[string]string `json:"dtypes,omitempty"`
	Dtype   string            `json:"dtype,omitempty"`
	Keys    []string          `json:"keys,omitempty"`
}

// Inspection is a type-aware description of a variable.
type Inspection struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	DetectedType string         `json:"detected_type"`
	Structure    Structure      `json:"structure"`
	Preview      any            `json:"preview,omitempty"`
	Statistics   map[string]any `json:"statistics,omitempty"`
	Summary      string         `json:"summary"`
	Warnings     []string       `json:"warnings,omitempty"`
}

// rawInspection is the document produced by InspectExpression.
type rawInspection struct {
	Type string `json:"type"`
	Structure
	Preview    any            `json:"preview"`
	Statistics map[string]any `json:"statistics"`
}

// variableName accepts dotted names with literal subscripts, such as
// df.columns or cfg["db"][0].
var variableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*|\[(-?[0-9]+|'[^'\\]*'|"[^"\\]*")\])*$`)

// lookupErrors mark an evaluation that failed because the name does not
// resolve rather than because the value could not be described.
var lookupErrors = []string{"NameError", "AttributeError", "KeyError", "IndexError"}

// InspectVariable describes a variable of the paused program: its type,
// structure, a bounded preview and, when requested, summary statistics.
func (s *Session) InspectVariable(ctx context.Context, name string, frameID int, opts InspectOptions) (*Inspection, error) {
	name = strings.TrimSpace(name)
	if !variableName.MatchString(name) {
		return nil, pberrors.E(pberrors.CodeInvalidVariable, "invalid variable name %q", name).
			WithDetail("variable", name)
	}
	vi, ok := s.backend.(VariableInspector)
	if !ok {
		return nil, pberrors.E(pberrors.CodeUnsupportedLanguage, "variable inspection is not supported for %s", s.backend.Language())
	}
	rows := previewRows(opts.MaxPreviewRows)

	res, err := s.Evaluate(ctx, vi.InspectExpression(name, rows, opts.IncludeStatistics), frameID)
	if err != nil {
		if !pberrors.HasCode(err, pberrors.CodeEvalError) {
			return nil, err
		}
		msg := errorMessage(err)
		code := pberrors.CodeInspectionError
		for _, e := range lookupErrors {
			if strings.Contains(msg, e) {
				code = pberrors.CodeInvalidVariable
				break
			}
		}
		return nil, pberrors.E(code, "cannot inspect %s: %s", name, msg).
			WithCause(err).
			WithDetail("variable", name)
	}

	doc, err := vi.DecodeInspection(res.Result)
	if err != nil {
		return nil, pberrors.E(pberrors.CodeInspectionError, "unreadable inspection of %s", name).WithCause(err)
	}
	var raw rawInspection
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, pberrors.E(pberrors.CodeInspectionError, "unreadable inspection of %s", name).WithCause(err)
	}
	return describe(name, rows, opts.IncludeStatistics, raw), nil
}

func previewRows(n int) int {
	switch {
	case n <= 0:
		return DefaultPreviewRows
	case n > MaxPreviewRows:
		return MaxPreviewRows
	}
	return n
}

func describe(name string, rows int, statistics bool, raw rawInspection) *Inspection {
	in := &Inspection{
		Name:       name,
		Type:       raw.Type,
		Structure:  raw.Structure,
		Preview:    raw.Preview,
		Statistics: raw.Statistics,
	}
	in.DetectedType = detectKind(raw.Type, raw.Structure)
	in.Summary = summarize(in)

	switch in.DetectedType {
	case KindDataFrame, KindSeries, KindNDArray, KindDict, KindList, KindTuple, KindSet:
		if n := in.Structure.Length; n != nil && *n > rows {
			in.Warnings = append(in.Warnings, fmt.Sprintf("preview limited to %d of %d items", rows, *n))
		}
		if statistics && in.Statistics == nil && in.DetectedType != KindDict {
			in.Warnings = append(in.Warnings, "statistics are only computed for numeric values")
		}
	}
	return in
}

func detectKind(typ string, st Structure) string {
	switch shortType(typ) {
	case "DataFrame":
		return KindDataFrame
	case "Series":
		return KindSeries
	}
	switch typ {
	case "numpy.ndarray":
		return KindNDArray
	case "builtins.dict":
		return KindDict
	case "builtins.list":
		return KindList
	case "builtins.tuple":
		return KindTuple
	case "builtins.set", "builtins.frozenset":
		return KindSet
	case "builtins.str", "builtins.bytes":
		return KindString
	case "builtins.bool":
		return KindBool
	case "builtins.int", "builtins.float", "builtins.complex":
		return KindNumber
	case "builtins.NoneType":
		return KindNone
	}
	switch {
	case st.Keys != nil:
		return KindDict
	case strings.HasPrefix(typ, "numpy.") && st.Shape != nil && len(st.Shape) == 0:
		return KindNumber
	}
	return KindObject
}

func summarize(in *Inspection) string {
	st := in.Structure
	n := 0
	if st.Length != nil {
		n = *st.Length
	}
	typ := shortType(in.Type)

	switch in.DetectedType {
	case KindDataFrame:
		rows, cols := n, len(st.Columns)
		if len(st.Shape) == 2 {
			rows, cols = st.Shape[0], st.Shape[1]
		}
		return fmt.Sprintf("DataFrame with %s and %s", plural(rows, "row"), plural(cols, "column"))
	case KindSeries:
		return fmt.Sprintf("Series of %s (dtype %s)", plural(n, "value"), st.Dtype)
	case KindNDArray:
		return fmt.Sprintf("ndarray with shape %s and dtype %s", shapeString(st.Shape), st.Dtype)
	case KindDict:
		return fmt.Sprintf("%s with %s", typ, plural(n, "key"))
	case KindList, KindTuple, KindSet:
		return fmt.Sprintf("%s with %s", typ, plural(n, "item"))
	case KindString:
		return fmt.Sprintf("%s of length %d", typ, n)
	case KindNone:
		return "None"
	case KindNumber, KindBool:
		if p, ok := in.Preview.(string); ok {
			return fmt.Sprintf("%s %s", typ, pberrors.Truncate(p, 80))
		}
	}
	return typ
}

// shortType drops the module from a qualified type name.
func shortType(typ string) string {
	return typ[strings.LastIndex(typ, ".")+1:]
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}

// shapeString formats a shape the way Python prints tuples.
func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
