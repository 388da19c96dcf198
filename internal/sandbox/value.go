package sandbox

import (
	"fmt"
	"math"
	"strconv"

	"go.starlark.net/starlark"

	"github.com/mvaldes-io/tabletalk/internal/frame"
)

// frameValue wraps a Frame for Starlark. It deliberately implements only
// starlark.Value, with no attributes, indexing or iteration, so generated
// code can reach frames only through the injected builtins.
type frameValue struct {
	f *frame.Frame
}

func (v *frameValue) String() string {
	return fmt.Sprintf("dataframe(%d rows, %d cols)", v.f.NRow(), v.f.NCol())
}

func (v *frameValue) Type() string          { return "dataframe" }
func (v *frameValue) Freeze()               {}
func (v *frameValue) Truth() starlark.Bool  { return v.f.NRow() > 0 }
func (v *frameValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: dataframe") }

func unwrapFrame(name string, v starlark.Value) (*frame.Frame, error) {
	fv, ok := v.(*frameValue)
	if !ok {
		return nil, fmt.Errorf("%s: expected dataframe, got %s", name, v.Type())
	}
	return fv.f, nil
}

// scalarString renders a Starlark scalar for frame-level comparison; the
// frame coerces it to the column's kind.
func scalarString(v starlark.Value) (string, error) {
	switch t := v.(type) {
	case starlark.String:
		return string(t), nil
	case starlark.Int:
		return t.String(), nil
	case starlark.Float:
		return strconv.FormatFloat(float64(t), 'g', -1, 64), nil
	case starlark.Bool:
		return strconv.FormatBool(bool(t)), nil
	default:
		return "", fmt.Errorf("unsupported scalar type %s", v.Type())
	}
}

// builtins returns the full capability set exposed to generated code.
func builtins() starlark.StringDict {
	return starlark.StringDict{
		"filter":      starlark.NewBuiltin("filter", builtinFilter),
		"group_sum":   starlark.NewBuiltin("group_sum", builtinGroupSum),
		"group_agg":   starlark.NewBuiltin("group_agg", builtinGroupAgg),
		"select_cols": starlark.NewBuiltin("select_cols", builtinSelectCols),
		"sort_by":     starlark.NewBuiltin("sort_by", builtinSortBy),
		"head":        starlark.NewBuiltin("head", builtinHead),
		"row_count":   starlark.NewBuiltin("row_count", builtinRowCount),
		"col_sum":     starlark.NewBuiltin("col_sum", builtinColSum),
		"col_mean":    starlark.NewBuiltin("col_mean", builtinColMean),
		"distinct":    starlark.NewBuiltin("distinct", builtinDistinct),
	}
}

func builtinFilter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var df starlark.Value
	var column, op string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "df", &df, "column", &column, "op", &op, "value", &value); err != nil {
		return nil, err
	}
	f, err := unwrapFrame(b.Name(), df)
	if err != nil {
		return nil, err
	}
	s, err := scalarString(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	out, err := f.Filter(column, op, s)
	if err != nil {
		return nil, err
	}
	return &frameValue{f: out}, nil
}

func builtinGroupSum(t *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var df starlark.Value
	var by, column string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "df", &df, "by", &by, "column", &column); err != nil {
		return nil, err
	}
	f, err := unwrapFrame(b.Name(), df)
	if err != nil {
		return nil, err
	}
	out, err := f.GroupAgg(by, column, "sum")
	if err != nil {
		return nil, err
	}
	return &frameValue{f: out}, nil
}

func builtinGroupAgg(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var df starlark.Value
	var by, column, agg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "df", &df, "by", &by, "column", &column, "agg", &agg); err != nil {
		return nil, err
	}
	f, err := unwrapFrame(b.Name(), df)
	if err != nil {
		return nil, err
	}
	out, err := f.GroupAgg(by, column, agg)
	if err != nil {
		return nil, err
	}
	return &frameValue{f: out}, nil
}

func builtinSelectCols(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var df starlark.Value
	var cols *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "df", &df, "columns", &cols); err != nil {
		return nil, err
	}
	f, err := unwrapFrame(b.Name(), df)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, cols.Len())
	for i := 0; i < cols.Len(); i++ {
		s, ok := starlark.AsString(cols.Index(i))
		if !ok {
			return nil, fmt.Errorf("%s: column names must be strings", b.Name())
		}
		names = append(names, s)
	}
	out, err := f.Select(names)
	if err != nil {
		return nil, err
	}
	return &frameValue{f: out}, nil
}

func builtinSortBy(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var df starlark.Value
	var column string
	descending := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "df", &df, "column", &column, "descending?", &descending); err != nil {
		return nil, err
	}
	f, err := unwrapFrame(b.Name(), df)
	if err != nil {
		return nil, err
	}
	out, err := f.SortBy(column, descending)
	if err != nil {
		return nil, err
	}
	return &frameValue{f: out}, nil
}

func builtinHead(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var df starlark.Value
	var n int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "df", &df, "n", &n); err != nil {
		return nil, err
	}
	f, err := unwrapFrame(b.Name(), df)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%s: n must be non-negative", b.Name())
	}
	return &frameValue{f: f.Head(n)}, nil
}

func builtinRowCount(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var df starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "df", &df); err != nil {
		return nil, err
	}
	f, err := unwrapFrame(b.Name(), df)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(f.NRow()), nil
}

func builtinColSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return columnReduce(b, args, kwargs, false)
}

func builtinColMean(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return columnReduce(b, args, kwargs, true)
}

func columnReduce(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, mean bool) (starlark.Value, error) {
	var df starlark.Value
	var column string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "df", &df, "column", &column); err != nil {
		return nil, err
	}
	f, err := unwrapFrame(b.Name(), df)
	if err != nil {
		return nil, err
	}
	vals, err := f.ColumnFloat(column)
	if err != nil {
		return nil, err
	}
	var sum float64
	n := 0
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if mean {
		if n == 0 {
			return nil, fmt.Errorf("%s: column %q has no numeric values", b.Name(), column)
		}
		return starlark.Float(sum / float64(n)), nil
	}
	return starlark.Float(sum), nil
}

func builtinDistinct(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var df starlark.Value
	var column string
	max := 20
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "df", &df, "column", &column, "max?", &max); err != nil {
		return nil, err
	}
	f, err := unwrapFrame(b.Name(), df)
	if err != nil {
		return nil, err
	}
	vals, err := f.DistinctValues(column, max)
	if err != nil {
		return nil, err
	}
	out := make([]starlark.Value, 0, len(vals))
	for _, v := range vals {
		out = append(out, starlark.String(v))
	}
	return starlark.NewList(out), nil
}
