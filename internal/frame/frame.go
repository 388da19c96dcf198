package frame

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

// Kind is the normalized column type exposed to planners and validators.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
)

// dtypeMap normalizes store-side type names (postgres-flavored) to a Kind.
var dtypeMap = map[string]Kind{
	"int8": KindInt, "int4": KindInt, "int2": KindInt,
	"integer": KindInt, "int": KindInt, "bigint": KindInt,
	"float8": KindFloat, "float4": KindFloat, "double": KindFloat,
	"numeric": KindFloat, "float": KindFloat, "real": KindFloat,
	"text": KindString, "varchar": KindString, "char": KindString,
	"uuid": KindString, "string": KindString,
	"date": KindString, "timestamp": KindString, "timestamptz": KindString,
	"bool": KindBool, "boolean": KindBool,
}

// NormalizeKind maps a raw store dtype to its Kind. Unknown dtypes
// degrade to string so a frame can always be built.
func NormalizeKind(dtype string) Kind {
	if k, ok := dtypeMap[strings.ToLower(dtype)]; ok {
		return k
	}
	return KindString
}

func kindToSeriesType(k Kind) series.Type {
	switch k {
	case KindInt:
		return series.Int
	case KindFloat:
		return series.Float
	case KindBool:
		return series.Bool
	default:
		return series.String
	}
}

func seriesTypeToKind(t series.Type) Kind {
	switch t {
	case series.Int:
		return KindInt
	case series.Float:
		return KindFloat
	case series.Bool:
		return KindBool
	default:
		return KindString
	}
}

// Frame is an immutable-by-convention in-memory table. All transforming
// methods return a new Frame and leave the receiver untouched.
type Frame struct {
	df dataframe.DataFrame
}

// FromMaps builds a Frame from row maps, coercing each column to the kind
// declared in schema. Columns absent from schema keep gota's inferred type.
func FromMaps(rows []map[string]any, schema map[string]Kind) (*Frame, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("frame: no rows to load")
	}
	df := dataframe.LoadMaps(rows)
	if df.Error() != nil {
		return nil, fmt.Errorf("frame: load: %w", df.Error())
	}
	f := &Frame{df: df}
	for col, kind := range schema {
		if !f.HasColumn(col) {
			continue
		}
		coerced, err := f.coerce(col, kind)
		if err != nil {
			return nil, err
		}
		f = coerced
	}
	return f, nil
}

// Empty builds a zero-row Frame with the given columns, in order, typed
// per schema. Columns absent from schema default to string.
func Empty(columns []string, schema map[string]Kind) (*Frame, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("frame: no columns to declare")
	}
	ss := make([]series.Series, len(columns))
	for i, col := range columns {
		ss[i] = series.New([]string{}, kindToSeriesType(schema[col]), col)
	}
	return FromSeries(ss...)
}

// FromSeries builds a Frame directly from gota series. Used by tests and
// by builtins that synthesize small result tables.
func FromSeries(ss ...series.Series) (*Frame, error) {
	df := dataframe.New(ss...)
	if df.Error() != nil {
		return nil, fmt.Errorf("frame: new: %w", df.Error())
	}
	return &Frame{df: df}, nil
}

func (f *Frame) coerce(col string, kind Kind) (*Frame, error) {
	s := f.df.Col(col)
	if s.Err != nil {
		return nil, fmt.Errorf("frame: column %q: %w", col, s.Err)
	}
	converted := series.New(s.Records(), kindToSeriesType(kind), col)
	df := f.df.Mutate(converted)
	if df.Error() != nil {
		return nil, fmt.Errorf("frame: coerce %q to %s: %w", col, kind, df.Error())
	}
	return &Frame{df: df}, nil
}

// Columns returns column names in declaration order.
func (f *Frame) Columns() []string {
	return f.df.Names()
}

// Schema maps each column name to its normalized kind.
func (f *Frame) Schema() map[string]Kind {
	names := f.df.Names()
	types := f.df.Types()
	out := make(map[string]Kind, len(names))
	for i, n := range names {
		out[n] = seriesTypeToKind(types[i])
	}
	return out
}

func (f *Frame) NRow() int { return f.df.Nrow() }
func (f *Frame) NCol() int { return f.df.Ncol() }

func (f *Frame) HasColumn(name string) bool {
	for _, n := range f.df.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Copy returns an independent deep copy. Leases hand these out so
// generated code can never alias session-owned data.
func (f *Frame) Copy() *Frame {
	return &Frame{df: f.df.Copy()}
}

var comparators = map[string]series.Comparator{
	"==": series.Eq,
	"!=": series.Neq,
	">":  series.Greater,
	">=": series.GreaterEq,
	"<":  series.Less,
	"<=": series.LessEq,
}

// Filter keeps rows where column op value holds. The value string is
// coerced to the column's kind before comparison.
func (f *Frame) Filter(column, op, value string) (*Frame, error) {
	cmp, ok := comparators[op]
	if !ok {
		return nil, fmt.Errorf("frame: unsupported comparator %q", op)
	}
	kind, ok := f.Schema()[column]
	if !ok {
		return nil, fmt.Errorf("frame: column %q not found", column)
	}
	comparando, err := coerceScalar(value, kind)
	if err != nil {
		return nil, fmt.Errorf("frame: filter %s %s %q: %w", column, op, value, err)
	}
	df := f.df.Filter(dataframe.F{Colname: column, Comparator: cmp, Comparando: comparando})
	if df.Error() != nil {
		return nil, fmt.Errorf("frame: filter: %w", df.Error())
	}
	return &Frame{df: df}, nil
}

func coerceScalar(value string, kind Kind) (any, error) {
	switch kind {
	case KindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("not an int: %w", err)
		}
		return n, nil
	case KindFloat:
		x, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("not a float: %w", err)
		}
		return x, nil
	case KindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("not a bool: %w", err)
		}
		return b, nil
	default:
		return value, nil
	}
}

var aggregations = map[string]dataframe.AggregationType{
	"sum":    dataframe.Aggregation_SUM,
	"mean":   dataframe.Aggregation_MEAN,
	"min":    dataframe.Aggregation_MIN,
	"max":    dataframe.Aggregation_MAX,
	"median": dataframe.Aggregation_MEDIAN,
	"count":  dataframe.Aggregation_COUNT,
	"std":    dataframe.Aggregation_STD,
}

// GroupAgg groups by one column and aggregates another. The aggregated
// column keeps its original name in the result.
func (f *Frame) GroupAgg(by, column, agg string) (*Frame, error) {
	typ, ok := aggregations[strings.ToLower(agg)]
	if !ok {
		return nil, fmt.Errorf("frame: unsupported aggregation %q", agg)
	}
	if !f.HasColumn(by) {
		return nil, fmt.Errorf("frame: column %q not found", by)
	}
	if !f.HasColumn(column) {
		return nil, fmt.Errorf("frame: column %q not found", column)
	}
	grouped := f.df.GroupBy(by)
	df := grouped.Aggregation([]dataframe.AggregationType{typ}, []string{column})
	if df.Error() != nil {
		return nil, fmt.Errorf("frame: group %s by %s: %w", column, by, df.Error())
	}
	// gota suffixes aggregated columns ("amount_SUM"); restore the name.
	for _, n := range df.Names() {
		if n != column && n != by && strings.HasPrefix(n, column+"_") {
			df = df.Rename(column, n)
			break
		}
	}
	if df.Error() != nil {
		return nil, fmt.Errorf("frame: rename aggregate: %w", df.Error())
	}
	return &Frame{df: df}, nil
}

// Select keeps only the named columns, in the order given.
func (f *Frame) Select(columns []string) (*Frame, error) {
	for _, c := range columns {
		if !f.HasColumn(c) {
			return nil, fmt.Errorf("frame: column %q not found", c)
		}
	}
	df := f.df.Select(columns)
	if df.Error() != nil {
		return nil, fmt.Errorf("frame: select: %w", df.Error())
	}
	return &Frame{df: df}, nil
}

// SortBy orders rows by one column.
func (f *Frame) SortBy(column string, descending bool) (*Frame, error) {
	if !f.HasColumn(column) {
		return nil, fmt.Errorf("frame: column %q not found", column)
	}
	order := dataframe.Sort(column)
	if descending {
		order = dataframe.RevSort(column)
	}
	df := f.df.Arrange(order)
	if df.Error() != nil {
		return nil, fmt.Errorf("frame: sort: %w", df.Error())
	}
	return &Frame{df: df}, nil
}

// Head returns the first n rows (all rows when n exceeds the row count).
func (f *Frame) Head(n int) *Frame {
	if n >= f.NRow() {
		return f.Copy()
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return &Frame{df: f.df.Subset(idx)}
}

// ColumnFloat returns a numeric column as float64s.
func (f *Frame) ColumnFloat(column string) ([]float64, error) {
	s := f.df.Col(column)
	if s.Err != nil {
		return nil, fmt.Errorf("frame: column %q: %w", column, s.Err)
	}
	return s.Float(), nil
}

// NullCount counts missing values in a column.
func (f *Frame) NullCount(column string) (int, error) {
	s := f.df.Col(column)
	if s.Err != nil {
		return 0, fmt.Errorf("frame: column %q: %w", column, s.Err)
	}
	count := 0
	for _, na := range s.IsNaN() {
		if na {
			count++
		}
	}
	return count, nil
}

// DistinctValues returns up to max distinct values of a column, in first-seen
// order. Used to build categorical value hints for the code generator.
func (f *Frame) DistinctValues(column string, max int) ([]string, error) {
	s := f.df.Col(column)
	if s.Err != nil {
		return nil, fmt.Errorf("frame: column %q: %w", column, s.Err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, v := range s.Records() {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// Records returns the table as string records, header row first.
func (f *Frame) Records() [][]string {
	return f.df.Records()
}

// Maps returns the table as one map per row.
func (f *Frame) Maps() []map[string]any {
	return f.df.Maps()
}

func (f *Frame) String() string {
	return f.df.String()
}
