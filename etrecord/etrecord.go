// Package etrecord records the stages of a lowering (the source graph, the TOSA program and the mapping
// between them) in a single file, so that tools can relate TOSA operators back to the nodes they came from.
//
// An ETRecord is a parquet file with one row per snapshot: {name, kind, payload}.
package etrecord

import (
	"bytes"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/tosa-gomlx/tosa"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Reserved snapshot names: they can't be used for extra graphs.
const (
	IdentifierName           = "ETRECORD_V0"
	ExportedProgramName      = "exported_program"
	EdgeDialectProgramName   = "edge_dialect_program"
	TosaProgramName          = "tosa_program"
	DebugHandleMapName       = "debug_handle_map"
	RecordIDName             = "record_id"
	RepresentativeInputsName = "representative_inputs"
	ReferenceOutputsName     = "reference_outputs"
)

// ReservedNames lists all reserved snapshot names.
var ReservedNames = []string{
	IdentifierName, ExportedProgramName, EdgeDialectProgramName, TosaProgramName, DebugHandleMapName, RecordIDName,
	RepresentativeInputsName, ReferenceOutputsName,
}

// MethodName is the method under which graphs are recorded in ETRecord.GraphMap.
const MethodName = "forward"

// Kinds of rows.
const (
	kindIdentifier     = "identifier"
	kindGraph          = "graph"
	kindProgram        = "program"
	kindDebugHandleMap = "debug_handle_map"
	kindRecordID       = "record_id"
	kindInput          = "representative_input"
	kindOutput         = "reference_output"
)

// row is one snapshot in the parquet file.
type row struct {
	Name    string `parquet:"name"`
	Kind    string `parquet:"kind"`
	Payload []byte `parquet:"payload"`
}

// RecordError is returned by Generate when the snapshots to record are invalid.
type RecordError struct {
	Name   string
	Reason string
}

// Error implements the error interface.
func (e *RecordError) Error() string {
	return "etrecord: snapshot " + e.Name + ": " + e.Reason
}

// Options of Generate. All are optional.
type Options struct {
	// ExportedProgram is the graph as exported, before any transformation.
	ExportedProgram *tosa.Graph

	// Report of the lowering of the edge graph, used to build the debug handle map.
	Report *tosa.Report

	// Extra graphs to record, e.g. intermediate stages of the export. They are available in
	// ETRecord.GraphMap as "<name>/forward".
	Extra map[string]*tosa.Graph

	// ReferenceInputs are representative inputs of the TOSA program. If set, the program is evaluated
	// on them with Backend, and both inputs and outputs are recorded, as .npy payloads.
	ReferenceInputs map[string]*tensors.Tensor
	Backend         backends.Backend
}

// ETRecord is a parsed record.
type ETRecord struct {
	ID uuid.UUID

	// ExportedProgram is nil if not recorded.
	ExportedProgram    *tosa.Graph
	EdgeDialectProgram *tosa.Graph
	TosaProgram        *tosa.Program

	// DebugHandleMap maps each lowered node to the indices of the TOSA operators emitted for it.
	// It is nil if no report was recorded.
	DebugHandleMap map[string][]int

	// GraphMap holds the extra graphs, keyed by "<name>/<method>".
	GraphMap map[string]*tosa.Graph

	// RepresentativeInputs and ReferenceOutputs are nil if no reference inputs were recorded.
	RepresentativeInputs, ReferenceOutputs map[string]*tensors.Tensor
}

// DebugHandleMap maps each node delegated in the report to the indices of the operators emitted for it.
func DebugHandleMap(report *tosa.Report) map[string][]int {
	handles := make(map[string][]int)
	next := 0
	for _, n := range report.Nodes {
		if !n.Delegated {
			continue
		}
		indices := make([]int, n.NumOperators)
		for ii := range indices {
			indices[ii] = next + ii
		}
		handles[n.Node] = indices
		next += n.NumOperators
	}
	return handles
}

// tensorRows encodes each tensor in .npy format, in a row named "<prefix>/<tensor name>".
func tensorRows(prefix, kind string, values map[string]*tensors.Tensor) ([]row, error) {
	var rows []row
	for _, name := range slices.Sorted(maps.Keys(values)) {
		var buf bytes.Buffer
		if err := numpy.ToNpyWriter(values[name], &buf); err != nil {
			return nil, errors.WithMessagef(err, "failed to encode tensor %q", name)
		}
		rows = append(rows, row{Name: prefix + "/" + name, Kind: kind, Payload: buf.Bytes()})
	}
	return rows, nil
}

func graphRow(name string, g *tosa.Graph) (row, error) {
	payload, err := yaml.Marshal(g)
	if err != nil {
		return row{}, errors.Wrapf(err, "failed to encode graph %q", name)
	}
	return row{Name: name, Kind: kindGraph, Payload: payload}, nil
}

// Generate writes an ETRecord to path with the edge graph, the TOSA program it was lowered to and the
// given options. It returns the ID of the new record.
//
// It fails with *RecordError if the edge graph or program are missing, or if an extra graph is nil or
// uses a reserved name.
func Generate(path string, edgeGraph *tosa.Graph, program *tosa.Program, opts Options) (uuid.UUID, error) {
	if edgeGraph == nil {
		return uuid.Nil, &RecordError{Name: EdgeDialectProgramName, Reason: "no edge graph given"}
	}
	if program == nil {
		return uuid.Nil, &RecordError{Name: TosaProgramName, Reason: "no TOSA program given"}
	}
	extraNames := slices.Sorted(maps.Keys(opts.Extra))
	for _, name := range extraNames {
		if slices.Contains(ReservedNames, name) {
			return uuid.Nil, &RecordError{Name: name, Reason: "name is reserved"}
		}
		if name == "" {
			return uuid.Nil, &RecordError{Name: name, Reason: "empty name"}
		}
		if opts.Extra[name] == nil {
			return uuid.Nil, &RecordError{Name: name, Reason: "nil graph"}
		}
	}
	var referenceOutputs map[string]*tensors.Tensor
	if opts.ReferenceInputs != nil {
		if opts.Backend == nil {
			return uuid.Nil, &RecordError{Name: ReferenceOutputsName, Reason: "no backend to evaluate the reference inputs"}
		}
		var err error
		referenceOutputs, err = program.Evaluate(opts.Backend, opts.ReferenceInputs)
		if err != nil {
			return uuid.Nil, errors.WithMessage(err, "failed to compute the reference outputs")
		}
	}

	id := uuid.Must(uuid.NewV7())
	rows := []row{
		{Name: IdentifierName, Kind: kindIdentifier},
		{Name: RecordIDName, Kind: kindRecordID, Payload: []byte(id.String())},
	}
	edgeRow, err := graphRow(EdgeDialectProgramName, edgeGraph)
	if err != nil {
		return uuid.Nil, err
	}
	rows = append(rows, edgeRow)
	programPayload, err := program.MarshalBinary()
	if err != nil {
		return uuid.Nil, err
	}
	rows = append(rows, row{Name: TosaProgramName, Kind: kindProgram, Payload: programPayload})
	if opts.ExportedProgram != nil {
		exportedRow, err := graphRow(ExportedProgramName, opts.ExportedProgram)
		if err != nil {
			return uuid.Nil, err
		}
		rows = append(rows, exportedRow)
	}
	if opts.Report != nil {
		payload, err := yaml.Marshal(DebugHandleMap(opts.Report))
		if err != nil {
			return uuid.Nil, errors.Wrap(err, "failed to encode debug handle map")
		}
		rows = append(rows, row{Name: DebugHandleMapName, Kind: kindDebugHandleMap, Payload: payload})
	}
	for _, name := range extraNames {
		extraRow, err := graphRow(name+"/"+MethodName, opts.Extra[name])
		if err != nil {
			return uuid.Nil, err
		}
		rows = append(rows, extraRow)
	}

	if opts.ReferenceInputs != nil {
		inputRows, err := tensorRows(RepresentativeInputsName, kindInput, opts.ReferenceInputs)
		if err != nil {
			return uuid.Nil, err
		}
		outputRows, err := tensorRows(ReferenceOutputsName, kindOutput, referenceOutputs)
		if err != nil {
			return uuid.Nil, err
		}
		rows = append(rows, inputRows...)
		rows = append(rows, outputRows...)
	}

	if err := parquet.WriteFile(path, rows, parquet.Compression(&parquet.Zstd)); err != nil {
		return uuid.Nil, errors.Wrapf(err, "failed to write ETRecord %q", path)
	}
	klog.V(1).Infof("etrecord: wrote record %s with %d snapshot(s) to %q", id, len(rows), path)
	return id, nil
}

// Parse reads an ETRecord written by Generate.
func Parse(path string) (*ETRecord, error) {
	rows, err := parquet.ReadFile[row](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ETRecord %q", path)
	}
	record := &ETRecord{GraphMap: make(map[string]*tosa.Graph)}
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if seen[r.Name] {
			return nil, errors.Errorf("ETRecord %q: snapshot %q recorded more than once", path, r.Name)
		}
		seen[r.Name] = true
		if err := record.decode(r); err != nil {
			return nil, errors.WithMessagef(err, "ETRecord %q: snapshot %q", path, r.Name)
		}
	}
	for _, name := range []string{IdentifierName, RecordIDName, EdgeDialectProgramName, TosaProgramName} {
		if !seen[name] {
			return nil, errors.Errorf("ETRecord %q: missing snapshot %q", path, name)
		}
	}
	return record, nil
}

func (e *ETRecord) decode(r row) error {
	switch r.Kind {
	case kindIdentifier:
		if r.Name != IdentifierName {
			return errors.Errorf("unsupported record version")
		}
	case kindRecordID:
		id, err := uuid.ParseBytes(r.Payload)
		if err != nil {
			return errors.Wrap(err, "invalid record ID")
		}
		e.ID = id
	case kindProgram:
		program, err := tosa.UnmarshalProgram(r.Payload)
		if err != nil {
			return err
		}
		e.TosaProgram = program
	case kindDebugHandleMap:
		if err := yaml.Unmarshal(r.Payload, &e.DebugHandleMap); err != nil {
			return errors.Wrap(err, "invalid debug handle map")
		}
	case kindInput, kindOutput:
		values, wantPrefix := &e.ReferenceOutputs, ReferenceOutputsName
		if r.Kind == kindInput {
			values, wantPrefix = &e.RepresentativeInputs, RepresentativeInputsName
		}
		prefix, name, _ := strings.Cut(r.Name, "/")
		if prefix != wantPrefix || name == "" {
			return errors.Errorf("invalid name for a %s", r.Kind)
		}
		t, err := numpy.FromNpyReader(bytes.NewReader(r.Payload))
		if err != nil {
			return errors.WithMessage(err, "invalid tensor")
		}
		if *values == nil {
			*values = make(map[string]*tensors.Tensor)
		}
		(*values)[name] = t
	case kindGraph:
		g, err := tosa.ParseGraphYAML(r.Payload)
		if err != nil {
			return err
		}
		switch r.Name {
		case EdgeDialectProgramName:
			e.EdgeDialectProgram = g
		case ExportedProgramName:
			e.ExportedProgram = g
		default:
			e.GraphMap[r.Name] = g
		}
	default:
		return errors.Errorf("unknown snapshot kind %q", r.Kind)
	}
	return nil
}
