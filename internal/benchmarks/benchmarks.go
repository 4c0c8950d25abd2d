// Package benchmarks implements synthetic graphs and support functionality for the lowering benchmarks.
package benchmarks

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/tosa-gomlx/tosa"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// ChainTargets are the operators ChainGraph cycles through.
var ChainTargets = []string{tosa.TargetMul, tosa.TargetAdd, tosa.TargetSub}

// ChainGraph creates a graph with numNodes binary operators applied in sequence:
//
//	n0 = x op0 y; n1 = n0 op1 y; ...
//
// The operators cycle through ChainTargets. If qargs is given, all operands are quantized with it.
func ChainGraph(numNodes int, dtype dtypes.DType, qargs *tosa.QuantArgs, xDims, yDims []int) *tosa.Graph {
	g := tosa.NewGraph(fmt.Sprintf("chain_%d", numNodes)).
		AddInput("x", shapes.Make(dtype, xDims...)).
		AddInput("y", shapes.Make(dtype, yDims...))
	prev := "x"
	for ii := range numNodes {
		node := &tosa.Node{
			Name:   fmt.Sprintf("n%d", ii),
			Target: ChainTargets[ii%len(ChainTargets)],
			Inputs: []tosa.NodeInput{{Name: prev}, {Name: "y"}},
		}
		if qargs != nil {
			node.Meta = tosa.Meta{
				InputQParams:  map[int]tosa.QuantArgs{0: *qargs, 1: *qargs},
				OutputQParams: map[int]tosa.QuantArgs{0: *qargs},
			}
		}
		g.AddNode(node, shapes.Make(dtype, xDims...))
		prev = node.Name
	}
	return g.AddOutput(prev)
}

// goVectorFunc defines the signature for functions that process slices. offset is the position of
// inputs[0] in the whole input.
type goVectorFunc func(offset int, inputs, outputs []float32)

// parallelizeGoVectorFunc takes a goVectorFunc and parallelizes its execution if the input size is large enough.
func parallelizeGoVectorFunc(fn goVectorFunc) goVectorFunc {
	return func(offset int, inputs, outputs []float32) {
		numInputs := len(inputs)
		if numInputs < 100_000 {
			fn(offset, inputs, outputs)
			return
		}

		numCPU := runtime.NumCPU()
		chunkSize := numInputs / numCPU
		var wg sync.WaitGroup
		wg.Add(numCPU)
		for i := range numCPU {
			start := i * chunkSize
			end := (i + 1) * chunkSize
			if i == numCPU-1 {
				end = numInputs // Handle any remainder
			}
			go func(start, end int) {
				defer wg.Done()
				fn(offset+start, inputs[start:end], outputs[start:end])
			}(start, end)
		}
		wg.Wait()
	}
}

// chainReference returns the Go version of ChainGraph in float32, with y broadcast along the last axis.
func chainReference(numNodes int, y []float32) goVectorFunc {
	return parallelizeGoVectorFunc(func(offset int, inputs, outputs []float32) {
		for ii, v := range inputs {
			yv := y[(offset+ii)%len(y)]
			for n := range numNodes {
				switch ChainTargets[n%len(ChainTargets)] {
				case tosa.TargetMul:
					v *= yv
				case tosa.TargetAdd:
					v += yv
				case tosa.TargetSub:
					v -= yv
				}
			}
			outputs[ii] = v
		}
	})
}

// requireSameTensorsFloat32 compares a tensor with the wanted values and fails the test if they are not
// within a delta margin.
func requireSameTensorsFloat32(t *testing.T, want []float32, got *tensors.Tensor, delta float64) {
	require.Equal(t, len(want), got.Shape().Size())
	flatIdx := 0
	gotFlat := tensors.MustCopyFlatData[float32](got)
	var mismatches int
	for indices := range got.Shape().Iter() {
		gotValue := gotFlat[flatIdx]
		wantValue := want[flatIdx]
		if math.Abs(float64(gotValue)-float64(wantValue)) > delta {
			if mismatches < 3 {
				fmt.Printf("\tIndex %v (flatIdx=%d) has a mismatch: got %f, want %f\n", indices, flatIdx, gotValue, wantValue)
			} else if mismatches == 4 {
				fmt.Printf("\t...\n")
			}
			mismatches++
		}
		flatIdx++
	}
	if mismatches > 0 {
		fmt.Printf("Found %d mismatches in tensors\n", mismatches)
		panic(errors.Errorf("found %d mismatches in tensors", mismatches))
	}
}
