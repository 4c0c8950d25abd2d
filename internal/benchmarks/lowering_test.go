package benchmarks

// Benchmarks of the lowering of synthetic chain graphs. Command used:
//
//	go test ./internal/benchmarks -test.bench=. -test.run=Bench -bench_duration=10s

import (
	"flag"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xsync"
	"github.com/gomlx/tosa-gomlx/tosa"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var (
	flagBenchDuration = flag.Duration("bench_duration", 0, "Duration of the parallel lowering benchmark. If 0 it is skipped.")

	benchmarkNameSuffix = "|GOMAXPROCS"

	chainLengths = []int{10, 100, 1000}

	quantizedArgs = tosa.NewInt8QuantArgs(0.05, 0)
)

func init() {
	klog.InitFlags(nil)
}

// benchmarkConfig is one graph configuration lowered by the benchmarks.
type benchmarkConfig struct {
	name  string
	spec  tosa.Specification
	graph func(numNodes int) *tosa.Graph
}

var benchmarkConfigs = []benchmarkConfig{
	{"int8", tosa.Spec080BI, func(n int) *tosa.Graph {
		return ChainGraph(n, dtypes.Int8, &quantizedArgs, []int{16, 64}, []int{64})
	}},
	{"int8", tosa.Spec10INT, func(n int) *tosa.Graph {
		return ChainGraph(n, dtypes.Int8, &quantizedArgs, []int{16, 64}, []int{64})
	}},
	{"float32", tosa.Spec080MI, func(n int) *tosa.Graph {
		return ChainGraph(n, dtypes.Float32, nil, []int{16, 64}, []int{64})
	}},
}

func TestChainGraph(t *testing.T) {
	for _, cfg := range benchmarkConfigs {
		g := cfg.graph(7)
		program, report, err := tosa.NewLowerer(cfg.spec).WithStrict(true).Lower(g)
		require.NoError(t, err, "%s %s", cfg.name, cfg.spec)
		require.Len(t, report.Delegated(), 7)
		require.Equal(t, []string{"n6"}, program.Outputs)
	}
}

func TestChainNumerics(t *testing.T) {
	backend := must.M1(simplego.New(""))
	defer backend.Finalize()

	const numNodes, rows, cols = 6, 64, 32
	x := make([]float32, rows*cols)
	for ii := range x {
		x[ii] = float32(ii%17)/8 - 1
	}
	y := make([]float32, cols)
	for ii := range y {
		y[ii] = 0.5 + float32(ii)/cols
	}
	want := make([]float32, len(x))
	chainReference(numNodes, y)(0, x, want)

	g := ChainGraph(numNodes, dtypes.Float32, nil, []int{rows, cols}, []int{cols})
	program, _, err := tosa.NewLowerer(tosa.Spec080MI).WithStrict(true).Lower(g)
	require.NoError(t, err)
	results, err := program.Evaluate(backend, map[string]*tensors.Tensor{
		"x": tensors.FromFlatDataAndDimensions(x, rows, cols),
		"y": tensors.FromFlatDataAndDimensions(y, cols),
	})
	require.NoError(t, err)
	requireSameTensorsFloat32(t, want, results[program.Outputs[0]], 1e-4)
}

// BenchmarkLower lowers chain graphs of various lengths.
func BenchmarkLower(b *testing.B) {
	for _, cfg := range benchmarkConfigs {
		for _, numNodes := range chainLengths {
			g := cfg.graph(numNodes)
			b.Run(fmt.Sprintf("%s/%s/nodes=%d%s", cfg.spec, cfg.name, numNodes, benchmarkNameSuffix),
				func(b *testing.B) {
					lowerer := tosa.NewLowerer(cfg.spec).WithStrict(true)
					for b.Loop() {
						_, _, err := lowerer.Lower(g)
						if err != nil {
							klog.Errorf("Failed to lower %q: %+v", g.Name, err)
							b.FailNow()
						}
					}
				})
		}
	}
}

// BenchmarkMarshal serializes lowered programs.
func BenchmarkMarshal(b *testing.B) {
	for _, cfg := range benchmarkConfigs {
		for _, numNodes := range chainLengths {
			program, _, err := tosa.NewLowerer(cfg.spec).Lower(cfg.graph(numNodes))
			if err != nil {
				klog.Errorf("Failed to lower: %+v", err)
				b.FailNow()
			}
			b.Run(fmt.Sprintf("%s/%s/nodes=%d%s", cfg.spec, cfg.name, numNodes, benchmarkNameSuffix),
				func(b *testing.B) {
					for b.Loop() {
						_, err := program.MarshalBinary()
						if err != nil {
							b.Fatalf("%+v", err)
						}
					}
				})
		}
	}
}

// formatDuration prints the duration with 2 decimal places, keeping its unit.
func formatDuration(d time.Duration) string {
	s := d.String()
	unitIdx := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if unitIdx <= 0 {
		return s
	}
	f, err := strconv.ParseFloat(s[:unitIdx], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", f, s[unitIdx:])
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "1.50s", formatDuration(1500*time.Millisecond))
	require.Equal(t, "1.23ms", formatDuration(1234567*time.Nanosecond))
}

// benchParallelLowering runs lowerFn in a loop on numWorkers goroutines, and measures the time between
// two completed lowerings.
func benchParallelLowering(name string, numWorkers int, header bool, lowerFn func()) {
	var wg sync.WaitGroup
	done := xsync.NewLatch()
	lowered := make(chan struct{})
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				lowerFn()
				select {
				case <-done.WaitChan():
					return
				case lowered <- struct{}{}:
				}
			}
		}()
	}

	benchmarks.New(benchmarks.NamedFunction{Name: name, Func: func() { <-lowered }}).
		WithWarmUps(10).
		WithDuration(*flagBenchDuration).
		WithHeader(header).
		WithPrettyPrintFn(formatDuration).
		Done()
	done.Trigger()
	wg.Wait()
}

// TestLowering_BenchParallel lowers graphs concurrently, sharing the default registry.
func TestLowering_BenchParallel(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.SkipNow()
	}
	count := 0
	for _, parallelism := range []int{1, 4, runtime.NumCPU()} {
		for _, cfg := range benchmarkConfigs {
			g := cfg.graph(100)
			name := fmt.Sprintf("%s/%s/workers=%d", cfg.spec, cfg.name, parallelism)
			benchParallelLowering(name, parallelism, count == 0, func() {
				must.M2(tosa.NewLowerer(cfg.spec).WithStrict(true).Lower(g))
			})
			count++
		}
	}
}
