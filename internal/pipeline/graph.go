package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/researchdesk/api/internal/metrics"
	"github.com/researchdesk/api/internal/tracing"
)

var (
	ErrCycle           = errors.New("stage graph has a cycle")
	ErrDuplicateWriter = errors.New("field has more than one writer")
	ErrUnknownField    = errors.New("field is read but never written")
	ErrDuplicateStage  = errors.New("duplicate stage name")
	ErrUndeclaredWrite = errors.New("stage wrote an undeclared field")
)

// Stage outcomes reported in snapshots, events and metrics
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

// StageSpec declares what a stage reads and writes
type StageSpec struct {
	Name   string
	Reads  []Field
	Writes []Field
	// Critical stages fail the job; the rest degrade to empty output
	Critical bool
}

// Stage is one step of the pipeline
type Stage interface {
	Spec() StageSpec
	Run(ctx context.Context, st State, env *Env) (Output, error)
}

// Degrader supplies the output a tolerant stage falls back to on failure
type Degrader interface {
	Degraded() Output
}

// StageError reports a stage failure
type StageError struct {
	Stage    string
	Critical bool
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Snapshot is emitted after every stage completes
type Snapshot struct {
	Stage   string
	Outcome string
	State   State
	// Err is set on the final snapshot of a failed run
	Err error
}

// Graph is a validated, immutable stage DAG. Run may be called any number
// of times; every call is an independent execution.
type Graph struct {
	stages []Stage
	specs  []StageSpec
	deps   [][]int // deps[i] lists the stages i waits for
	order  []string
}

// NewGraph derives dependency edges from the stages' read and write
// declarations and validates them. Ties in Order are broken by the order
// stages are passed in.
func NewGraph(stages ...Stage) (*Graph, error) {
	g := &Graph{
		stages: stages,
		specs:  make([]StageSpec, len(stages)),
		deps:   make([][]int, len(stages)),
	}

	names := make(map[string]bool, len(stages))
	writer := make(map[Field]int)
	for _, f := range seedFields {
		writer[f] = -1
	}

	for i, s := range stages {
		spec := s.Spec()
		g.specs[i] = spec
		if names[spec.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, spec.Name)
		}
		names[spec.Name] = true

		for _, f := range spec.Writes {
			if prev, ok := writer[f]; ok {
				owner := "input"
				if prev >= 0 {
					owner = g.specs[prev].Name
				}
				return nil, fmt.Errorf("%w: %s written by %s and %s", ErrDuplicateWriter, f, owner, spec.Name)
			}
			writer[f] = i
		}
	}

	for i, spec := range g.specs {
		seen := make(map[int]bool)
		for _, f := range spec.Reads {
			w, ok := writer[f]
			if !ok {
				return nil, fmt.Errorf("%w: %s (read by %s)", ErrUnknownField, f, spec.Name)
			}
			if w >= 0 && !seen[w] {
				seen[w] = true
				g.deps[i] = append(g.deps[i], w)
			}
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func (g *Graph) topoSort() ([]string, error) {
	indegree := make([]int, len(g.stages))
	dependents := make([][]int, len(g.stages))
	for i, deps := range g.deps {
		indegree[i] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], i)
		}
	}

	order := make([]string, 0, len(g.stages))
	done := make([]bool, len(g.stages))
	for len(order) < len(g.stages) {
		next := -1
		for i := range g.stages {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, ErrCycle
		}
		done[next] = true
		order = append(order, g.specs[next].Name)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}

// Order returns the stage names in a deterministic topological order
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

type stageResult struct {
	index    int
	out      Output
	outcome  string
	err      error
	duration time.Duration
}

// Run executes the graph for one job. Every stage whose dependencies are
// satisfied runs in its own goroutine. The returned channel is unbuffered
// and yields one Snapshot per completed stage; it is closed when the run
// ends. A critical failure cancels the remaining stages and is reported on
// the final snapshot.
func (g *Graph) Run(ctx context.Context, in Input, env *Env) <-chan Snapshot {
	if env == nil {
		env = Env{}.forJob(in.JobID)
	}
	out := make(chan Snapshot)
	go g.run(ctx, in, env, out)
	return out
}

func (g *Graph) run(ctx context.Context, in Input, env *Env, out chan<- Snapshot) {
	defer close(out)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := NewState(in)
	remaining := make([]int, len(g.stages))
	dependents := make([][]int, len(g.stages))
	for i, deps := range g.deps {
		remaining[i] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], i)
		}
	}

	results := make(chan stageResult)
	running := 0
	launch := func(i int) {
		running++
		go func(st State) {
			results <- g.execute(runCtx, i, st, env)
		}(state)
	}

	for i := range g.stages {
		if remaining[i] == 0 {
			launch(i)
		}
	}

	var fatal error
	var fatalStage string
	for running > 0 {
		res := <-results
		running--
		spec := g.specs[res.index]

		if fatal != nil {
			// draining stages cancelled by an earlier failure
			continue
		}

		if res.err != nil {
			stageErr := &StageError{Stage: spec.Name, Critical: true, Err: res.err}
			fatal, fatalStage = stageErr, spec.Name
			env.Logger.Error("Critical stage failed", zap.String("stage", spec.Name), zap.Error(res.err))
			cancel()
			continue
		}

		if err := ctx.Err(); err != nil {
			fatal, fatalStage = &StageError{Stage: spec.Name, Critical: true, Err: err}, spec.Name
			cancel()
			continue
		}

		state = state.merge(res.out)
		env.publish("processing", fmt.Sprintf("Stage %s finished", spec.Name), map[string]any{
			"step":    spec.Name,
			"outcome": res.outcome,
		})

		select {
		case out <- Snapshot{Stage: spec.Name, Outcome: res.outcome, State: state}:
		case <-ctx.Done():
			fatal, fatalStage = &StageError{Stage: spec.Name, Critical: true, Err: ctx.Err()}, spec.Name
			cancel()
			continue
		}

		for _, d := range dependents[res.index] {
			remaining[d]--
			if remaining[d] == 0 {
				launch(d)
			}
		}
	}

	if fatal != nil {
		select {
		case out <- Snapshot{Stage: fatalStage, Outcome: OutcomeFailed, State: state, Err: fatal}:
		case <-ctx.Done():
		}
	}
}

// execute runs one stage and applies the degrade policy. A non-nil err in
// the result means the run must stop.
func (g *Graph) execute(ctx context.Context, i int, st State, env *Env) stageResult {
	stage, spec := g.stages[i], g.specs[i]
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "pipeline."+spec.Name)
	span.SetAttributes(
		attribute.String("job.id", env.JobID),
		attribute.Bool("stage.critical", spec.Critical),
	)
	defer span.End()

	out, err := runStage(ctx, stage, st, env)
	if err == nil {
		err = checkWrites(spec, out)
	}

	res := stageResult{index: i, out: out, outcome: OutcomeOK}
	if err != nil {
		span.RecordError(err)
		if spec.Critical || ctx.Err() != nil {
			span.SetStatus(codes.Error, err.Error())
			res.outcome, res.err, res.out = OutcomeFailed, err, nil
		} else {
			env.Logger.Warn("Stage degraded", zap.String("stage", spec.Name), zap.Error(err))
			res.outcome, res.out = OutcomeDegraded, degradedOutput(stage, spec)
		}
	}

	res.duration = time.Since(start)
	span.SetAttributes(attribute.String("stage.outcome", res.outcome))
	metrics.StageDuration.WithLabelValues(spec.Name, res.outcome).Observe(res.duration.Seconds())
	return res
}

func runStage(ctx context.Context, stage Stage, st State, env *Env) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return stage.Run(ctx, st, env)
}

func checkWrites(spec StageSpec, out Output) error {
	for f := range out {
		declared := false
		for _, w := range spec.Writes {
			if w == f {
				declared = true
				break
			}
		}
		if !declared {
			return fmt.Errorf("%w: %s", ErrUndeclaredWrite, f)
		}
	}
	return nil
}

// degradedOutput makes sure every declared field is present, even when the
// stage offers no Degraded output of its own
func degradedOutput(stage Stage, spec StageSpec) Output {
	out := Output{}
	if d, ok := stage.(Degrader); ok {
		for k, v := range d.Degraded() {
			out[k] = v
		}
	}
	for _, f := range spec.Writes {
		if _, ok := out[f]; !ok {
			out[f] = nil
		}
	}
	return out
}
