package extract

import (
	"context"

	"github.com/ppiankov/patternlens/internal/oracle"
	"github.com/ppiankov/patternlens/internal/worker"
	"go.uber.org/zap"
)

// extractResult is one oracle outcome for one fragment
type extractResult struct {
	fragment Fragment
	facts    *oracle.Facts
	err      error
}

// GetError implements worker.Result
func (r *extractResult) GetError() error {
	return r.err
}

// dispatcher feeds completed fragments to the worker pool. Fragments that
// complete before the document version is known are held back, because the
// version is part of every oracle hint. Once more than MaxPendingBytes are
// held back the default version is applied and the backlog is released.
type dispatcher struct {
	ctx          context.Context
	e            *Extractor
	dialect      *Dialect
	pool         *worker.Pool
	pending      []Fragment
	pendingBytes int64
	skipped      []Fragment
	defaulted    bool
}

func newDispatcher(ctx context.Context, e *Extractor, dialect *Dialect) *dispatcher {
	return &dispatcher{
		ctx:     ctx,
		e:       e,
		dialect: dialect,
		pool:    worker.NewPoolWithContext(ctx, e.workers),
	}
}

func (d *dispatcher) add(f Fragment) {
	if !d.dialect.Resolved() {
		d.pending = append(d.pending, f)
		d.pendingBytes += int64(len(f.Text))
		if d.pendingBytes <= d.e.config.MaxPendingBytes {
			return
		}
		d.e.detector.fallback(d.dialect)
		d.defaulted = true
		d.e.logger.Warn("Version still unknown, applying default",
			zap.Int64("held_back_bytes", d.pendingBytes),
			zap.String("version", d.dialect.Version))
		d.flush()
		return
	}
	d.submit(f)
}

// flush submits every held-back fragment
func (d *dispatcher) flush() {
	pending := d.pending
	d.pending = nil
	d.pendingBytes = 0
	for _, f := range pending {
		d.submit(f)
	}
}

func (d *dispatcher) submit(f Fragment) {
	req := oracle.ExtractRequest{
		Fragment: f.Text,
		Hint: oracle.SchemaHint{
			Version:     d.dialect.Version,
			MessageRoot: d.dialect.MessageRoot,
			Section:     f.Section,
			NodeType:    f.NodeType,
		},
	}
	o := d.e.oracle

	job := worker.JobFunc(func(ctx context.Context) worker.Result {
		facts, err := o.Extract(ctx, req)
		return &extractResult{fragment: f, facts: facts, err: err}
	})
	if !d.pool.Submit(job) {
		d.skipped = append(d.skipped, f)
	}
}

// wait collects the results of every submitted fragment. Fragments skipped
// because of cancellation produce no result.
func (d *dispatcher) wait() []*extractResult {
	var out []*extractResult
	for _, r := range d.pool.Wait() {
		if r == nil {
			continue
		}
		out = append(out, r.(*extractResult))
	}
	return out
}
