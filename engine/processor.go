// Package engine exposes the workbench engine's operation surface: query
// contexts with their result registries and transaction control, query
// execution, container reads, out-of-band cell reads, row edits in
// execute and script modes, and async task submission.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/querydesk/querydesk/config"
	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/model"
	"github.com/querydesk/querydesk/resultset"
	"github.com/querydesk/querydesk/task"
	"github.com/querydesk/querydesk/transcode"
)

// Processor is the per-session engine facade over one connection.
type Processor struct {
	mu       sync.Mutex
	conn     driver.Connection
	quotas   config.Quotas
	trans    *transcode.Transcoder
	tasks    *task.Manager
	sink     model.MessageSink
	contexts map[string]*Context
	nextCtx  int64
}

// New builds a processor for the given open connection.
func New(conn driver.Connection, quotas config.Quotas, sink model.MessageSink) *Processor {
	if sink == nil {
		sink = model.DiscardMessages{}
	}
	return &Processor{
		conn:     conn,
		quotas:   quotas,
		trans:    transcode.New(quotas),
		tasks:    task.NewManager(quotas.MaxConcurrentTasks, sink),
		sink:     sink,
		contexts: make(map[string]*Context),
	}
}

// Transcoder exposes the processor's value transcoder, letting callers
// register extension serializers.
func (p *Processor) Transcoder() *transcode.Transcoder { return p.trans }

// Tasks exposes the processor's async task manager.
func (p *Processor) Tasks() *task.Manager { return p.tasks }

// CreateContext opens a new query context with its own session and
// result registry. Context ids are monotonic and never reused.
func (p *Processor) CreateContext(ctx context.Context) (*Context, error) {
	sess, err := p.conn.OpenSession(ctx, driver.PurposeUser)
	if err != nil {
		return nil, fmt.Errorf("open context session: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCtx++
	qc := &Context{
		id:       strconv.FormatInt(p.nextCtx, 10),
		proc:     p,
		sess:     sess,
		registry: resultset.NewRegistry(),
	}
	p.contexts[qc.id] = qc
	return qc, nil
}

// Context resolves a query context by id.
func (p *Processor) Context(id string) (*Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	qc, ok := p.contexts[id]
	if !ok {
		return nil, model.Validationf("query context %q not found", id)
	}
	return qc, nil
}

// DestroyContext disposes a context, dropping its result registry and
// closing its session.
func (p *Processor) DestroyContext(id string) error {
	p.mu.Lock()
	qc, ok := p.contexts[id]
	delete(p.contexts, id)
	p.mu.Unlock()
	if !ok {
		return model.Validationf("query context %q not found", id)
	}
	qc.registry.CloseAll()
	return qc.sess.Close()
}

// Close disposes every context.
func (p *Processor) Close() error {
	p.mu.Lock()
	contexts := make([]*Context, 0, len(p.contexts))
	for _, qc := range p.contexts {
		contexts = append(contexts, qc)
	}
	p.contexts = make(map[string]*Context)
	p.mu.Unlock()

	var firstErr error
	for _, qc := range contexts {
		qc.registry.CloseAll()
		if err := qc.sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
