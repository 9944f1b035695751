package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/rsyncjob/internal/event"
	"github.com/CZERTAINLY/rsyncjob/internal/log"
)

// Printer writes the output lines of jobs to w, prefixed by the job name
// when it is not empty. It can be shared by concurrent jobs.
type Printer struct {
	mx sync.Mutex
	w  io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

func (p *Printer) Print(ctx context.Context, name string, e event.Event) {
	if e.Kind == event.KindFinished {
		slog.InfoContext(ctx, "rsync exited", "code", e.Code)
		return
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	var err error
	if name == "" {
		_, err = fmt.Fprintf(p.w, "%s: %s\n", e.Kind, e.Line)
	} else {
		_, err = fmt.Fprintf(p.w, "[%s] %s: %s\n", name, e.Kind, e.Line)
	}
	if err != nil {
		slog.ErrorContext(ctx, "writing output failed", "error", err)
	}
}

// Consume prints events of r until its job finished.
func (p *Printer) Consume(ctx context.Context, name string, r *Runner) {
	ctx = log.JobAttrs(ctx, r.Job().ID(), r.Job().Name())
	for e := range r.Events().All(ctx) {
		p.Print(ctx, name, e)
	}
}
