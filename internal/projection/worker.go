package projection

import (
	"context"

	"VaultEngine/internal/core"
)

// Worker folds engine outputs into the state view. The input channel is
// non-blocking on the engine side, so a slow view drops updates rather
// than stalling processing; the view catches up on the next envelope
// since balances are carried on every one.
type Worker struct {
	view      *StateView
	inputChan <-chan core.Output
}

func NewWorker(view *StateView, inputChan <-chan core.Output) *Worker {
	return &Worker{view: view, inputChan: inputChan}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			w.view.Apply(out.Envelope)
		}
	}
}
