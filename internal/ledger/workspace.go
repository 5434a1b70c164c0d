package ledger

import "context"

type workspaceKey struct {
	root string
	step Step
}

type workspaceFlag struct {
	done      chan struct{}
	succeeded bool
}

// OnceForWorkspace runs fn at most once per (root, step) for the lifetime of
// the ledger. Concurrent callers for the same key wait for the running call.
// A failed call clears the flag so the next caller may try again. ran reports
// whether this caller executed fn.
//
// The flag is per run and is not written to the ledger file.
func (l *Ledger) OnceForWorkspace(ctx context.Context, root string, step Step, fn func() error) (ran bool, err error) {
	key := workspaceKey{root: root, step: step}
	for {
		l.mu.Lock()
		flag, ok := l.workspace[key]
		if !ok {
			flag = &workspaceFlag{done: make(chan struct{})}
			l.workspace[key] = flag
			l.mu.Unlock()
			return true, l.runWorkspace(key, flag, fn)
		}
		l.mu.Unlock()

		select {
		case <-flag.done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		l.mu.Lock()
		succeeded := flag.succeeded
		l.mu.Unlock()
		if succeeded {
			return false, nil
		}
	}
}

// WorkspaceDone reports whether step already completed for root in this run.
func (l *Ledger) WorkspaceDone(root string, step Step) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	flag, ok := l.workspace[workspaceKey{root: root, step: step}]
	return ok && flag.succeeded
}

func (l *Ledger) runWorkspace(key workspaceKey, flag *workspaceFlag, fn func() error) error {
	err := fn()
	l.mu.Lock()
	if err != nil {
		delete(l.workspace, key)
	} else {
		flag.succeeded = true
	}
	l.mu.Unlock()
	close(flag.done)
	return err
}
