// File: cmd/tierdeploy/confirm.go
// Brief: Confirmation prompt for destructive commands.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

type approval struct {
	// Approved skips the prompt (--yes).
	Approved       bool
	InteractiveTTY bool
}

func confirmAction(ctx context.Context, in io.Reader, out io.Writer, dec approval, prompt string) error {
	if dec.Approved {
		return nil
	}
	if !dec.InteractiveTTY {
		return errors.New("refusing to proceed without confirmation; rerun with --yes")
	}
	fmt.Fprint(out, strings.TrimSpace(prompt)+" [y/N] ")

	type result struct {
		line string
		err  error
	}
	read := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(in).ReadString('\n')
		read <- result{line: line, err: err}
	}()
	var res result
	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		return ctx.Err()
	case res = <-read:
	}
	if res.err != nil && !errors.Is(res.err, io.EOF) {
		return res.err
	}
	switch strings.ToLower(strings.TrimSpace(res.line)) {
	case "y", "yes":
		return nil
	default:
		return errors.New("aborted")
	}
}
