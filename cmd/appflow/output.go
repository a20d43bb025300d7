package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/appflow/pkg/appflow"
)

// syncWriter serializes writes from the command and from bus handlers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type resultView struct {
	Workflow  string         `json:"workflow"`
	ThreadID  string         `json:"thread_id"`
	Status    string         `json:"status"`
	Steps     int            `json:"steps"`
	WaitingAt string         `json:"waiting_at,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Expects   []string       `json:"expects,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
	State     map[string]any `json:"state"`
}

func viewOf(workflow string, r *appflow.RunResult) resultView {
	v := resultView{
		Workflow: workflow,
		ThreadID: r.ThreadID,
		Status:   string(r.Status),
		Steps:    r.Steps,
		Errors:   r.Errors,
		State:    r.State.Values(),
	}
	delete(v.State, appflow.FieldErrors)
	if in := r.Interrupt; in != nil {
		v.WaitingAt = in.Token.NodeID
		v.Prompt = in.Prompt
		v.Expects = in.Expects
	}
	return v
}

func (a *app) printResult(workflow string, r *appflow.RunResult) error {
	v := viewOf(workflow, r)
	if a.jsonOutput {
		return writeJSON(a.out, v)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "thread\t%s\n", v.ThreadID)
	fmt.Fprintf(tw, "workflow\t%s\n", v.Workflow)
	fmt.Fprintf(tw, "status\t%s\n", v.Status)
	fmt.Fprintf(tw, "steps\t%d\n", v.Steps)
	if v.WaitingAt != "" {
		fmt.Fprintf(tw, "waiting at\t%s\n", v.WaitingAt)
		fmt.Fprintf(tw, "expects\t%s\n", strings.Join(v.Expects, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if v.Prompt != "" {
		fmt.Fprintf(a.out, "\n%s\n", v.Prompt)
	}
	if len(v.Errors) > 0 {
		fmt.Fprintln(a.out, "\nerrors:")
		for _, e := range v.Errors {
			fmt.Fprintf(a.out, "  - %s\n", e)
		}
	}
	if len(v.State) > 0 {
		data, err := yaml.Marshal(v.State)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, "\nstate:")
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			fmt.Fprintf(a.out, "  %s\n", line)
		}
	}
	return nil
}
