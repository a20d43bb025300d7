package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/appflow/pkg/appflow"
	"github.com/randalmurphal/appflow/pkg/appflow/config"
	"github.com/randalmurphal/appflow/pkg/appflow/event"
	"github.com/randalmurphal/appflow/pkg/appflow/progress"
)

type inputFlags struct {
	set   []string
	input string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.set, "set", nil, "State field as key=value; values parse as YAML scalars (repeatable)")
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "YAML or JSON file of state fields")
}

// patch merges --input and --set, with --set winning.
func (f *inputFlags) patch() (appflow.Patch, error) {
	p := appflow.Patch{}
	if f.input != "" {
		c, err := config.FromFile(f.input)
		if err != nil {
			return nil, err
		}
		for k, v := range c.Raw() {
			p[k] = v
		}
	}
	for _, kv := range f.set {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: want key=value", kv)
		}
		v, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("--set %s: %w", key, err)
		}
		p[key] = v
	}
	return p, nil
}

// parseValue reads a YAML scalar so true, 3, and 1.5 arrive typed.
// Anything that isn't valid YAML stays a string.
func parseValue(raw string) (any, error) {
	if raw == "" {
		return "", nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw, nil
	}
	if v == nil {
		return raw, nil
	}
	return v, nil
}

func newRunCmd(a *app) *cobra.Command {
	var (
		in       inputFlags
		threadID string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Start a thread, or restart a finished one, and run until it waits or ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := in.patch()
			if err != nil {
				return err
			}
			if threadID == "" {
				threadID = uuid.NewString()
			}
			return a.advance(cmd.Context(), args[0], func(exec *appflow.Executor) (*appflow.RunResult, error) {
				return exec.Run(cmd.Context(), threadID, p)
			})
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "Thread ID (default: a new UUID)")
	in.register(cmd)
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var in inputFlags
	cmd := &cobra.Command{
		Use:   "resume <workflow> <thread>",
		Short: "Answer a waiting thread and continue it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := in.patch()
			if err != nil {
				return err
			}
			return a.advance(cmd.Context(), args[0], func(exec *appflow.Executor) (*appflow.RunResult, error) {
				cur, err := exec.Inspect(cmd.Context(), args[1])
				if err != nil {
					return nil, err
				}
				if cur.Interrupt == nil {
					return nil, fmt.Errorf("thread %s is %s, not waiting for input", args[1], cur.Status)
				}
				return exec.Resume(cmd.Context(), cur.Interrupt.Token, p)
			})
		},
	}
	in.register(cmd)
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow> <thread>",
		Short: "Show a thread's status and state without advancing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, bus, err := a.executor(args[0])
			if err != nil {
				return err
			}
			defer bus.Close()
			res, err := exec.Inspect(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			return a.printResult(args[0], res)
		},
	}
}

// advance runs step against the named workflow, streaming build progress
// to stderr, and prints the result. A failed thread is reported as an error
// after its result is printed.
func (a *app) advance(ctx context.Context, name string, step func(*appflow.Executor) (*appflow.RunResult, error)) error {
	exec, bus, err := a.executor(name)
	if err != nil {
		return err
	}
	defer bus.Close()
	bus.Subscribe(event.HandlerFunc(a.printHeartbeat), event.ProgressHeartbeat)

	res, err := step(exec)
	if res != nil {
		if perr := a.printResult(name, res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if res.Status == appflow.StatusFailed {
		return fmt.Errorf("thread %s failed", res.ThreadID)
	}
	return nil
}

func (a *app) printHeartbeat(_ context.Context, evt event.Event) error {
	hb, ok := evt.Data().(progress.Heartbeat)
	if !ok {
		return nil
	}
	fmt.Fprintf(a.errOut, "[%s] %-12s %3d%%  %s\n", hb.Task, hb.Phase, hb.Percent, hb.Elapsed.Round(time.Second))
	return nil
}
