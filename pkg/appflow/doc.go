/*
Package appflow runs long-lived application workflows as checkpointed graphs.

# Overview

A workflow is a Graph of named nodes joined by edges. Each node has exactly
one outgoing edge: a static edge to a fixed target, or a conditional edge
whose router picks one of a declared set of candidates after the node ran.
Threads are individual executions of a graph. Every step of a thread is
persisted through a checkpoint.Store, so a thread survives process restarts
and can wait for days on human input.

# State

State is a map of named fields. Nodes never mutate it: they return a Patch
and the executor merges it under the graph's Schema. Each field has a merge
policy:

	schema := appflow.Schema{
	    "plan":   appflow.Overwrite, // last write wins
	    "events": appflow.Append,    // values accumulate in order
	}

Writing a field the schema does not declare fails the step. The reserved
"errors" field is always present with the Append policy and collects every
node failure.

# Basic Usage

	g, err := appflow.New(appflow.Definition{
	    Name:   "greet",
	    Schema: appflow.Schema{"name": appflow.Overwrite, "greeting": appflow.Overwrite},
	    Entry:  "greet",
	    Nodes: map[string]appflow.Node{
	        "greet": appflow.NodeFunc(func(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
	            return appflow.Update(appflow.Patch{"greeting": "hello " + s.String("name")}), nil
	        }),
	    },
	    Edges: []appflow.Edge{appflow.Static("greet", appflow.END)},
	})
	if err != nil {
	    log.Fatal(err)
	}

	exec := appflow.NewExecutor(g, checkpoint.NewMemoryStore())
	res, err := exec.Run(ctx, "thread-1", appflow.Patch{"name": "ada"})

# Suspension and Resume

A node that needs outside input returns a suspension. The thread is saved
with a single-use ResumeToken and Run returns StatusInterrupted:

	return appflow.Suspend("approve the plan?", "approved"), nil

Resume delivers the payload. The suspended node runs again with the payload
merged into its state and Context.Resumed reporting true; nodes before it do
not run again.

	res, err = exec.Resume(ctx, res.Interrupt.Token, appflow.Patch{"approved": true})

# Failures

Node errors and panics are appended to the "errors" field. If the graph has a
failure node, the thread routes there once and ends with StatusFailed. A
router that picks the failure node ends the thread the same way. Without a
failure node, the thread ends with StatusFailed and the error is returned.
Errors from the executor itself, like a checkpoint that cannot be saved, are
returned without touching the thread.

# Concurrency

Different threads run in parallel. Calls for one thread are serialized by the
store's per-thread lock, so a thread never has two writers.
*/
package appflow
