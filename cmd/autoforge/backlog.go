package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/grpc"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/kernel"
)

// control is the orchestrator surface the backlog commands drive, either
// directly on the state directory or through a running server.
type control interface {
	Enqueue(ctx context.Context, sub backlog.Submission) (backlog.ChangeRequest, error)
	ListBacklog(ctx context.Context, f backlog.Filter) ([]backlog.ChangeRequest, error)
	Get(ctx context.Context, id string) (backlog.ChangeRequest, error)
	Approve(ctx context.Context, id string) (backlog.ChangeRequest, error)
	Reject(ctx context.Context, id string) (backlog.ChangeRequest, error)
	Requeue(ctx context.Context, id string) (backlog.ChangeRequest, error)
	ProcessNext(ctx context.Context) (kernel.ProcessResult, error)
	Status(ctx context.Context) (kernel.Status, error)
}

// localControl adapts an in-process Controller.
type localControl struct {
	kernel.Controller
}

func (l localControl) ListBacklog(_ context.Context, f backlog.Filter) ([]backlog.ChangeRequest, error) {
	return l.Controller.ListBacklog(f), nil
}

func (l localControl) Get(_ context.Context, id string) (backlog.ChangeRequest, error) {
	return l.Controller.Get(id)
}

func (l localControl) Status(context.Context) (kernel.Status, error) {
	return l.Controller.Status(), nil
}

var (
	_ control = localControl{}
	_ control = (*grpc.Client)(nil)
)

// BacklogOptions holds flags shared by the backlog subcommands.
type BacklogOptions struct {
	*RootOptions
	Local bool
	Addr  string
}

// NewBacklogCommand creates the backlog command group.
func NewBacklogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BacklogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Manage change requests",
		Long: `Manage the change-request backlog. By default the commands talk to a
running "autoforge serve" over gRPC. With --local they open the state
directory directly; only do that when no server owns it.`,
	}

	cmd.PersistentFlags().BoolVar(&opts.Local, "local", false, "operate on the state directory instead of a running server")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "server address (default from config)")

	cmd.AddCommand(newBacklogEnqueueCommand(opts))
	cmd.AddCommand(newBacklogListCommand(opts))
	cmd.AddCommand(newBacklogShowCommand(opts))
	cmd.AddCommand(newBacklogDecisionCommand(opts, "approve", "Approve a critical change request", control.Approve))
	cmd.AddCommand(newBacklogDecisionCommand(opts, "reject", "Reject a change request waiting for approval", control.Reject))
	cmd.AddCommand(newBacklogDecisionCommand(opts, "requeue", "Return a failed change request to the queue", control.Requeue))
	cmd.AddCommand(newBacklogProcessNextCommand(opts))
	cmd.AddCommand(newBacklogStatusCommand(opts))

	return cmd
}

// withControl opens the control surface for one command and writes fn's
// result or error as the command Result.
func withControl(cmd *cobra.Command, opts *BacklogOptions, fn func(ctx context.Context, c control) (Result, error)) error {
	out := cmd.OutOrStdout()

	a, err := newApp(cmd, opts.RootOptions)
	if err != nil {
		return emit(out, failure(err), opts.OutputJSON)
	}
	defer a.Close()

	var c control
	if opts.Local {
		// Process-next in local mode runs the engine in this process.
		engine, err := a.newEngine(false)
		if err != nil {
			return emit(out, failure(err), opts.OutputJSON)
		}
		coord, err := a.newCoordinator(cmd.Context(), kernel.NewInProcessRunner(engine), nil)
		if err != nil {
			return emit(out, failure(err), opts.OutputJSON)
		}
		c = localControl{coord}
	} else {
		addr := a.cfg.GRPC.Addr
		if opts.Addr != "" {
			addr = opts.Addr
		}
		client, err := grpc.Dial(addr)
		if err != nil {
			return emit(out, failure(err), opts.OutputJSON)
		}
		defer client.Close()
		c = client
	}

	res, err := fn(cmd.Context(), c)
	if err != nil {
		return emit(out, failure(err), opts.OutputJSON)
	}
	return emit(out, res, opts.OutputJSON)
}

func newBacklogEnqueueCommand(opts *BacklogOptions) *cobra.Command {
	var sub backlog.Submission

	cmd := &cobra.Command{
		Use:   "enqueue <target>",
		Short: "Add a change request",
		Long: `Add a change request for target. Targets matching critical_targets wait
in PendingApproval until approved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub.Target = args[0]
			return withControl(cmd, opts, func(ctx context.Context, c control) (Result, error) {
				item, err := c.Enqueue(ctx, sub)
				if err != nil {
					return Result{}, err
				}
				return success(fmt.Sprintf("enqueued %s as %s", item.ID, item.Status), item), nil
			})
		},
	}

	cmd.Flags().StringVar(&sub.Suggestion, "suggestion", "", "what to improve")
	cmd.Flags().IntVar(&sub.Priority, "priority", 0, "higher runs first")
	cmd.Flags().StringVar(&sub.Source, "source", "cli", "who asked for the change")

	return cmd
}

func newBacklogListCommand(opts *BacklogOptions) *cobra.Command {
	var (
		statuses []string
		target   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List change requests in enqueue order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := backlog.Filter{Target: target}
			for _, s := range statuses {
				st := backlog.Status(s)
				if !st.Valid() {
					return emit(cmd.OutOrStdout(), failure(fmt.Errorf("unknown status %q", s)), opts.OutputJSON)
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withControl(cmd, opts, func(ctx context.Context, c control) (Result, error) {
				items, err := c.ListBacklog(ctx, f)
				if err != nil {
					return Result{}, err
				}
				if items == nil {
					items = []backlog.ChangeRequest{}
				}
				return success(fmt.Sprintf("%d change requests", len(items)), items), nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses (repeatable or comma-separated)")
	cmd.Flags().StringVar(&target, "target", "", "only this target")

	return cmd
}

func newBacklogShowCommand(opts *BacklogOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, opts, func(ctx context.Context, c control) (Result, error) {
				item, err := c.Get(ctx, args[0])
				if err != nil {
					return Result{}, err
				}
				return success(string(item.Status), item), nil
			})
		},
	}
}

func newBacklogDecisionCommand(opts *BacklogOptions, name, short string, decide func(control, context.Context, string) (backlog.ChangeRequest, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, opts, func(ctx context.Context, c control) (Result, error) {
				item, err := decide(c, ctx, args[0])
				if err != nil {
					return Result{}, err
				}
				return success(fmt.Sprintf("%s is now %s", item.ID, item.Status), item), nil
			})
		},
	}
}

func newBacklogProcessNextCommand(opts *BacklogOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process-next",
		Short: "Run the highest-priority actionable change request now",
		Long: `Run the highest-priority actionable change request to completion and print
the result. Exits 1 when the item failed; prints an empty result and exits
0 when nothing is actionable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, opts, func(ctx context.Context, c control) (Result, error) {
				res, err := c.ProcessNext(ctx)
				if err != nil {
					return Result{}, err
				}
				if !res.Processed() {
					return success("no actionable change requests", res), nil
				}
				msg := fmt.Sprintf("%s finished %s", res.Item.ID, res.Item.Status)
				if res.Item.Status != backlog.StatusCompletedSuccess {
					return Result{Status: StatusError, Message: msg, Data: res}, nil
				}
				return success(msg, res), nil
			})
		},
	}
}

func newBacklogStatusCommand(opts *BacklogOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backlog counts, running items and permit usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, opts, func(ctx context.Context, c control) (Result, error) {
				st, err := c.Status(ctx)
				if err != nil {
					return Result{}, err
				}
				msg := fmt.Sprintf("%d change requests, %d/%d permits in use", st.Total, st.PermitsInUse, st.PermitsTotal)
				return success(msg, st), nil
			})
		},
	}
}
