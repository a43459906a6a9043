package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
	"github.com/spf13/cobra"
)

type invokeFlags struct {
	dst         string
	src         string
	feedback    string
	data        string
	options     map[string]string
	errorPolicy string
	maxTimeout  time.Duration
}

func invokeCmd(gf *globalFlags) *cobra.Command {
	var f invokeFlags

	cmd := &cobra.Command{
		Use:   "invoke <task>",
		Short: "Broadcast one task and print the collected result as JSON",
		Long: `Broadcast one task to the agents selected by --dst and wait until they
finish or the timeouts elapse. The result is printed as JSON; the exit
status is non-zero unless every responding agent completed without error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(cmd, gf, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.dst, "dst", "", "Destination selector, e.g. '*|role=proxy' (default from config)")
	cmd.Flags().StringVar(&f.src, "src", "", "Source name reported to agents (default from config or host name)")
	cmd.Flags().StringVar(&f.feedback, "feedback-channel", "", "Feedback channel base name (default from config)")
	cmd.Flags().StringVar(&f.data, "data", "", "Task data; JSON documents are sent as-is, anything else as a string")
	cmd.Flags().StringToStringVarP(&f.options, "option", "o", nil, "Task option key=value (repeatable)")
	cmd.Flags().StringVar(&f.errorPolicy, "error-policy", "", "How agent errors end the invocation: wait, settle or abort")
	cmd.Flags().DurationVar(&f.maxTimeout, "max-timeout", 0, "Override the maximum time to wait for agents")
	return cmd
}

func runInvoke(cmd *cobra.Command, gf *globalFlags, task string, f invokeFlags) error {
	cfg, err := gf.load()
	if err != nil {
		return err
	}

	var opts []taskagent.InvokeOption
	if f.errorPolicy != "" {
		policy, err := taskagent.ParseErrorPolicy(f.errorPolicy)
		if err != nil {
			return err
		}
		opts = append(opts, taskagent.WithErrorPolicy(policy))
	}
	if f.maxTimeout > 0 {
		opts = append(opts, taskagent.WithMaxTimeout(f.maxTimeout))
	}

	req := taskagent.Request{
		Task:            task,
		Source:          f.src,
		Destination:     f.dst,
		FeedbackChannel: f.feedback,
	}
	if len(f.options) > 0 {
		req.Options = make(map[string]any, len(f.options))
		for k, v := range f.options {
			req.Options[k] = v
		}
	}
	if f.data != "" {
		if json.Valid([]byte(f.data)) {
			req.Data = json.RawMessage(f.data)
		} else {
			req.Data = f.data
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, closeTransport, err := openTransport(ctx, cfg.Bus, false)
	if err != nil {
		return err
	}
	defer closeTransport()

	coord := taskagent.NewCoordinator(t, cfg.TaskAgent.Coordinator())
	res, err := coord.Invoke(ctx, req, opts...)
	if res != nil {
		if perr := printResult(cmd, res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	return res.Err()
}

func printResult(cmd *cobra.Command, res *taskagent.Result) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
