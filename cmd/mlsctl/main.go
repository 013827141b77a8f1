package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/profile"
)

type options struct {
	profile string
	socket  string
	json    bool
	timeout time.Duration
}

func (o *options) socketPath() (string, error) {
	if o.socket != "" {
		return o.socket, nil
	}
	name := profile.Resolve(o.profile)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return profile.SocketPath(name), nil
}

// connect dials the daemon and returns a context bounded by the timeout.
func (o *options) connect(cmd *cobra.Command) (*api.Client, context.Context, context.CancelFunc, error) {
	path, err := o.socketPath()
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := api.Dial(path)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	return c, ctx, func() {
		cancel()
		_ = c.Close()
	}, nil
}

// print writes v as JSON when --json is set, otherwise calls text.
func (o *options) print(v any, text func()) error {
	if o.json {
		return outputJSON(v)
	}
	text()
	return nil
}

func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// describe turns a gRPC error into the daemon's own message.
func describe(err error) error {
	if s, ok := status.FromError(err); ok {
		return fmt.Errorf("%s (%s)", s.Message(), s.Code())
	}
	return err
}

func NewRootCommand() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:           "mlsctl",
		Short:         "Control a running mlschat daemon",
		Example:       "mlsctl --profile work create lunch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&o.profile, "profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().StringVar(&o.socket, "socket", "", "daemon socket path (overrides --profile)")
	cmd.PersistentFlags().BoolVar(&o.json, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(
		newExecCommand(o),
		newStatusCommand(o),
		newGroupsCommand(o),
		newHistoryCommand(o),
		newSearchCommand(o),
		newWatchCommand(o),
		newIdentityCommand(o),
	)
	for _, p := range passthroughCommands {
		cmd.AddCommand(newPassthroughCommand(o, p))
	}
	return cmd
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
