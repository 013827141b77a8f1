package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/tui/views"
)

func newExecCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "exec <command line>",
		Aliases: []string{"x"},
		Short:   "Run any daemon command, e.g. exec settings set username bob",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execLine(cmd, o, strings.Join(args, " "))
		},
	}
}

type passthrough struct {
	name  string
	use   string
	short string
	args  cobra.PositionalArgs
}

var passthroughCommands = []passthrough{
	{"create", "create <name>", "Create a group", cobra.MinimumNArgs(1)},
	{"join", "join <group_id>", "Join a group through the delivery service", cobra.ExactArgs(1)},
	{"send", "send <text>", "Send to the active group", cobra.MinimumNArgs(1)},
	{"select", "select <group_id|name>", "Switch the active group", cobra.MinimumNArgs(1)},
	{"link", "link [group_id]", "Publish a local group to the delivery service", cobra.MaximumNArgs(1)},
	{"retry", "retry [group_id]", "Resend undelivered messages", cobra.MaximumNArgs(1)},
	{"fetch", "fetch [group_id]", "Fetch messages now", cobra.MaximumNArgs(1)},
	{"keys", "keys <identity>", "Fetch key packages published by identity", cobra.ExactArgs(1)},
	{"publish", "publish", "Publish a fresh key package", cobra.NoArgs},
}

func newPassthroughCommand(o *options, p passthrough) *cobra.Command {
	return &cobra.Command{
		Use:   p.use,
		Short: p.short,
		Args:  p.args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execLine(cmd, o, strings.TrimSpace(p.name+" "+strings.Join(args, " ")))
		},
	}
}

func execLine(cmd *cobra.Command, o *options, line string) error {
	c, ctx, done, err := o.connect(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Execute(ctx, line)
	if err != nil {
		return describe(err)
	}
	return o.print(resp, func() {
		if resp.Text != "" {
			fmt.Println(resp.Text)
		}
	})
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection and group status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, ctx, done, err := o.connect(cmd)
			if err != nil {
				return err
			}
			defer done()

			s, err := c.GetStatus(ctx)
			if err != nil {
				return describe(err)
			}
			return o.print(s, func() {
				active := s.ActiveGroup
				if active == "" {
					active = "-"
				}
				fmt.Printf("State:    %s since %s\n", s.State, time.UnixMilli(s.SinceUnixMs).Format(time.RFC3339))
				fmt.Printf("Relay:    %s\n", s.Address)
				fmt.Printf("User:     %s\n", s.Username)
				fmt.Printf("Groups:   %d (%d linked, %d local)\n", s.Groups, s.Linked, s.Local)
				fmt.Printf("Active:   %s\n", active)
				fmt.Printf("Pending:  %d\n", s.Pending)
			})
		},
	}
}

func newGroupsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "groups",
		Aliases: []string{"ls"},
		Short:   "List groups",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, ctx, done, err := o.connect(cmd)
			if err != nil {
				return err
			}
			defer done()

			groups, err := c.ListGroups(ctx)
			if err != nil {
				return describe(err)
			}
			return o.print(groups, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tMODE\tEPOCH\tMEMBERS")
				for _, g := range groups {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", g.GroupID, g.Name, g.Mode, g.Epoch, strings.Join(g.Members, ","))
				}
				_ = w.Flush()
			})
		},
	}
}

func printMessages(msgs []*api.Message) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, m := range msgs {
		sender := m.Sender
		if m.FromMe {
			sender = "me"
			if !m.Delivered {
				sender += " (undelivered)"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			time.UnixMilli(m.TimestampUnixMs).Format("2006-01-02 15:04"), m.GroupID, sender, m.Body)
	}
	_ = w.Flush()
}

func newHistoryCommand(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [group_id]",
		Short: "Show journaled history of a group (default: the active group)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := o.connect(cmd)
			if err != nil {
				return err
			}
			defer done()

			req := &api.MessagesRequest{Limit: limit}
			if len(args) == 1 {
				req.GroupID = args[0]
			}
			msgs, err := c.ListMessages(ctx, req)
			if err != nil {
				return describe(err)
			}
			return o.print(msgs, func() { printMessages(msgs) })
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of messages")
	return cmd
}

func newSearchCommand(o *options) *cobra.Command {
	var group string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search journaled messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, done, err := o.connect(cmd)
			if err != nil {
				return err
			}
			defer done()

			msgs, err := c.ListMessages(ctx, &api.MessagesRequest{
				GroupID: group,
				Query:   strings.Join(args, " "),
				Limit:   limit,
			})
			if err != nil {
				return describe(err)
			}
			return o.print(msgs, func() { printMessages(msgs) })
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "only search this group")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum results")
	return cmd
}

func newWatchCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [kind-prefix]",
		Short: "Stream daemon events until interrupted",
		Example: "mlsctl watch message.\n" +
			"mlsctl watch --json",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := o.socketPath()
			if err != nil {
				return err
			}
			c, err := api.Dial(path)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			err = c.WatchEvents(ctx, prefix, func(evt *api.Event) error {
				return o.print(evt, func() { fmt.Println(formatEvent(evt)) })
			})
			if err != nil && ctx.Err() == nil {
				return describe(err)
			}
			return nil
		},
	}
}

func formatEvent(evt *api.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-20s", evt.Time().Local().Format("15:04:05.000"), evt.Kind)
	if evt.GroupID != "" {
		fmt.Fprintf(&b, " group=%s", evt.GroupID)
	}
	switch {
	case evt.Message != nil:
		fmt.Fprintf(&b, " from=%s %q", evt.Message.Sender, evt.Message.Body)
	case evt.Group != nil:
		fmt.Fprintf(&b, " name=%s epoch=%d members=%d", evt.Group.Name, evt.Group.Epoch, len(evt.Group.Members))
	case evt.State != "":
		fmt.Fprintf(&b, " state=%s", evt.State)
	}
	if evt.Text != "" {
		if evt.Level != "" {
			fmt.Fprintf(&b, " [%s]", evt.Level)
		}
		fmt.Fprintf(&b, " %s", evt.Text)
	}
	return b.String()
}

func newIdentityCommand(o *options) *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show the local identity fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, ctx, done, err := o.connect(cmd)
			if err != nil {
				return err
			}
			defer done()

			s, err := c.GetStatus(ctx)
			if err != nil {
				return describe(err)
			}
			out := struct {
				Username    string `json:"username"`
				Fingerprint string `json:"fingerprint"`
				URI         string `json:"uri"`
			}{s.Username, s.Fingerprint, views.IdentityURI(s.Username, s.Fingerprint)}
			return o.print(out, func() {
				fmt.Printf("User:        %s\n", out.Username)
				fmt.Printf("Fingerprint: %s\n", out.Fingerprint)
				if qr {
					fmt.Print("\n" + views.RenderQR(out.URI))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "also print the fingerprint as a QR code")
	return cmd
}
