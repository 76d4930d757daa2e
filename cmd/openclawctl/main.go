// ABOUTME: CLI protocol client for openclaw-gateway
// ABOUTME: Health checks, message injection, event watching, and listings

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Afee2019/openclaw/internal/protocol"
)

var (
	flagGateway string
	flagToken   string
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "openclawctl",
		Short:        "Protocol client for openclaw-gateway",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&flagGateway, "gateway", defaultGateway(), "gateway host:port")
	cmd.PersistentFlags().StringVar(&flagToken, "token", "", "auth token (defaults to OPENCLAW_TOKEN or the token file)")

	cmd.AddCommand(
		newHealthCommand(),
		newSendCommand(),
		newWatchCommand(),
		newAgentsCommand(),
		newSessionsCommand(),
		newBindingsCommand(),
	)
	return cmd
}

func defaultGateway() string {
	if host := os.Getenv("OPENCLAW_GATEWAY"); host != "" {
		return host
	}
	return "localhost:8080"
}

// resolveToken resolves the auth token: flag, then OPENCLAW_TOKEN, then the
// token file next to the config.
func resolveToken() (string, error) {
	if flagToken != "" {
		return flagToken, nil
	}
	if tok := os.Getenv("OPENCLAW_TOKEN"); tok != "" {
		return tok, nil
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("no token: set --token or OPENCLAW_TOKEN")
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "openclaw", "token"))
	if err != nil {
		return "", fmt.Errorf("no token: set --token or OPENCLAW_TOKEN")
	}
	return strings.TrimSpace(string(data)), nil
}

func connect(ctx context.Context) (*client, error) {
	token, err := resolveToken()
	if err != nil {
		return nil, err
	}
	return dialGateway(ctx, flagGateway, token)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			url := fmt.Sprintf("http://%s/health/ready", flagGateway)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("not ready: status %d", resp.StatusCode)
			}
			color.Green("ready")
			return nil
		},
	}
}

func newSendCommand() *cobra.Command {
	var channel, conversation, sender string

	cmd := &cobra.Command{
		Use:   "send <content>",
		Short: "Inject a message into the dispatch pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			var sr protocol.SendResponse
			err = c.call(ctx, protocol.MethodSend, protocol.SendRequest{
				Channel:      channel,
				Conversation: conversation,
				Sender:       sender,
				Content:      strings.Join(args, " "),
			}, &sr)
			if err != nil {
				return err
			}

			fmt.Printf("session: %s\nagent:   %s\n", sr.SessionKey, sr.AgentID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&channel, "channel", "c", "", "channel id (required)")
	cmd.Flags().StringVarP(&conversation, "conversation", "t", "", "conversation id (required)")
	cmd.Flags().StringVarP(&sender, "sender", "s", "", "sender id")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [topics...]",
		Short: "Stream gateway events (default: all topics)",
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			topics := args
			if len(topics) == 0 {
				topics = []string{
					protocol.TopicMessage,
					protocol.TopicSession,
					protocol.TopicProfile,
					protocol.TopicRoute,
				}
			}

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.call(ctx, protocol.MethodSubscribe, protocol.SubscribeRequest{Topics: topics}, nil); err != nil {
				return err
			}
			color.HiBlack("watching %s (ctrl-c to stop)", strings.Join(topics, ", "))

			for {
				env, err := c.recv(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if env.Kind != protocol.KindEvent {
					continue
				}
				printEvent(env)
			}
		},
	}
}

func printEvent(env *protocol.Envelope) {
	ts := color.HiBlackString(time.Now().Format("15:04:05"))
	topic := color.CyanString("%-8s", env.Topic)
	fmt.Printf("%s %s #%-4d %s\n", ts, topic, env.Seq, string(env.Payload))
}

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents and auth profile health",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			var out struct {
				Agents []protocol.AgentStatus `json:"agents"`
			}
			if err := c.call(ctx, protocol.MethodListAgents, nil, &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tPOLICY\tPROFILE\tPRIORITY\tHEALTH\tFAILURES")
			for _, a := range out.Agents {
				for _, p := range a.Profiles {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
						a.ID, a.Policy, p.ID, p.Priority, colorHealth(p.Health), p.ConsecutiveFailures)
				}
			}
			return w.Flush()
		},
	}
}

func colorHealth(health string) string {
	switch health {
	case "live":
		return color.GreenString(health)
	case "degraded":
		return color.YellowString(health)
	case "quarantined":
		return color.RedString(health)
	default:
		return health
	}
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			var out struct {
				Sessions []protocol.SessionStatus `json:"sessions"`
			}
			if err := c.call(ctx, protocol.MethodListSessions, nil, &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tCHANNEL\tCONVERSATION\tAGENT\tPROFILE\tLAST ACTIVITY")
			for _, s := range out.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Key, s.Channel, s.Conversation, s.AgentID, s.ProfileID, s.LastActivity)
			}
			return w.Flush()
		},
	}
}

func newBindingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Manage conversation-to-agent bindings",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List bindings (seed and runtime)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			var out struct {
				Bindings []protocol.BindingStatus `json:"bindings"`
			}
			if err := c.call(ctx, protocol.MethodListBindings, nil, &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tCONVERSATION\tAGENT\tPROFILE\tSOURCE")
			for _, b := range out.Bindings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					b.Channel, b.Conversation, b.AgentID, b.ProfileID, b.Source)
			}
			return w.Flush()
		},
	}

	var agentID, profileID string
	create := &cobra.Command{
		Use:   "create <channel> <conversation>",
		Short: "Bind a conversation to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			var bs protocol.BindingStatus
			err = c.call(ctx, protocol.MethodCreateBinding, protocol.BindingRequest{
				Channel:      args[0],
				Conversation: args[1],
				AgentID:      agentID,
				ProfileID:    profileID,
			}, &bs)
			if err != nil {
				return err
			}
			color.Green("bound %s/%s -> %s", bs.Channel, bs.Conversation, bs.AgentID)
			return nil
		},
	}
	create.Flags().StringVarP(&agentID, "agent", "a", "", "agent id (required)")
	create.Flags().StringVarP(&profileID, "profile", "p", "", "pin a specific auth profile")
	_ = create.MarkFlagRequired("agent")

	del := &cobra.Command{
		Use:   "delete <channel> <conversation>",
		Short: "Remove a runtime binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			err = c.call(ctx, protocol.MethodDeleteBinding, protocol.BindingRequest{
				Channel:      args[0],
				Conversation: args[1],
			}, nil)
			if err != nil {
				return err
			}
			color.Green("deleted %s/%s", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(list, create, del)
	return cmd
}
