package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/auth"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/client"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/config"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/conversation"
	clog "github.com/gowdashreyas493-oss/skillspark-placement/internal/log"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/spf13/cobra"
)

const cliName = "chatctl"

type globals struct {
	server string
	token  string
}

func main() {
	g := &globals{}
	root := &cobra.Command{
		Use:           cliName,
		Short:         "Command-line client for the placement messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			clog.Init("dev", "warn")
		},
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("CHATCTL_SERVER", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("CHATCTL_TOKEN"), "access token (or CHATCTL_TOKEN)")

	root.AddCommand(
		usersCmd(g),
		chatsCmd(g),
		dmCmd(g),
		groupCmd(g),
		historyCmd(g),
		sendCmd(g),
		deleteCmd(g),
		riskCmd(g),
		watchCmd(g),
		tokenCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (g *globals) client() (*client.Client, error) {
	if g.token == "" {
		return nil, fmt.Errorf("no token: pass --token or set CHATCTL_TOKEN (see %s token)", cliName)
	}
	return client.New(g.server, g.token)
}

func parseID(s, what string) (uint, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return uint(v), nil
}

func usersCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List users you can start a chat with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			users, err := c.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME")
			for _, u := range users {
				fmt.Fprintf(w, "%d\t%s\n", u.ID, u.Username)
			}
			return w.Flush()
		},
	}
}

func chatsCmd(g *globals) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List your chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if !watch {
				chats, err := c.ListChats(cmd.Context())
				if err != nil {
					return err
				}
				return printChats(cmd, chats)
			}
			updates, err := c.WatchChats(cmd.Context())
			if err != nil {
				return err
			}
			for chats := range updates {
				fmt.Fprintf(cmd.OutOrStdout(), "-- %s\n", time.Now().Format(time.TimeOnly))
				if err := printChats(cmd, chats); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing the list as it changes")
	return cmd
}

func printChats(cmd *cobra.Command, chats []service.ChatSummary) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tUNREAD\tLAST")
	for _, ch := range chats {
		last := ""
		if ch.LastMessage != nil {
			last = ch.LastMessage.Sender + ": " + preview(ch.LastMessage.Body, 40)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", ch.ID, ch.Kind, ch.DisplayName, ch.UnreadCount, last)
	}
	return w.Flush()
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func dmCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "dm <user-id>",
		Short: "Open the direct chat with a user, creating it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parseID(args[0], "user id")
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			id, created, err := c.DirectChat(cmd.Context(), peer)
			if err != nil {
				return err
			}
			state := "existing"
			if created {
				state = "new"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chat %d (%s)\n", id, state)
			return nil
		},
	}
}

func groupCmd(g *globals) *cobra.Command {
	var name string
	var members []uint
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create a group chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			id, err := c.CreateGroup(cmd.Context(), name, members)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chat %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "group name")
	cmd.Flags().UintSliceVarP(&members, "member", "m", nil, "member user ids (repeatable)")
	return cmd
}

func historyCmd(g *globals) *cobra.Command {
	var limit int
	var before uint
	cmd := &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Print recent messages of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseID(args[0], "chat id")
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			msgs, err := c.History(cmd.Context(), chatID, before, limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(cmd, m)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "number of messages")
	cmd.Flags().UintVar(&before, "before", 0, "only messages older than this message id")
	return cmd
}

func printMessage(cmd *cobra.Command, m service.MessageDTO) {
	fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s %s: %s\n", m.ID, m.CreatedAt.Local().Format(time.DateTime), m.Sender, m.Body)
}

func sendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "send <chat-id> <text>...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseID(args[0], "chat id")
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			m, err := c.Send(cmd.Context(), chatID, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printMessage(cmd, *m)
			return nil
		},
	}
}

func deleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete one of your messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "message id")
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			return c.Delete(cmd.Context(), id)
		},
	}
}

func riskCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "risk <message-id>",
		Short: "Show the moderation panel of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "message id")
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			a, err := c.Analysis(cmd.Context(), id)
			if err != nil {
				return err
			}
			p := conversation.NewRiskPanel(a)
			out := cmd.OutOrStdout()
			if p.Status == conversation.RiskPending {
				fmt.Fprintln(out, "analysis pending")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "sentiment\t%.2f\t%s\t%s\n", p.Analysis.SentimentScore, p.Sentiment, p.SentimentSeverity)
			fmt.Fprintf(w, "credibility\t%.2f\t\t%s\n", p.Analysis.CredibilityScore, p.CredibilitySeverity)
			fmt.Fprintf(w, "toxicity\t%.2f\t\t%s\n", p.Analysis.ToxicityScore, p.ToxicitySeverity)
			fmt.Fprintf(w, "fake news\t%.2f\t\t%s\n", p.Analysis.FakeNewsProbability, p.FakeNewsSeverity)
			fmt.Fprintf(w, "threat\t%s\n", p.Analysis.ThreatLevel)
			if p.Analysis.IsFlagged {
				fmt.Fprintf(w, "flagged\t%s\n", p.Analysis.FlagReason)
			}
			return w.Flush()
		},
	}
}

// watchCmd 实时跟踪会话：标准输入的每一行作为消息发送，输入过程中上报输入状态。
func watchCmd(g *globals) *cobra.Command {
	var self uint
	cmd := &cobra.Command{
		Use:   "watch <chat-id>",
		Short: "Follow a chat and send lines read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := parseID(args[0], "chat id")
			if err != nil {
				return err
			}
			if self == 0 {
				claims, err := auth.ParseAccessTokenUnverified(g.token)
				if err != nil {
					return fmt.Errorf("cannot tell who you are, pass --self: %w", err)
				}
				self = claims.UserID
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			return watch(cmd, c, chatID, self)
		},
	}
	cmd.Flags().UintVar(&self, "self", 0, "your user id (read from the token by default)")
	return cmd
}

func watch(cmd *cobra.Command, c *client.Client, chatID, self uint) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	changed := make(chan struct{}, 1)
	view := conversation.New(c, chatID, self, conversation.Options{
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	if err := view.Open(ctx); err != nil {
		return err
	}
	defer view.Close()

	printed := make(map[uint]struct{})
	flush := func() {
		for _, m := range view.Messages() {
			if _, ok := printed[m.ID]; ok {
				continue
			}
			printed[m.ID] = struct{}{}
			printMessage(cmd, m)
		}
	}
	flush()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastTyping := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-view.Done():
			return fmt.Errorf("connection to chat %d lost", chatID)
		case <-changed:
			flush()
		case <-ticker.C:
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			view.SetDraft(line)
			if err := view.Send(ctx); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "send failed:", err)
				view.SetDraft("")
			}
			flush()
		}
		if t := view.TypingText(); t != lastTyping {
			if t != "" {
				fmt.Fprintf(out, "  (%s)\n", t)
			}
			lastTyping = t
		}
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID   uint
		username string
		ttl      int
		admin    bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token with the server's secret (development only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 || username == "" {
				return fmt.Errorf("--user-id and --username are required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Env == "prod" {
				return fmt.Errorf("refusing to mint tokens when env is prod")
			}
			var roles []string
			if admin {
				roles = append(roles, auth.RoleAdmin)
			}
			if ttl <= 0 {
				ttl = cfg.Auth.AccessTokenTTLMinutes
			}
			tok, err := auth.GenerateAccessToken(userID, username, cfg.Auth.JWTSecret, ttl, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().UintVar(&userID, "user-id", 0, "user id")
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "lifetime in minutes (default from config)")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	return cmd
}
