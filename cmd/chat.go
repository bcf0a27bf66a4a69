package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/psds-microservice/support-chat-service/internal/client"
	"github.com/psds-microservice/support-chat-service/internal/feed"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/psds-microservice/support-chat-service/internal/presence"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var chatFlags struct {
	url    string
	ticket string
	admin  bool
	token  string
	caller string
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a ticket conversation in the terminal",
	Long: "Open a ticket conversation against a running API. Lines typed on stdin are sent as " +
		"messages; /quit leaves. With --admin the session speaks for the support team.",
	RunE: runChat,
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatFlags.url, "url", "", "API base url (default http://localhost:<HTTP_PORT>)")
	f.StringVar(&chatFlags.ticket, "ticket", "", "ticket number, or numeric id for admins and owners")
	f.BoolVar(&chatFlags.admin, "admin", false, "speak as the support team")
	f.StringVar(&chatFlags.token, "token", "", "admin token (default ADMIN_API_TOKEN)")
	f.StringVar(&chatFlags.caller, "caller", "", "caller user id for tickets owned by a registered user")
	_ = chatCmd.MarkFlagRequired("ticket")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	base := chatFlags.url
	if base == "" {
		base = "http://localhost:" + cfg.HTTPPort
	}
	opts := client.Options{CallerID: chatFlags.caller, Logger: log}
	if chatFlags.admin {
		opts.AdminToken = chatFlags.token
		if opts.AdminToken == "" {
			opts.AdminToken = cfg.AdminToken
		}
		if opts.AdminToken == "" {
			return errors.New("chat: --admin needs --token or ADMIN_API_TOKEN")
		}
	}
	api, err := client.New(base, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := feed.New(api, api, feed.Options{
		IsAdmin:        chatFlags.admin,
		PollInterval:   cfg.Feed.PollInterval,
		TypingCooldown: cfg.Feed.TypingCooldown,
		TypingTimeout:  cfg.Feed.TypingTimeout,
		Publisher:      api,
		Logger:         log,
	})
	session, err := f.Open(ctx, chatFlags.ticket)
	if err != nil {
		return err
	}
	defer session.Close()

	return chatLoop(ctx, session, os.Stdin, cmd.OutOrStdout(), log)
}

// chatLoop renders the session after every change and sends each input line.
func chatLoop(ctx context.Context, s *feed.Session, in io.Reader, out io.Writer, log *zap.Logger) error {
	r := newChatRenderer(out, chatFlags.admin)
	r.render(s.Snapshot(), s.PeerTyping())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-s.Changes():
			if !ok {
				return nil
			}
			r.render(s.Snapshot(), s.PeerTyping())
			if _, err := s.MarkRead(ctx, presence.FocusState{Visible: true, Focused: true}); err != nil {
				log.Debug("read receipt failed", zap.Error(err))
			}
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := s.Send(ctx, line); err != nil {
				fmt.Fprintf(out, "! not sent: %v\n", err)
			}
		}
	}
}

type chatRenderer struct {
	out        io.Writer
	isAdmin    bool
	printed    map[uint64]bool
	status     model.TicketStatus
	peerTyping bool

	header lipgloss.Style
	self   lipgloss.Style
	peer   lipgloss.Style
	notice lipgloss.Style
}

// newChatRenderer picks the color profile of out, so redirected output stays plain text.
func newChatRenderer(out io.Writer, isAdmin bool) *chatRenderer {
	lr := lipgloss.NewRenderer(out)
	return &chatRenderer{
		out:     out,
		isAdmin: isAdmin,
		printed: make(map[uint64]bool),
		header:  lr.NewStyle().Bold(true),
		self:    lr.NewStyle().Faint(true),
		peer:    lr.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		notice:  lr.NewStyle().Italic(true).Foreground(lipgloss.Color("8")),
	}
}

// render prints confirmed messages not printed yet and status changes. Pending entries are
// the local user's own input and already on screen.
func (r *chatRenderer) render(st feed.State, peerTyping bool) {
	if st.Ticket.Status != r.status {
		if r.status == "" {
			fmt.Fprintln(r.out, r.header.Render(fmt.Sprintf("== %s %s [%s]", st.Ticket.TicketNumber, st.Ticket.Subject, st.Ticket.Status)))
		} else {
			fmt.Fprintln(r.out, r.notice.Render(fmt.Sprintf("== status: %s", st.Ticket.Status)))
		}
		r.status = st.Ticket.Status
	}
	for _, e := range st.Entries {
		if e.Pending || r.printed[e.Message.ID] {
			continue
		}
		r.printed[e.Message.ID] = true
		fmt.Fprintf(r.out, "[%s] %s: %s\n", e.Message.CreatedAt.Local().Format("15:04"), r.author(e.Message), e.Message.Message)
	}
	r.typing(peerTyping)
}

func (r *chatRenderer) typing(on bool) {
	if on == r.peerTyping {
		return
	}
	r.peerTyping = on
	if on {
		peer := "support"
		if r.isAdmin {
			peer = "customer"
		}
		fmt.Fprintln(r.out, r.notice.Render("... "+peer+" is typing"))
	}
}

func (r *chatRenderer) author(m model.TicketMessage) string {
	switch {
	case m.IsAdmin == r.isAdmin:
		return r.self.Render("you")
	case m.IsAdmin:
		return r.peer.Render("support")
	default:
		return r.peer.Render("customer")
	}
}
