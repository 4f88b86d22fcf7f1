package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joelkehle/ucsbridge/internal/session"
	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/spf13/cobra"
)

// withSession opens a session for one command and closes it afterwards.
func withSession(cmd *cobra.Command, g *globals, fn func(ctx context.Context, s *session.Session) error) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	s, err := session.New(cfg, session.WithLogger(logger))
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			logger.Warnw("close session", "error", err)
		}
	}()
	return fn(ctx, s)
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status [service...]",
		Short: "Show availability of the backend's service adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session.Session) error {
				statuses, err := s.Management().GetStatus(ctx, args...)
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "SERVICE\tAVAILABLE\tSUPPORTED")
				for _, st := range statuses {
					fmt.Fprintf(w, "%s\t%t\t%t\n", st.Capability, st.Available, st.Supported)
				}
				return w.Flush()
			})
		},
	}
}

func channelsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List the service adapters the backend offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session.Session) error {
				services, err := s.Management().DiscoverChannels(ctx)
				if err != nil {
					return err
				}
				for _, svc := range services {
					fmt.Println(svc.ServiceName)
				}
				return nil
			})
		},
	}
}

func sendCmd(g *globals) *cobra.Command {
	var (
		to           []string
		service      string
		sender       string
		subject      string
		body         string
		conversation string
		alert        bool
		timeout      int
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message or an alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(to) == 0 {
				return fmt.Errorf("--to is required")
			}
			msg := &ucs.Message{
				Sender:             sender,
				Subject:            subject,
				ConversationID:     conversation,
				Parts:              []ucs.BodyPart{{Content: body, Type: "text/plain"}},
				TimeoutForResponse: timeout,
				Kind:               ucs.KindMessage,
			}
			if alert {
				msg.Kind = ucs.KindAlert
			}
			for _, r := range to {
				msg.Recipients = append(msg.Recipients, ucs.Recipient{RecipientID: strings.TrimSpace(r), Service: service})
			}
			return withSession(cmd, g, func(ctx context.Context, s *session.Session) error {
				receipt, err := s.Client().Send(ctx, msg)
				if err != nil {
					return err
				}
				fmt.Printf("sent %s\n", receipt.MessageID)
				w := table()
				for recipient, ref := range receipt.References {
					fmt.Fprintf(w, "  %s\t%s\n", recipient, ref)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient ids (repeat or comma separate)")
	cmd.Flags().StringVar(&service, "service", "", "service adapter, e.g. SMS")
	cmd.Flags().StringVar(&sender, "from", "ucsctl", "sender id")
	cmd.Flags().StringVar(&subject, "subject", "", "subject line")
	cmd.Flags().StringVar(&body, "body", "", "message text")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	cmd.Flags().BoolVar(&alert, "alert", false, "send as an alert")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "seconds to wait for responses before escalating")
	return cmd
}

func messagesCmd(g *globals) *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "messages [query]",
		Short: "List messages, optionally filtered",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			parsed, err := parseFilters(filters)
			if err != nil {
				return err
			}
			return withSession(cmd, g, func(ctx context.Context, s *session.Session) error {
				msgs, err := s.Client().QueryMessages(ctx, query, parsed...)
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSENDER\tSUBJECT")
				for _, m := range msgs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.MessageID, m.Kind, m.AlertStatus, m.Sender, m.Subject)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "field=value, e.g. kind=alert")
	return cmd
}

func ackCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <message-id>",
		Short: "Acknowledge a pending alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session.Session) error {
				updated, err := s.Alerting().UpdateAlert(ctx, args[0], ucs.AlertAcknowledged)
				if err != nil {
					return err
				}
				printUpdate(args[0], "acknowledged", updated)
				return nil
			})
		},
	}
}

func cancelCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <message-id>",
		Short: "Retract a pending alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session.Session) error {
				updated, err := s.Client().CancelMessage(ctx, args[0])
				if err != nil {
					return err
				}
				printUpdate(args[0], "retracted", updated)
				return nil
			})
		},
	}
}

func printUpdate(id, verb string, updated bool) {
	if updated {
		fmt.Printf("%s %s\n", id, verb)
		return
	}
	fmt.Printf("%s already %s\n", id, verb)
}

func conversationsCmd(g *globals) *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "conversations [query]",
		Short: "List conversations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			parsed, err := parseFilters(filters)
			if err != nil {
				return err
			}
			return withSession(cmd, g, func(ctx context.Context, s *session.Session) error {
				convs, err := s.Conversation().QueryConversations(ctx, query, parsed...)
				if err != nil {
					return err
				}
				w := table()
				fmt.Fprintln(w, "ID\tSUBJECT\tPARTICIPANTS")
				for _, c := range convs {
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.ConversationID, c.Subject, strings.Join(c.Participants, ","))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "field=value, e.g. participant=bob")

	var (
		id           string
		subject      string
		participants []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session.Session) error {
				created, err := s.Conversation().CreateConversation(ctx, ucs.Conversation{
					ConversationID: id,
					Subject:        subject,
					Participants:   participants,
				})
				if err != nil {
					return err
				}
				fmt.Println(created)
				return nil
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "conversation id (generated when empty)")
	create.Flags().StringVar(&subject, "subject", "", "subject")
	create.Flags().StringSliceVar(&participants, "participant", nil, "participant ids")

	show := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session.Session) error {
				info, err := s.Conversation().RetrieveConversation(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s\n", info.Conversation.ConversationID, info.Conversation.Subject)
				w := table()
				for _, m := range info.Messages {
					summary := m.Summary()
					fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", m.CreatedAt.Format(time.RFC3339), m.MessageID, m.Sender, summary.Subject)
				}
				return w.Flush()
			})
		},
	}
	cmd.AddCommand(create, show)
	return cmd
}

func parseFilters(raw []string) ([]ucs.QueryFilter, error) {
	out := make([]ucs.QueryFilter, 0, len(raw))
	for _, f := range raw {
		field, value, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(field) == "" {
			return nil, fmt.Errorf("filter %q is not field=value", f)
		}
		out = append(out, ucs.QueryFilter{Field: strings.TrimSpace(field), Value: strings.TrimSpace(value)})
	}
	return out, nil
}
