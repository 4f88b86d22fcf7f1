package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/joelkehle/ucsbridge/internal/ucs"
)

type commandFunc func(ctx context.Context, cmd ucs.Command) (any, error)

func (s *Server) commandTable() map[ucs.InterfaceKind]map[string]commandFunc {
	return map[ucs.InterfaceKind]map[string]commandFunc{
		ucs.InterfaceClient: {
			ucs.CmdRegisterClientCallback:   s.registerCallback(ucs.InterfaceClient),
			ucs.CmdUnregisterClientCallback: s.unregisterCallback,
			ucs.CmdCancelMessage:            s.cancelMessage,
			ucs.CmdGetMessages:              s.getMessages,
			ucs.CmdGetMessage:               s.getMessage,
		},
		ucs.InterfaceAlerting: {
			ucs.CmdRegisterAlertingCallback:   s.registerCallback(ucs.InterfaceAlerting),
			ucs.CmdUnregisterAlertingCallback: s.unregisterCallback,
			ucs.CmdUpdateAlertMessage:         s.updateAlertMessage,
		},
		ucs.InterfaceManagement: {
			ucs.CmdDiscoverChannels: s.discoverChannels,
			ucs.CmdGetStatus:        s.getStatus,
		},
		ucs.InterfaceConversation: {
			ucs.CmdCreateConversation:   s.createConversation,
			ucs.CmdQueryConversations:   s.queryConversations,
			ucs.CmdRetrieveConversation: s.retrieveConversation,
		},
	}
}

// handleCommand acknowledges the envelope immediately and answers it later on
// the reply-to address. Commands without a reply-to are executed and their
// result dropped.
func (s *Server) handleCommand(c *gin.Context) {
	kind := ucs.InterfaceKind(c.Param("interface"))
	if !kind.Valid() {
		writeError(c, ucs.Errorf(ucs.KindNotFound, "unknown interface %q", kind))
		return
	}
	var cmd ucs.Command
	if err := bindJSON(c, &cmd); err != nil {
		writeError(c, err)
		return
	}
	if strings.TrimSpace(cmd.Name) == "" {
		writeError(c, ucs.NewError(ucs.KindBadBody, "command name is required"))
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.execute(context.WithoutCancel(c.Request.Context()), kind, cmd)
	}()
	c.JSON(http.StatusOK, gin.H{"ok": true, "accepted": true})
}

func (s *Server) execute(ctx context.Context, kind ucs.InterfaceKind, cmd ucs.Command) {
	var (
		result any
		err    error
	)
	fn, ok := s.commands[kind][cmd.Name]
	if !ok {
		err = ucs.Errorf(ucs.KindInvalidInput, "%s does not support command %q", kind, cmd.Name)
	} else {
		result, err = s.run(ctx, fn, cmd)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(ucs.KindOf(err))
		s.logger.Infow("command failed", "interface", kind, "command", cmd.Name, "error", err)
	}
	s.processed.WithLabelValues(cmd.Name, outcome).Inc()

	if cmd.Response == nil {
		return
	}
	s.reply(ctx, cmd, result, err)
}

func (s *Server) run(ctx context.Context, fn commandFunc, cmd ucs.Command) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("command panicked", "command", cmd.Name, "panic", r)
			err = ucs.Errorf(ucs.KindSystemFault, "command %s panicked", cmd.Name)
		}
	}()
	return fn(ctx, cmd)
}

// reply posts the outcome to the caller's listener. Failures travel in the
// exception headers with an empty body.
func (s *Server) reply(ctx context.Context, cmd ucs.Command, result any, cmdErr error) {
	target := cmd.Response.URL(s.opts.ReplyScheme)

	var body []byte
	if cmdErr == nil {
		blob, err := json.Marshal(result)
		if err != nil {
			cmdErr = ucs.Wrap(ucs.KindSystemFault, "encode reply", err)
		} else {
			body = blob
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		s.logger.Warnw("build reply failed", "command", cmd.Name, "target", target, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if cmdErr != nil {
		ue := ucs.Wrap(ucs.KindSystemFault, "unexpected failure", cmdErr)
		var typed *ucs.Error
		if errors.As(cmdErr, &typed) {
			cp := *typed
			ue = &cp
		}
		ue.ServiceID = s.opts.ServerID
		ue.Context = cmd.Response.Context
		ucs.WriteExceptionHeaders(req.Header, ue)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warnw("reply delivery failed", "command", cmd.Name, "target", target, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.logger.Warnw("reply rejected", "command", cmd.Name, "target", target, "status", resp.StatusCode)
	}
}

func (s *Server) registerCallback(kind ucs.InterfaceKind) commandFunc {
	return func(_ context.Context, cmd ucs.Command) (any, error) {
		id, err := s.registry.Register(kind, cmd.Arg(0))
		if err != nil {
			return nil, err
		}
		s.logger.Infow("callback registered", "interface", kind, "url", cmd.Arg(0), "registration_id", id)
		return ucs.IDReply{ID: id}, nil
	}
}

func (s *Server) unregisterCallback(_ context.Context, cmd ucs.Command) (any, error) {
	if err := s.registry.Unregister(cmd.Arg(0)); err != nil {
		return nil, err
	}
	return ucs.UpdateReply{Updated: true}, nil
}

func (s *Server) cancelMessage(ctx context.Context, cmd ucs.Command) (any, error) {
	res, err := s.lifecycle.Cancel(ctx, cmd.Arg(0))
	if err != nil {
		return nil, err
	}
	if res.Applied() {
		s.unwatch(res.Current.MessageID)
		s.notify(ctx, ucs.InterfaceAlerting, ucs.PathAlertMessageCancelled, res.Current)
	}
	return ucs.UpdateReply{Updated: res.Applied()}, nil
}

func (s *Server) updateAlertMessage(ctx context.Context, cmd ucs.Command) (any, error) {
	requested, err := ucs.ParseAlertStatus(cmd.Arg(1))
	if err != nil {
		return nil, ucs.Errorf(ucs.KindStatusMismatch, "cannot request status %q", cmd.Arg(1))
	}
	res, err := s.lifecycle.Acknowledge(ctx, cmd.Arg(0), requested)
	if err != nil {
		return nil, err
	}
	if res.Applied() {
		s.unwatch(res.Current.MessageID)
		s.notify(ctx, ucs.InterfaceAlerting, ucs.PathAlertMessageUpdated, ucs.AlertUpdate{
			Old: *res.Previous,
			New: *res.Current,
		})
	}
	return ucs.UpdateReply{Updated: res.Applied()}, nil
}

// getMessages takes an optional free-text query and an optional JSON array
// of filters and answers with message summaries.
func (s *Server) getMessages(_ context.Context, cmd ucs.Command) (any, error) {
	filters, err := decodeFilters(cmd.Arg(1))
	if err != nil {
		return nil, err
	}
	var msgs []ucs.Message
	if cmd.Arg(0) == "" && len(filters) == 0 {
		msgs = s.store.ListMessages()
	} else if msgs, err = s.store.QueryMessages(cmd.Arg(0), filters); err != nil {
		return nil, err
	}
	out := make([]ucs.MessageSummary, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].Summary())
	}
	return out, nil
}

func (s *Server) getMessage(_ context.Context, cmd ucs.Command) (any, error) {
	msg, ok := s.store.GetMessageByID(cmd.Arg(0))
	if !ok {
		return nil, ucs.Errorf(ucs.KindInvalidMessage, "message %q not found", cmd.Arg(0))
	}
	return msg, nil
}

func (s *Server) discoverChannels(_ context.Context, _ ucs.Command) (any, error) {
	out := make([]ucs.ServiceInfo, 0, len(s.opts.Adapters))
	for _, name := range s.opts.Adapters {
		out = append(out, ucs.ServiceInfo{ServiceName: name})
	}
	return out, nil
}

// getStatus optionally narrows to one adapter by name.
func (s *Server) getStatus(_ context.Context, cmd ucs.Command) (any, error) {
	want := cmd.Arg(0)
	out := []ucs.ChannelStatus{}
	for _, name := range s.opts.Adapters {
		if want != "" && !strings.EqualFold(want, name) {
			continue
		}
		out = append(out, ucs.ChannelStatus{Capability: name, Available: true, Supported: true})
	}
	if want != "" && len(out) == 0 {
		return nil, ucs.Errorf(ucs.KindUnknownService, "no adapter named %q", want)
	}
	return out, nil
}

func (s *Server) createConversation(_ context.Context, cmd ucs.Command) (any, error) {
	var conv ucs.Conversation
	if err := json.Unmarshal([]byte(cmd.Arg(0)), &conv); err != nil {
		return nil, ucs.Wrap(ucs.KindInvalidInput, "conversation argument is not valid json", err)
	}
	saved, err := s.store.SaveConversation(&conv)
	if err != nil {
		return nil, err
	}
	return ucs.IDReply{ID: saved.ConversationID}, nil
}

func (s *Server) queryConversations(_ context.Context, cmd ucs.Command) (any, error) {
	filters, err := decodeFilters(cmd.Arg(1))
	if err != nil {
		return nil, err
	}
	return s.store.QueryConversations(cmd.Arg(0), filters)
}

// retrieveConversation answers with the conversation and a page of its
// messages. Arguments are id, from and count; the last two are optional.
func (s *Server) retrieveConversation(_ context.Context, cmd ucs.Command) (any, error) {
	id := cmd.Arg(0)
	conv, ok := s.store.GetConversationByID(id)
	if !ok {
		if !s.store.IsKnownConversation(id) {
			return nil, ucs.Errorf(ucs.KindInvalidConversation, "conversation %q is unknown", id)
		}
		conv = &ucs.Conversation{ConversationID: id}
	}
	from, err := optionalInt(cmd.Arg(1), "from")
	if err != nil {
		return nil, err
	}
	count, err := optionalInt(cmd.Arg(2), "count")
	if err != nil {
		return nil, err
	}
	msgs := s.store.ListMessagesByConversationID(id, from, count)
	if msgs == nil {
		msgs = []ucs.Message{}
	}
	return ucs.ConversationInfo{Conversation: *conv, Messages: msgs}, nil
}

func decodeFilters(raw string) ([]ucs.QueryFilter, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var filters []ucs.QueryFilter
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return nil, ucs.Wrap(ucs.KindInvalidQuery, "filters are not a json array", err)
	}
	return filters, nil
}

func optionalInt(raw, name string) (*int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return nil, ucs.Errorf(ucs.KindInvalidInput, "%s must be a non-negative integer, got %q", name, raw)
	}
	return &n, nil
}
