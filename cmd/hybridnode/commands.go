package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"

	"go.uber.org/zap"
)

const (
	commandTimeout = 15 * time.Second
	historyLimit   = 20
)

// host is the part of the Messenger the command loop drives.
type host interface {
	Send(ctx context.Context, msg domain.OutboundMessage) (domain.SendResult, error)
	StartCall(ctx context.Context, peer domain.PeerID) (domain.CallSession, error)
	AcceptCall(ctx context.Context) (domain.CallSession, error)
	RejectCall(ctx context.Context) error
	Hangup(ctx context.Context) error
	History(ctx context.Context, peer domain.PeerID, limit, offset int) ([]*domain.MessageRecord, error)
	SetStatus(ctx context.Context, status string) error
}

const usage = `commands:
  send <peer> <text>
  call <peer>
  accept
  reject
  hangup
  history <peer>
  status <text>`

// runCommands executes one command per input line until the input ends or
// ctx is cancelled.
func runCommands(ctx context.Context, in *bufio.Scanner, h host, out io.Writer, log *zap.SugaredLogger) {
	for in.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		err := execute(cmdCtx, h, line, out)
		cancel()
		if err != nil {
			log.Warnw("command failed", "command", line, "error", err)
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	if err := in.Err(); err != nil {
		log.Warnw("reading commands failed", "error", err)
	}
}

func execute(ctx context.Context, h host, line string, out io.Writer) error {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "send":
		peer, text, ok := strings.Cut(rest, " ")
		if !ok || peer == "" || strings.TrimSpace(text) == "" {
			return fmt.Errorf("usage: send <peer> <text>")
		}
		res, err := h.Send(ctx, domain.OutboundMessage{To: domain.PeerID(peer), Content: text})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sent %s via %s\n", res.ID, res.Method)

	case "call":
		if rest == "" {
			return fmt.Errorf("usage: call <peer>")
		}
		session, err := h.StartCall(ctx, domain.PeerID(rest))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "calling %s (%s)\n", session.Peer, session.ID)

	case "accept":
		session, err := h.AcceptCall(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "accepted call %s from %s\n", session.ID, session.Peer)

	case "reject":
		return h.RejectCall(ctx)

	case "hangup":
		return h.Hangup(ctx)

	case "history":
		if rest == "" {
			return fmt.Errorf("usage: history <peer>")
		}
		records, err := h.History(ctx, domain.PeerID(rest), historyLimit, 0)
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Fprintf(out, "%s %s -> %s [%s] %s\n",
				rec.Timestamp.Format(time.TimeOnly), rec.From, rec.To, rec.Method, rec.Content)
		}

	case "status":
		if rest == "" {
			return fmt.Errorf("usage: status <text>")
		}
		return h.SetStatus(ctx, rest)

	case "help":
		fmt.Fprintln(out, usage)

	default:
		return fmt.Errorf("unknown command %q", name)
	}
	return nil
}

// logNotifications writes every host notification to the log until the
// stream closes or ctx is cancelled.
func logNotifications(ctx context.Context, notifications <-chan domain.Notification, log *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			logNotification(n, log)
		}
	}
}

func logNotification(n domain.Notification, log *zap.SugaredLogger) {
	switch n := n.(type) {
	case domain.MessageReceived:
		log.Infow("message received",
			"id", n.Message.ID,
			"from", n.Message.From,
			"method", n.Message.Method,
			"content", n.Message.Content,
		)
	case domain.PresenceChanged:
		log.Infow("presence changed",
			"peer", n.Record.Peer,
			"online", n.Record.Online,
			"status", n.Record.Status,
			"supports_direct", n.Record.SupportsDirect,
		)
	case domain.LinkStateChanged:
		if n.Err != nil {
			log.Warnw("direct link failed", "peer", n.Peer, "state", n.State, "error", n.Err)
			return
		}
		log.Infow("direct link state", "peer", n.Peer, "state", n.State)
	case domain.ChannelStateChanged:
		if n.Failed {
			log.Errorw("signaling channel gave up reconnecting", "state", n.State)
			return
		}
		log.Infow("signaling channel state", "state", n.State)
	case domain.IncomingCall:
		log.Infow("incoming call, type accept or reject", "call_id", n.CallID, "peer", n.Peer, "encrypted", n.Encrypted)
	case domain.CallStateChanged:
		fields := []any{"call_id", n.Session.ID, "peer", n.Session.Peer, "state", n.Session.State}
		if n.Err != nil {
			log.Warnw("call state", append(fields, "error", n.Err)...)
			return
		}
		log.Infow("call state", fields...)
	case domain.CallRecorded:
		log.Infow("call recorded",
			"call_id", n.Record.CallID,
			"peer", n.Record.Peer,
			"status", n.Record.Status,
			"duration", n.Record.Duration,
		)
	}
}
