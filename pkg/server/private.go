package server

import (
	"fmt"
	"strings"

	"github.com/parleychat/parley/pkg/protocol"
)

// handleStartPrivate drives the two-phase private-channel handshake.
// Receiver: the peer. Empty body = a fresh request; "yes"/"no" = the
// answer to a pending invite.
func (s *Server) handleStartPrivate(sess *Session, env *protocol.Envelope) error {
	if env.Receiver == "" {
		return s.sendUsage(sess, "startprivate <user> [yes|no]")
	}

	switch strings.ToLower(strings.TrimSpace(env.Body)) {
	case "":
		return s.handlePrivateRequest(sess, env.Receiver)
	case "yes":
		return s.handlePrivateAnswer(sess, env.Receiver, true)
	case "no":
		return s.handlePrivateAnswer(sess, env.Receiver, false)
	default:
		return s.sendUsage(sess, "startprivate <user> [yes|no]")
	}
}

// handlePrivateRequest validates the requester's eligibility and relays an
// invite to the target's main session
func (s *Server) handlePrivateRequest(sess *Session, target string) error {
	requester := sess.Username()

	reply := func(status string) error {
		return s.send(sess, &protocol.Envelope{
			Type:   protocol.TypeStartPrivate,
			Sender: protocol.SenderServer,
			Body:   "REQUEST " + status,
		})
	}

	switch {
	case target == requester:
		return reply(protocol.StatusSelf)
	case !s.dir.Exists(target):
		return reply(protocol.StatusUsername)
	case s.dir.HasBlocked(target, requester):
		return reply(protocol.StatusBlocked)
	}

	targetSess, ok := s.registry.FindByUser(target)
	if !ok {
		return reply(protocol.StatusOffline)
	}

	invite := &protocol.Envelope{
		Type:     protocol.TypeStartPrivate,
		Sender:   requester,
		Receiver: target,
		Body:     "INVITE " + requester,
	}
	if err := s.send(targetSess, invite); err != nil {
		debugLog.Printf("Session %d: invite delivery to %s failed: %v", sess.ID, target, err)
		return reply(protocol.StatusOffline)
	}

	return reply("SENT")
}

// handlePrivateAnswer resolves a pending invite. On yes the broker mints a
// capability (side-channel port + token) and hands it to both peers; each
// then dials the broker on its own and the routing engine steps out of the
// path. On no only the requester is notified; the responder already knows.
func (s *Server) handlePrivateAnswer(sess *Session, requester string, accepted bool) error {
	responder := sess.Username()

	requesterSess, ok := s.registry.FindByUser(requester)
	if !ok {
		return s.send(sess, &protocol.Envelope{
			Type:   protocol.TypeStartPrivate,
			Sender: protocol.SenderServer,
			Body:   "REQUEST " + protocol.StatusOffline + " " + requester,
		})
	}

	if !accepted {
		return s.send(requesterSess, &protocol.Envelope{
			Type:   protocol.TypeStartPrivate,
			Sender: protocol.SenderServer,
			Body:   "REQUEST FAIL " + responder,
		})
	}

	token, err := s.broker.CreateLink(requester, responder)
	if err != nil {
		errorLog.Printf("Session %d: failed to create private link: %v", sess.ID, err)
		return s.send(sess, &protocol.Envelope{
			Type:   protocol.TypeServerNotice,
			Sender: protocol.SenderServer,
			Body:   "private channel setup failed, try again later.",
		})
	}
	s.metrics.RecordPrivateLinkCreated()

	capability := fmt.Sprintf("%d %s", s.broker.Port(), token)

	if err := s.send(requesterSess, &protocol.Envelope{
		Type:   protocol.TypeStartPrivate,
		Sender: protocol.SenderServer,
		Body:   "REQUEST " + protocol.StatusSuccess + " " + responder + " " + capability,
	}); err != nil {
		debugLog.Printf("Session %d: capability delivery to %s failed: %v", sess.ID, requester, err)
	}

	return s.send(sess, &protocol.Envelope{
		Type:   protocol.TypeStartPrivate,
		Sender: protocol.SenderServer,
		Body:   "RESPONSE YES " + requester + " " + capability,
	})
}
