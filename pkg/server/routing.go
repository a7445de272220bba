package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/parleychat/parley/pkg/directory"
	"github.com/parleychat/parley/pkg/protocol"
)

// Routing engine: stateless logic over the registry and directory, invoked
// by session handlers. Delivery to another session is always a push through
// that session's SafeConn; no handler ever reaches into a foreign session's
// state.

// sendDirect routes one direct message and reports the outcome back to the
// sender only.
func (s *Server) sendDirect(sess *Session, target, body string) error {
	sender := sess.Username()

	reply := func(status string) error {
		return s.send(sess, &protocol.Envelope{
			Type:   protocol.TypeDirectMessage,
			Sender: protocol.SenderServer,
			Body:   status,
		})
	}

	switch {
	case sender == target:
		return reply(protocol.StatusSelf)
	case !s.dir.Exists(target):
		return reply(protocol.StatusUsername)
	case s.dir.HasBlocked(target, sender):
		return reply(protocol.StatusBlocked + " " + target)
	case body == "":
		return reply(protocol.StatusEmpty)
	}

	env := &protocol.Envelope{
		Type:     protocol.TypeDirectMessage,
		Sender:   sender,
		Receiver: target,
		Body:     body,
	}

	if s.dir.StateOf(target) != directory.StateOnline {
		s.dir.QueueOffline(target, env)
		s.metrics.RecordMessageRouted("offline_queue")
		return reply(protocol.StatusOffline + " " + target)
	}

	targetSess, ok := s.registry.FindByUser(target)
	if !ok {
		// Login won the directory but hasn't bound yet, or the binding just
		// dropped; queue rather than lose the message
		s.dir.QueueOffline(target, env)
		s.metrics.RecordMessageRouted("offline_queue")
		return reply(protocol.StatusOffline + " " + target)
	}

	if err := s.send(targetSess, env); err != nil {
		debugLog.Printf("Session %d: direct delivery to %s failed: %v", sess.ID, target, err)
	}
	s.metrics.RecordMessageRouted("direct")
	return reply(protocol.StatusSuccess + " " + target)
}

// broadcastMessage fans a message out to every online user except the sender
// and anyone who has the sender blocklisted. Broadcasts are never queued for
// offline users. If anyone was filtered out, the sender gets an
// informational notice.
func (s *Server) broadcastMessage(sess *Session, body string) error {
	sender := sess.Username()
	env := &protocol.Envelope{
		Type:   protocol.TypeBroadcast,
		Sender: sender,
		Body:   body,
	}

	someoneBlocked := false
	for _, other := range s.registry.All() {
		username := other.Username()
		if username == "" || username == sender {
			continue
		}
		if s.dir.HasBlocked(username, sender) {
			someoneBlocked = true
			continue
		}
		if err := s.send(other, env); err != nil {
			debugLog.Printf("Session %d: broadcast delivery to %s failed: %v", other.ID, username, err)
		}
	}
	s.metrics.RecordMessageRouted("broadcast")

	if someoneBlocked {
		return s.send(sess, &protocol.Envelope{
			Type:   protocol.TypeServerNotice,
			Sender: protocol.SenderServer,
			Body:   "the message is successfully sent to most users except for some.",
		})
	}
	return nil
}

// broadcastPresence notifies every other bound session that a user came
// online or went offline, skipping sessions whose user has the subject
// blocklisted.
func (s *Server) broadcastPresence(username, kind string) {
	env := &protocol.Envelope{
		Type:   protocol.TypePresence,
		Sender: protocol.SenderServer,
		Body:   username + " is " + kind,
	}

	delivered := 0
	for _, other := range s.registry.All() {
		otherName := other.Username()
		if otherName == "" || otherName == username {
			continue
		}
		if s.dir.HasBlocked(otherName, username) {
			continue
		}
		if err := s.send(other, env); err != nil {
			debugLog.Printf("Session %d: presence delivery to %s failed: %v", other.ID, otherName, err)
			continue
		}
		delivered++
	}
	s.metrics.RecordPresenceFanout(delivered)
}

// listOnline builds the whoelse digest: every other online user who has not
// blocklisted the requester.
func (s *Server) listOnline(sess *Session) *protocol.Envelope {
	requester := sess.Username()

	var names []string
	for _, other := range s.registry.All() {
		username := other.Username()
		if username == "" || username == requester {
			continue
		}
		if s.dir.HasBlocked(username, requester) {
			continue
		}
		if s.dir.StateOf(username) != directory.StateOnline {
			continue
		}
		names = append(names, username)
	}
	sort.Strings(names)

	body := fmt.Sprintf("%d other user(s) are currently online.%s", len(names), indentLines(names))
	return &protocol.Envelope{
		Type:   protocol.TypeWhoElse,
		Sender: protocol.SenderServer,
		Body:   body,
	}
}

// listSince builds the whoelsesince digest over the full directory
func (s *Server) listSince(sess *Session, since time.Time) *protocol.Envelope {
	names := s.dir.UsersSince(sess.Username(), since)

	body := fmt.Sprintf("%d other user(s) are online since %s.%s",
		len(names), since.Format("2006-01-02 15:04:05"), indentLines(names))
	return &protocol.Envelope{
		Type:   protocol.TypeWhoElseSince,
		Sender: protocol.SenderServer,
		Body:   body,
	}
}

// offlineDigest drains the requester's offline queue into a readable digest.
// The drain is destructive: messages are delivered at most once.
func (s *Server) offlineDigest(username string) *protocol.Envelope {
	queued := s.dir.DrainOffline(username)

	body := "NONE"
	if len(queued) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "you have %d unread messages.", len(queued))
		for _, env := range queued {
			fmt.Fprintf(&b, "\n   %s: %s", env.Sender, env.Body)
		}
		body = b.String()
	}

	return &protocol.Envelope{
		Type:   protocol.TypeOfflineDigest,
		Sender: protocol.SenderServer,
		Body:   body,
	}
}

func indentLines(names []string) string {
	var b strings.Builder
	for _, name := range names {
		b.WriteString("\n    ")
		b.WriteString(name)
	}
	return b.String()
}
