package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/parleychat/parley/pkg/directory"
	"github.com/parleychat/parley/pkg/protocol"
)

// handleEnvelope dispatches one envelope. The closed type set is decoded at
// the transport boundary, so dispatch is a single switch. Returns done=true
// when the session should terminate (exit acknowledged).
func (s *Server) handleEnvelope(sess *Session, env *protocol.Envelope) (bool, error) {
	authed := sess.Username() != ""

	switch env.Type {
	case protocol.TypeLogin:
		if authed {
			// Already bound; no state change
			return false, nil
		}
		return false, s.handleLogin(sess, env)
	case protocol.TypeRegister:
		if authed {
			return false, nil
		}
		return false, s.handleRegister(sess, env)
	case protocol.TypeExit:
		return true, s.handleExit(sess)
	}

	if !authed {
		// Anything else from an unauthenticated session is rejected with
		// no state change
		debugLog.Printf("Session %d: dropped %s while unauthenticated", sess.ID, protocol.TypeName(env.Type))
		return false, nil
	}

	switch env.Type {
	case protocol.TypeDirectMessage:
		return false, s.handleDirectMessage(sess, env)
	case protocol.TypeBroadcast:
		return false, s.handleBroadcast(sess, env)
	case protocol.TypeWhoElse:
		return false, s.handleWhoElse(sess)
	case protocol.TypeWhoElseSince:
		return false, s.handleWhoElseSince(sess, env)
	case protocol.TypeBlock:
		return false, s.handleBlock(sess, env)
	case protocol.TypeUnblock:
		return false, s.handleUnblock(sess, env)
	case protocol.TypeLogout:
		return false, s.handleLogout(sess)
	case protocol.TypeStartPrivate:
		return false, s.handleStartPrivate(sess, env)
	default:
		debugLog.Printf("Session %d: unknown envelope type 0x%02X", sess.ID, env.Type)
		return false, nil
	}
}

// handleLogin evaluates a login attempt. Body: "<username> <password>".
func (s *Server) handleLogin(sess *Session, env *protocol.Envelope) error {
	fields := strings.Fields(env.Body)
	if len(fields) != 2 {
		return s.sendUsage(sess, "login <username> <password>")
	}
	username, password := fields[0], fields[1]

	result := s.dir.Login(username, password, time.Now())

	var status string
	switch result {
	case directory.LoginUnknownUser:
		status = protocol.StatusUsername
	case directory.LoginStillBlocked, directory.LoginNowBlocked:
		status = protocol.StatusBlocked
	case directory.LoginAlreadyOnline:
		status = protocol.StatusOnline
	case directory.LoginWrongPassword:
		status = protocol.StatusPassword
	case directory.LoginSuccess:
		status = protocol.StatusSuccess
	}
	s.metrics.RecordLoginAttempt(status)

	if err := s.send(sess, &protocol.Envelope{
		Type:   protocol.TypeLogin,
		Sender: protocol.SenderServer,
		Body:   username + " " + status,
	}); err != nil {
		if result == directory.LoginSuccess {
			// The winner never bound; release the account
			s.dir.Logout(username)
		}
		return err
	}

	if result == directory.LoginSuccess {
		s.registry.Bind(sess, username)
		s.announceLogin(sess, username)
	}
	return nil
}

// handleRegister creates a new account. Body: "<username> <password>".
func (s *Server) handleRegister(sess *Session, env *protocol.Envelope) error {
	fields := strings.Fields(env.Body)
	if len(fields) != 2 {
		return s.sendUsage(sess, "register <username> <password>")
	}
	username, password := fields[0], fields[1]

	created, err := s.dir.Register(username, password, time.Now())
	if err != nil {
		errorLog.Printf("Session %d: registration failed: %v", sess.ID, err)
		return s.send(sess, &protocol.Envelope{
			Type:   protocol.TypeServerNotice,
			Sender: protocol.SenderServer,
			Body:   "registration failed, try again later.",
		})
	}

	status := protocol.StatusUsername
	if created {
		status = protocol.StatusSuccess
	}

	if err := s.send(sess, &protocol.Envelope{
		Type:   protocol.TypeRegister,
		Sender: protocol.SenderServer,
		Body:   username + " " + status,
	}); err != nil {
		if created {
			s.dir.Logout(username)
		}
		return err
	}

	if created {
		s.registry.Bind(sess, username)
		s.announceLogin(sess, username)
	}
	return nil
}

// announceLogin broadcasts presence and delivers the offline digest after a
// successful login or registration
func (s *Server) announceLogin(sess *Session, username string) {
	s.broadcastPresence(username, "online")
	if err := s.send(sess, s.offlineDigest(username)); err != nil {
		debugLog.Printf("Session %d: failed to deliver offline digest: %v", sess.ID, err)
	}
}

// handleLogout unbinds the session and returns it to the unauthenticated
// state; the connection stays open for a following login or register.
func (s *Server) handleLogout(sess *Session) error {
	username := sess.Username()
	s.dir.Logout(username)
	s.registry.Unbind(sess)
	s.broadcastPresence(username, "offline")
	return nil
}

// handleExit acknowledges termination before the stream closes
func (s *Server) handleExit(sess *Session) error {
	return s.send(sess, &protocol.Envelope{
		Type:   protocol.TypeExit,
		Sender: protocol.SenderServer,
		Body:   "N/A",
	})
}

// handleDirectMessage routes one direct message. Receiver: target username,
// Body: message text.
func (s *Server) handleDirectMessage(sess *Session, env *protocol.Envelope) error {
	if env.Receiver == "" {
		return s.sendUsage(sess, "message <user> <text>")
	}
	if s.config.MaxMessageLength > 0 && len(env.Body) > s.config.MaxMessageLength {
		return s.send(sess, &protocol.Envelope{
			Type:   protocol.TypeServerNotice,
			Sender: protocol.SenderServer,
			Body:   fmt.Sprintf("message too long (max %d bytes).", s.config.MaxMessageLength),
		})
	}
	return s.sendDirect(sess, env.Receiver, env.Body)
}

// handleBroadcast fans a message out to every eligible online user
func (s *Server) handleBroadcast(sess *Session, env *protocol.Envelope) error {
	if env.Body == "" {
		return s.sendUsage(sess, "broadcast <text>")
	}
	if s.config.MaxMessageLength > 0 && len(env.Body) > s.config.MaxMessageLength {
		return s.send(sess, &protocol.Envelope{
			Type:   protocol.TypeServerNotice,
			Sender: protocol.SenderServer,
			Body:   fmt.Sprintf("message too long (max %d bytes).", s.config.MaxMessageLength),
		})
	}
	return s.broadcastMessage(sess, env.Body)
}

// handleWhoElse lists the other online users visible to the requester
func (s *Server) handleWhoElse(sess *Session) error {
	return s.send(sess, s.listOnline(sess))
}

// handleWhoElseSince lists users whose last login falls within the window.
// Body: window length in seconds.
func (s *Server) handleWhoElseSince(sess *Session, env *protocol.Envelope) error {
	seconds, err := strconv.ParseInt(strings.TrimSpace(env.Body), 10, 64)
	if err != nil || seconds < 0 {
		return s.sendUsage(sess, "whoelsesince <seconds>")
	}
	since := time.Now().Add(-time.Duration(seconds) * time.Second)
	return s.send(sess, s.listSince(sess, since))
}

// handleBlock adds the receiver to the requester's blocklist
func (s *Server) handleBlock(sess *Session, env *protocol.Envelope) error {
	if env.Receiver == "" {
		return s.sendUsage(sess, "block <user>")
	}

	var body string
	switch s.dir.Block(sess.Username(), env.Receiver) {
	case directory.BlocklistSelf:
		body = protocol.StatusSelf
	case directory.BlocklistUnknownUser:
		body = protocol.StatusUsername
	default:
		body = protocol.StatusSuccess + " " + env.Receiver
	}

	return s.send(sess, &protocol.Envelope{
		Type:   protocol.TypeBlock,
		Sender: protocol.SenderServer,
		Body:   body,
	})
}

// handleUnblock removes the receiver from the requester's blocklist
func (s *Server) handleUnblock(sess *Session, env *protocol.Envelope) error {
	if env.Receiver == "" {
		return s.sendUsage(sess, "unblock <user>")
	}

	var body string
	switch s.dir.Unblock(sess.Username(), env.Receiver) {
	case directory.BlocklistSelf:
		body = protocol.StatusSelf
	case directory.BlocklistUnknownUser:
		body = protocol.StatusUsername
	case directory.BlocklistNotBlocked:
		body = protocol.StatusUnblocked + " " + env.Receiver
	default:
		body = protocol.StatusSuccess + " " + env.Receiver
	}

	return s.send(sess, &protocol.Envelope{
		Type:   protocol.TypeUnblock,
		Sender: protocol.SenderServer,
		Body:   body,
	})
}

// sendUsage rejects a malformed command with a usage hint and no state change
func (s *Server) sendUsage(sess *Session, usage string) error {
	return s.send(sess, &protocol.Envelope{
		Type:   protocol.TypeServerNotice,
		Sender: protocol.SenderServer,
		Body:   "usage: " + usage,
	})
}
