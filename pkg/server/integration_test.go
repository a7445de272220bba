package server

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/parleychat/parley/pkg/protocol"
)

// Integration test helpers

// testConfig returns a config suitable for tests: random ports, credentials
// in a temp dir, idle timeout disabled.
func testConfig(t *testing.T) ServerConfig {
	t.Helper()

	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.PrivatePort = 0
	cfg.CredentialsPath = t.TempDir() + "/credentials.txt"
	cfg.IdleTimeout = 0
	return cfg
}

// startTestServer starts a real server on random ports and returns the
// server and its TCP address
func startTestServer(t *testing.T, config ServerConfig) (*Server, string) {
	t.Helper()

	srv, err := NewServer(config)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	// Silence loggers for test runs
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)

	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	addr := srv.listener.Addr().String()

	t.Cleanup(func() {
		srv.Stop()
	})

	return srv, addr
}

// testClient is a raw protocol client for exercising the server end to end
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(env *protocol.Envelope) {
	c.t.Helper()

	if err := protocol.WriteEnvelope(c.conn, env); err != nil {
		c.t.Fatalf("Failed to send envelope: %v", err)
	}
}

func (c *testClient) read(timeout time.Duration) (*protocol.Envelope, error) {
	c.t.Helper()

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	env, err := protocol.ReadEnvelope(c.conn)
	c.conn.SetReadDeadline(time.Time{})
	return env, err
}

// expect reads until an envelope of the wanted type arrives, skipping
// presence notifications that interleave with direct replies
func (c *testClient) expect(envType uint8) *protocol.Envelope {
	c.t.Helper()

	for {
		env, err := c.read(2 * time.Second)
		if err != nil {
			c.t.Fatalf("Failed to read envelope (waiting for %s): %v", protocol.TypeName(envType), err)
		}
		if env.Type == protocol.TypePresence && envType != protocol.TypePresence {
			continue
		}
		if env.Type != envType {
			c.t.Fatalf("Expected envelope type %s, got %s (body %q)",
				protocol.TypeName(envType), protocol.TypeName(env.Type), env.Body)
		}
		return env
	}
}

func (c *testClient) expectBody(envType uint8, body string) {
	c.t.Helper()

	env := c.expect(envType)
	if env.Body != body {
		c.t.Fatalf("Expected body %q, got %q", body, env.Body)
	}
}

// register creates an account and consumes the success reply and the
// (empty) offline digest
func (c *testClient) register(username, password string) {
	c.t.Helper()

	c.send(&protocol.Envelope{Type: protocol.TypeRegister, Body: username + " " + password})
	c.expectBody(protocol.TypeRegister, username+" "+protocol.StatusSuccess)
	c.expect(protocol.TypeOfflineDigest)
}

func (c *testClient) login(username, password string) *protocol.Envelope {
	c.t.Helper()

	c.send(&protocol.Envelope{Type: protocol.TypeLogin, Body: username + " " + password})
	return c.expect(protocol.TypeLogin)
}

// logout returns the session to the unauthenticated state; there is no ack
func (c *testClient) logout() {
	c.t.Helper()
	c.send(&protocol.Envelope{Type: protocol.TypeLogout})
}

// Journey tests

func TestRegisterLoginJourney(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	client := dialClient(t, addr)
	client.send(&protocol.Envelope{Type: protocol.TypeRegister, Body: "alice secret"})
	client.expectBody(protocol.TypeRegister, "alice SUCCESS")
	client.expectBody(protocol.TypeOfflineDigest, "NONE")

	// Duplicate registration from a second connection
	other := dialClient(t, addr)
	other.send(&protocol.Envelope{Type: protocol.TypeRegister, Body: "alice whatever"})
	other.expectBody(protocol.TypeRegister, "alice USERNAME")

	client.send(&protocol.Envelope{Type: protocol.TypeExit})
	client.expectBody(protocol.TypeExit, "N/A")
}

func TestLoginThreeStrikesBlocks(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	client := dialClient(t, addr)
	client.register("bob", "secret")
	client.logout()

	for i := 0; i < 2; i++ {
		env := client.login("bob", "wrong")
		if env.Body != "bob PASSWORD" {
			t.Fatalf("Attempt %d: expected %q, got %q", i+1, "bob PASSWORD", env.Body)
		}
	}

	// Third strike blocks the account
	env := client.login("bob", "wrong")
	if env.Body != "bob BLOCKED" {
		t.Fatalf("Expected %q, got %q", "bob BLOCKED", env.Body)
	}

	// The correct password is also rejected during the cooldown
	env = client.login("bob", "secret")
	if env.Body != "bob BLOCKED" {
		t.Fatalf("Expected %q, got %q", "bob BLOCKED", env.Body)
	}
}

func TestLoginRejectsSecondSession(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	first := dialClient(t, addr)
	first.register("alice", "secret")

	second := dialClient(t, addr)
	env := second.login("alice", "secret")
	if env.Body != "alice ONLINE" {
		t.Fatalf("Expected %q, got %q", "alice ONLINE", env.Body)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	client := dialClient(t, addr)
	env := client.login("nobody", "secret")
	if env.Body != "nobody USERNAME" {
		t.Fatalf("Expected %q, got %q", "nobody USERNAME", env.Body)
	}
}

func TestDirectMessageDelivery(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	alice.send(&protocol.Envelope{
		Type:     protocol.TypeDirectMessage,
		Receiver: "bob",
		Body:     "hello there",
	})
	alice.expectBody(protocol.TypeDirectMessage, "SUCCESS bob")

	env := bob.expect(protocol.TypeDirectMessage)
	if env.Sender != "alice" || env.Body != "hello there" {
		t.Fatalf("Expected message from alice %q, got from %s %q", "hello there", env.Sender, env.Body)
	}
}

func TestDirectMessageValidation(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	// Self
	alice.send(&protocol.Envelope{Type: protocol.TypeDirectMessage, Receiver: "alice", Body: "hi"})
	alice.expectBody(protocol.TypeDirectMessage, "SELF")

	// Unknown target
	alice.send(&protocol.Envelope{Type: protocol.TypeDirectMessage, Receiver: "ghost", Body: "hi"})
	alice.expectBody(protocol.TypeDirectMessage, "USERNAME")

	// Empty body
	bob := dialClient(t, addr)
	bob.register("bob", "secret")
	alice.send(&protocol.Envelope{Type: protocol.TypeDirectMessage, Receiver: "bob"})
	alice.expectBody(protocol.TypeDirectMessage, "EMPTY")
}

func TestDirectMessageBlockedTarget(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	bob.send(&protocol.Envelope{Type: protocol.TypeBlock, Receiver: "alice"})
	bob.expectBody(protocol.TypeBlock, "SUCCESS alice")

	alice.send(&protocol.Envelope{Type: protocol.TypeDirectMessage, Receiver: "bob", Body: "hi"})
	alice.expectBody(protocol.TypeDirectMessage, "BLOCKED bob")
}

func TestOfflineQueueDeliveredOnLogin(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	bob := dialClient(t, addr)
	bob.register("bob", "secret")
	bob.logout()

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	alice.send(&protocol.Envelope{Type: protocol.TypeDirectMessage, Receiver: "bob", Body: "first"})
	alice.expectBody(protocol.TypeDirectMessage, "OFFLINE bob")
	alice.send(&protocol.Envelope{Type: protocol.TypeDirectMessage, Receiver: "bob", Body: "second"})
	alice.expectBody(protocol.TypeDirectMessage, "OFFLINE bob")

	env := bob.login("bob", "secret")
	if env.Body != "bob SUCCESS" {
		t.Fatalf("Expected %q, got %q", "bob SUCCESS", env.Body)
	}
	bob.expectBody(protocol.TypeOfflineDigest,
		"you have 2 unread messages.\n   alice: first\n   alice: second")

	// The drain is destructive: a second login sees an empty queue
	bob.logout()
	bob.login("bob", "secret")
	bob.expectBody(protocol.TypeOfflineDigest, "NONE")
}

func TestBroadcastSkipsBlockers(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	carol := dialClient(t, addr)
	carol.register("carol", "secret")

	bob.send(&protocol.Envelope{Type: protocol.TypeBlock, Receiver: "alice"})
	bob.expectBody(protocol.TypeBlock, "SUCCESS alice")

	alice.send(&protocol.Envelope{Type: protocol.TypeBroadcast, Body: "hello everyone"})

	env := carol.expect(protocol.TypeBroadcast)
	if env.Sender != "alice" || env.Body != "hello everyone" {
		t.Fatalf("Expected broadcast from alice, got from %s %q", env.Sender, env.Body)
	}

	// The sender learns the fan-out was partial
	alice.expectBody(protocol.TypeServerNotice,
		"the message is successfully sent to most users except for some.")
}

func TestWhoElse(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	alice.send(&protocol.Envelope{Type: protocol.TypeWhoElse})
	alice.expectBody(protocol.TypeWhoElse, "1 other user(s) are currently online.\n    bob")

	// A user who blocklisted the requester is invisible to them
	bob.send(&protocol.Envelope{Type: protocol.TypeBlock, Receiver: "alice"})
	bob.expectBody(protocol.TypeBlock, "SUCCESS alice")

	alice.send(&protocol.Envelope{Type: protocol.TypeWhoElse})
	alice.expectBody(protocol.TypeWhoElse, "0 other user(s) are currently online.")
}

func TestWhoElseSince(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	bob := dialClient(t, addr)
	bob.register("bob", "secret")
	bob.logout()

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	alice.send(&protocol.Envelope{Type: protocol.TypeWhoElseSince, Body: "3600"})
	env := alice.expect(protocol.TypeWhoElseSince)
	if !strings.HasPrefix(env.Body, "1 other user(s) are online since ") {
		t.Fatalf("Unexpected whoelsesince body: %q", env.Body)
	}
	if !strings.HasSuffix(env.Body, "\n    bob") {
		t.Fatalf("Expected bob in whoelsesince listing, got: %q", env.Body)
	}

	// Malformed window
	alice.send(&protocol.Envelope{Type: protocol.TypeWhoElseSince, Body: "soon"})
	alice.expectBody(protocol.TypeServerNotice, "usage: whoelsesince <seconds>")
}

func TestBlockUnblockStatuses(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	alice.send(&protocol.Envelope{Type: protocol.TypeBlock, Receiver: "alice"})
	alice.expectBody(protocol.TypeBlock, "SELF")

	alice.send(&protocol.Envelope{Type: protocol.TypeBlock, Receiver: "ghost"})
	alice.expectBody(protocol.TypeBlock, "USERNAME")

	alice.send(&protocol.Envelope{Type: protocol.TypeBlock, Receiver: "bob"})
	alice.expectBody(protocol.TypeBlock, "SUCCESS bob")

	alice.send(&protocol.Envelope{Type: protocol.TypeUnblock, Receiver: "bob"})
	alice.expectBody(protocol.TypeUnblock, "SUCCESS bob")

	alice.send(&protocol.Envelope{Type: protocol.TypeUnblock, Receiver: "bob"})
	alice.expectBody(protocol.TypeUnblock, "UNBLOCKED bob")
}

func TestPresenceNotifications(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	env := alice.expect(protocol.TypePresence)
	if env.Body != "bob is online" {
		t.Fatalf("Expected %q, got %q", "bob is online", env.Body)
	}

	bob.logout()
	env = alice.expect(protocol.TypePresence)
	if env.Body != "bob is offline" {
		t.Fatalf("Expected %q, got %q", "bob is offline", env.Body)
	}
}

func TestPresenceSkipsBlockers(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	carol := dialClient(t, addr)
	carol.register("carol", "secret")

	// Drain the presence bob saw when carol came online
	env := bob.expect(protocol.TypePresence)
	if env.Body != "carol is online" {
		t.Fatalf("Expected %q, got %q", "carol is online", env.Body)
	}

	bob.send(&protocol.Envelope{Type: protocol.TypeBlock, Receiver: "alice"})
	bob.expectBody(protocol.TypeBlock, "SUCCESS alice")

	// Alice's presence changes reach carol but never bob
	alice.logout()
	env = carol.expect(protocol.TypePresence)
	if env.Body != "alice is offline" {
		t.Fatalf("Expected %q, got %q", "alice is offline", env.Body)
	}

	alice.login("alice", "secret")
	env = carol.expect(protocol.TypePresence)
	if env.Body != "alice is online" {
		t.Fatalf("Expected %q, got %q", "alice is online", env.Body)
	}

	if env, err := bob.read(300 * time.Millisecond); err == nil {
		t.Fatalf("Expected no presence for blocker, got %s %q",
			protocol.TypeName(env.Type), env.Body)
	}
}

func TestStartPrivateValidation(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	alice.send(&protocol.Envelope{Type: protocol.TypeStartPrivate, Receiver: "alice"})
	alice.expectBody(protocol.TypeStartPrivate, "REQUEST SELF")

	alice.send(&protocol.Envelope{Type: protocol.TypeStartPrivate, Receiver: "ghost"})
	alice.expectBody(protocol.TypeStartPrivate, "REQUEST USERNAME")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")
	bob.logout()

	alice.send(&protocol.Envelope{Type: protocol.TypeStartPrivate, Receiver: "bob"})
	alice.expectBody(protocol.TypeStartPrivate, "REQUEST OFFLINE")
}

func TestStartPrivateBlockedRequester(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	bob.send(&protocol.Envelope{Type: protocol.TypeBlock, Receiver: "alice"})
	bob.expectBody(protocol.TypeBlock, "SUCCESS alice")

	alice.send(&protocol.Envelope{Type: protocol.TypeStartPrivate, Receiver: "bob"})
	alice.expectBody(protocol.TypeStartPrivate, "REQUEST BLOCKED")
}

func TestStartPrivateDeclined(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	alice.send(&protocol.Envelope{Type: protocol.TypeStartPrivate, Receiver: "bob"})
	alice.expectBody(protocol.TypeStartPrivate, "REQUEST SENT")

	env := bob.expect(protocol.TypeStartPrivate)
	if env.Body != "INVITE alice" {
		t.Fatalf("Expected %q, got %q", "INVITE alice", env.Body)
	}

	bob.send(&protocol.Envelope{Type: protocol.TypeStartPrivate, Receiver: "alice", Body: "no"})
	alice.expectBody(protocol.TypeStartPrivate, "REQUEST FAIL bob")
}

// TestStartPrivateJourney walks the full handshake: invite, accept,
// capability delivery, side-channel claims, relay, graceful stop.
func TestStartPrivateJourney(t *testing.T) {
	srv, addr := startTestServer(t, testConfig(t))

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	alice.send(&protocol.Envelope{Type: protocol.TypeStartPrivate, Receiver: "bob"})
	alice.expectBody(protocol.TypeStartPrivate, "REQUEST SENT")

	invite := bob.expect(protocol.TypeStartPrivate)
	if invite.Sender != "alice" || invite.Body != "INVITE alice" {
		t.Fatalf("Unexpected invite: sender %s body %q", invite.Sender, invite.Body)
	}

	bob.send(&protocol.Envelope{Type: protocol.TypeStartPrivate, Receiver: "alice", Body: "yes"})

	grant := alice.expect(protocol.TypeStartPrivate)
	fields := strings.Fields(grant.Body)
	if len(fields) != 5 || fields[0] != "REQUEST" || fields[1] != "SUCCESS" || fields[2] != "bob" {
		t.Fatalf("Unexpected capability grant: %q", grant.Body)
	}
	port, token := fields[3], fields[4]

	granted := bob.expect(protocol.TypeStartPrivate)
	if granted.Body != "RESPONSE YES alice "+port+" "+token {
		t.Fatalf("Peer capability mismatch: %q", granted.Body)
	}

	if fmt.Sprintf("%d", srv.broker.Port()) != port {
		t.Fatalf("Capability port %s does not match broker port %d", port, srv.broker.Port())
	}

	// Both peers claim the link on the side channel
	aliceSide := dialSideChannel(t, port, token, "alice")
	bobSide := dialSideChannel(t, port, token, "bob")

	if _, err := aliceSide.Write([]byte("hey bob\n")); err != nil {
		t.Fatalf("Side-channel write failed: %v", err)
	}
	assertLine(t, bobSide, "hey bob")

	if _, err := bobSide.Write([]byte("hey alice\n")); err != nil {
		t.Fatalf("Side-channel write failed: %v", err)
	}
	assertLine(t, aliceSide, "hey alice")

	// Stop sentinel is forwarded, then the link is torn down
	if _, err := aliceSide.Write([]byte("stop\n")); err != nil {
		t.Fatalf("Side-channel write failed: %v", err)
	}
	assertLine(t, bobSide, "stop")

	bobSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(bobSide).ReadString('\n'); err == nil {
		t.Fatal("Expected side channel to close after stop")
	}
}

func dialSideChannel(t *testing.T, port, token, username string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatalf("Failed to dial side channel: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := fmt.Fprintf(conn, "%s %s\n", token, username); err != nil {
		t.Fatalf("Failed to identify on side channel: %v", err)
	}
	return conn
}

func assertLine(t *testing.T, conn net.Conn, want string) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read side-channel line: %v", err)
	}
	conn.SetReadDeadline(time.Time{})

	if got := strings.TrimRight(line, "\r\n"); got != want {
		t.Fatalf("Expected line %q, got %q", want, got)
	}
}

func TestIdleTimeoutForcesLogout(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = 200 * time.Millisecond
	_, addr := startTestServer(t, cfg)

	client := dialClient(t, addr)
	client.register("alice", "secret")

	env := client.expect(protocol.TypeTimeout)
	if env.Body != "you have logged out due to inactivity." {
		t.Fatalf("Unexpected timeout notice: %q", env.Body)
	}

	// The connection survives; a fresh login works
	result := client.login("alice", "secret")
	if result.Body != "alice SUCCESS" {
		t.Fatalf("Expected relogin to succeed, got %q", result.Body)
	}
}

func TestUnauthenticatedCommandsDropped(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	client := dialClient(t, addr)
	client.send(&protocol.Envelope{Type: protocol.TypeWhoElse})

	if env, err := client.read(300 * time.Millisecond); err == nil {
		t.Fatalf("Expected no reply before authentication, got %s %q",
			protocol.TypeName(env.Type), env.Body)
	}

	// Exit still works without authentication
	client.send(&protocol.Envelope{Type: protocol.TypeExit})
	client.expectBody(protocol.TypeExit, "N/A")
}

func TestMessageTooLong(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxMessageLength = 10
	_, addr := startTestServer(t, cfg)

	alice := dialClient(t, addr)
	alice.register("alice", "secret")

	bob := dialClient(t, addr)
	bob.register("bob", "secret")

	alice.send(&protocol.Envelope{
		Type:     protocol.TypeDirectMessage,
		Receiver: "bob",
		Body:     "this message is clearly too long",
	})
	alice.expectBody(protocol.TypeServerNotice, "message too long (max 10 bytes).")
}

func TestDisconnectReleasesAccount(t *testing.T) {
	_, addr := startTestServer(t, testConfig(t))

	first := dialClient(t, addr)
	first.register("alice", "secret")
	first.conn.Close()

	// The abrupt disconnect must free the account for a new session
	second := dialClient(t, addr)
	var env *protocol.Envelope
	for i := 0; i < 20; i++ {
		env = second.login("alice", "secret")
		if env.Body == "alice SUCCESS" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Account never released after disconnect, last reply %q", env.Body)
}
