package server

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// privateStopSentinel ends a private link gracefully when either peer sends
// it as a line of its own
const privateStopSentinel = "stop"

// claimTimeout bounds how long a brokered link waits for both peers to dial
// in before the capability expires
const claimTimeout = time.Minute

// Broker is the private-channel broker: a second, independent acceptor that
// splices two peer connections after a handshake brokered over the main
// protocol. Once spliced, raw text lines flow peer to peer and the routing
// engine is out of the path.
type Broker struct {
	metrics  *Metrics
	listener net.Listener

	mu       sync.Mutex
	pending  map[string]*privateLink // token -> unspliced link
	spliced  map[string]*privateLink // token -> live link, for shutdown
	claiming map[net.Conn]struct{}   // accepted, identify line not read yet
	active   int

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// privateLink is one brokered pairing: the minted token, the two usernames
// allowed to claim it, and the endpoints that have dialed in so far.
type privateLink struct {
	token     string
	peers     [2]string
	endpoints map[string]*privateEndpoint
	createdAt time.Time
}

// privateEndpoint keeps the claim-time reader together with the conn so no
// bytes buffered during the identify line are lost to the relay.
type privateEndpoint struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewBroker creates a broker; Start brings up its acceptor
func NewBroker(metrics *Metrics) *Broker {
	return &Broker{
		metrics:  metrics,
		pending:  make(map[string]*privateLink),
		spliced:  make(map[string]*privateLink),
		claiming: make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Start opens the side-channel listener and begins accepting claims
func (b *Broker) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	b.listener = listener

	b.wg.Add(2)
	go b.acceptLoop()
	go b.expireLoop()
	return nil
}

// Port returns the advertised side-channel port
func (b *Broker) Port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

// Stop closes the listener and all unspliced endpoints
func (b *Broker) Stop() {
	select {
	case <-b.shutdown:
		return
	default:
	}
	close(b.shutdown)

	if b.listener != nil {
		b.listener.Close()
	}

	b.mu.Lock()
	for token, link := range b.pending {
		for _, ep := range link.endpoints {
			ep.conn.Close()
		}
		delete(b.pending, token)
	}
	for _, link := range b.spliced {
		for _, ep := range link.endpoints {
			ep.conn.Close()
		}
	}
	for conn := range b.claiming {
		conn.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// CreateLink mints a capability for two peers. Both must dial in and present
// the token before it expires.
func (b *Broker) CreateLink(a, c string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to mint link token: %w", err)
	}
	token := hex.EncodeToString(raw)

	b.mu.Lock()
	b.pending[token] = &privateLink{
		token:     token,
		peers:     [2]string{a, c},
		endpoints: make(map[string]*privateEndpoint, 2),
		createdAt: time.Now(),
	}
	b.mu.Unlock()

	return token, nil
}

// acceptLoop accepts side-channel connections; each must identify itself
// with a single "<token> <username>" line
func (b *Broker) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.shutdown:
				return
			default:
				errorLog.Printf("Broker accept error: %v", err)
				continue
			}
		}

		b.wg.Add(1)
		go b.handleClaim(conn)
	}
}

// handleClaim validates one identify line and, when both peers of a link
// have dialed in, splices them
func (b *Broker) handleClaim(conn net.Conn) {
	defer b.wg.Done()

	b.mu.Lock()
	b.claiming[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.claiming, conn)
		b.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	reader := bufio.NewReader(conn)

	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	fields := strings.Fields(line)
	if len(fields) != 2 {
		conn.Close()
		return
	}
	token, username := fields[0], fields[1]

	b.mu.Lock()
	link, ok := b.pending[token]
	if !ok || !link.allows(username) || link.endpoints[username] != nil {
		b.mu.Unlock()
		conn.Close()
		return
	}

	link.endpoints[username] = &privateEndpoint{conn: conn, r: reader}
	if len(link.endpoints) < 2 {
		b.mu.Unlock()
		return
	}

	delete(b.pending, token)
	b.spliced[token] = link
	b.active++
	active := b.active
	b.mu.Unlock()

	b.metrics.RecordPrivateLinksActive(active)
	debugLog.Printf("Broker: spliced private link %s <-> %s", link.peers[0], link.peers[1])

	first := link.endpoints[link.peers[0]]
	second := link.endpoints[link.peers[1]]

	// Both pipes share one Once so the link is only counted down once
	done := new(sync.Once)
	b.wg.Add(2)
	go b.pipe(link, first, second, done)
	go b.pipe(link, second, first, done)
}

func (l *privateLink) allows(username string) bool {
	return username == l.peers[0] || username == l.peers[1]
}

// pipe relays text lines from src to dst until the stop sentinel, an I/O
// failure, or end of stream. Each endpoint's conn is written by exactly one
// pipe, so no write lock is needed.
func (b *Broker) pipe(link *privateLink, src, dst *privateEndpoint, done *sync.Once) {
	defer b.wg.Done()
	defer b.linkDone(link, done)
	defer src.conn.Close()
	defer dst.conn.Close()

	for {
		line, err := src.r.ReadString('\n')
		if len(line) > 0 {
			if _, werr := dst.conn.Write([]byte(line)); werr != nil {
				return
			}
			if strings.TrimRight(line, "\r\n") == privateStopSentinel {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// linkDone retires a spliced link and decrements the active gauge exactly
// once per link
func (b *Broker) linkDone(link *privateLink, done *sync.Once) {
	done.Do(func() {
		b.mu.Lock()
		delete(b.spliced, link.token)
		b.active--
		active := b.active
		b.mu.Unlock()
		b.metrics.RecordPrivateLinksActive(active)
	})
}

// expireLoop drops capabilities nobody claimed in time
func (b *Broker) expireLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.shutdown:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-claimTimeout)

			b.mu.Lock()
			for token, link := range b.pending {
				if link.createdAt.Before(cutoff) {
					for _, ep := range link.endpoints {
						ep.conn.Close()
					}
					delete(b.pending, token)
					debugLog.Printf("Broker: expired unclaimed link %s <-> %s", link.peers[0], link.peers[1])
				}
			}
			b.mu.Unlock()
		}
	}
}
