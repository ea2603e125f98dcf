package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/tidwall/redcon"

	"github.com/vinaypunrao68/fds-src-sub013/internal/migration"
	apperrors "github.com/vinaypunrao68/fds-src-sub013/pkg/errors"
)

// MessageCommand is the RESP command carrying an encoded migration message.
const MessageCommand = "MIGMSG"

// RemoteError is an error reply sent by the peer. The connection stays
// usable after one.
type RemoteError string

func (e RemoteError) Error() string {
	return "remote: " + string(e)
}

// Config configures the RESP client.
type Config struct {
	// Peers maps node ids to host:port.
	Peers       map[string]string
	DialTimeout time.Duration
	// IOTimeout applies when the caller's context has no deadline.
	IOTimeout time.Duration
	Logger    logr.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Peers:       map[string]string{},
		DialTimeout: 5 * time.Second,
		IOTimeout:   5 * time.Second,
		Logger:      logr.Discard(),
	}
}

type peer struct {
	mu   sync.Mutex
	addr string
	conn net.Conn
	rd   *bufio.Reader
}

// Client sends migration messages to peers over RESP. It keeps one
// connection per peer and serializes requests on it.
type Client struct {
	cfg *Config
	log logr.Logger

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
}

// NewClient creates a client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{
		cfg:   cfg,
		log:   cfg.Logger.WithName("transport"),
		peers: make(map[string]*peer),
	}
	for id, addr := range cfg.Peers {
		c.peers[id] = &peer{addr: addr}
	}
	return c
}

// SetPeer adds or moves a peer.
func (c *Client) SetPeer(nodeID, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[nodeID]; ok {
		p.mu.Lock()
		if p.addr != addr {
			p.reset()
			p.addr = addr
		}
		p.mu.Unlock()
		return
	}
	c.peers[nodeID] = &peer{addr: addr}
}

// PeerAddr returns the address of nodeID.
func (c *Client) PeerAddr(nodeID string) (string, bool) {
	c.mu.Lock()
	p, ok := c.peers[nodeID]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr, true
}

// Send implements migration.Transport.
func (c *Client) Send(ctx context.Context, nodeID string, msg *migration.Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	reply, err := c.Do(ctx, nodeID, []byte(MessageCommand), payload)
	if err != nil {
		return err
	}
	if s, ok := reply.(string); !ok || s != "OK" {
		return fmt.Errorf("unexpected reply to %s: %v", MessageCommand, reply)
	}
	return nil
}

// Do runs one command on nodeID and returns the parsed reply.
func (c *Client) Do(ctx context.Context, nodeID string, args ...[]byte) (any, error) {
	c.mu.Lock()
	p, ok := c.peers[nodeID]
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, apperrors.ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("no address for node %s", nodeID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		d := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", p.addr)
		if err != nil {
			return nil, err
		}
		p.conn = conn
		p.rd = bufio.NewReader(conn)
	}

	if err := setConnDeadline(ctx, p.conn, c.cfg.IOTimeout); err != nil {
		p.reset()
		return nil, err
	}

	req := redcon.AppendArray(nil, len(args))
	for _, a := range args {
		req = redcon.AppendBulk(req, a)
	}
	if _, err := p.conn.Write(req); err != nil {
		p.reset()
		return nil, err
	}

	reply, err := parseRESP(p.rd)
	if err != nil {
		var remote RemoteError
		if !errors.As(err, &remote) {
			p.reset()
		}
		return nil, err
	}
	return reply, nil
}

// Close closes all peer connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, p := range c.peers {
		p.mu.Lock()
		p.reset()
		p.mu.Unlock()
	}
	return nil
}

func (p *peer) reset() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.rd = nil
}

func setConnDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) error {
	if ctx != nil {
		if deadline, ok := ctx.Deadline(); ok {
			return conn.SetDeadline(deadline)
		}
	}

	return conn.SetDeadline(time.Now().Add(timeout))
}

func parseRESP(reader *bufio.Reader) (any, error) {
	prefix, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	switch prefix {
	case '*':
		line, err := readRESPLine(reader)
		if err != nil {
			return nil, err
		}
		count, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("resp array length: %w", err)
		}
		if count == -1 {
			return nil, nil
		}
		if count < -1 {
			return nil, fmt.Errorf("resp array length negative: %d", count)
		}
		items := make([]any, 0, count)
		for range count {
			item, err := parseRESP(reader)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case ':':
		line, err := readRESPLine(reader)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("resp integer: %w", err)
		}
		return n, nil
	case '$':
		line, err := readRESPLine(reader)
		if err != nil {
			return nil, err
		}
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("resp bulk length: %w", err)
		}
		if length == -1 {
			return nil, nil
		}
		if length < -1 {
			return nil, fmt.Errorf("resp bulk length negative: %d", length)
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, err
		}
		if buf[length] != '\r' || buf[length+1] != '\n' {
			return nil, fmt.Errorf("resp bulk missing terminator")
		}
		return string(buf[:length]), nil
	case '+':
		return readRESPLine(reader)
	case '-':
		line, err := readRESPLine(reader)
		if err != nil {
			return nil, err
		}
		return nil, RemoteError(line)
	default:
		return nil, fmt.Errorf("resp: unexpected prefix %q", prefix)
	}
}

func readRESPLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(line, "\r\n") {
		return "", fmt.Errorf("resp: invalid line ending")
	}
	return strings.TrimSuffix(line, "\r\n"), nil
}
