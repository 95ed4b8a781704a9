// Package sam implements a SAM v3 client for the overlay bridge: the
// line-delimited HELLO/SESSION/DEST command protocol plus the datagram
// send/receive operations of spec §4.8. Grounded on thwack.Conn's use of
// net/textproto for a line-oriented control protocol — SAM literally is one,
// down to the single request/response connection and status-line replies.
package sam

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// ErrSam is the taxonomy's SamError: an unexpected SAM reply. Once returned,
// the session that produced it is unusable.
var ErrSam = errors.New("sam: unexpected reply")

const (
	// DestGenerateSigType is the Ed25519 signature type passed to
	// DEST GENERATE, per §4.8.
	DestGenerateSigType = 7

	helloVersion = "HELLO VERSION MIN=3.1 MAX=3.1"
)

// Client is a single SAM v3 control connection plus its negotiated
// datagram session. The teacher's SAM TCP stream ownership rule from §5
// applies unchanged: one Client exclusively owns its connection, and every
// command is serialized through conn's mutex.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	tp   *textproto.Conn

	sessionID string

	sendLimiter *rate.Limiter

	dgramMu  sync.Mutex
	dgramBuf *bufio.Reader
}

// Connect opens a TCP control connection to the SAM bridge at addr and
// performs the HELLO handshake. sendRate bounds outbound datagram_send
// calls (bytes/sec); pass rate.Inf for no limit.
func Connect(ctx context.Context, addr string, sendRate rate.Limit) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:        conn,
		tp:          textproto.NewConn(conn),
		sendLimiter: rate.NewLimiter(sendRate, int(sendRate)+1024),
	}

	if err := c.tp.PrintfLine("%s", helloVersion); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := c.tp.ReadLine()
	if err != nil {
		conn.Close()
		return nil, err
	}
	kv := parseReply(reply)
	if kv["RESULT"] != "OK" {
		conn.Close()
		return nil, fmt.Errorf("%w: HELLO: %s", ErrSam, reply)
	}
	return c, nil
}

// DestGenerate requests a fresh destination keypair from the bridge,
// returning the base64-encoded public and private destinations.
func (c *Client) DestGenerate(ctx context.Context) (pubDest, privDest string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tp.PrintfLine("DEST GENERATE SIGNATURE_TYPE=%d", DestGenerateSigType); err != nil {
		return "", "", err
	}
	reply, err := c.tp.ReadLine()
	if err != nil {
		return "", "", err
	}
	kv := parseReply(reply)
	if !strings.HasPrefix(reply, "DEST REPLY") {
		return "", "", fmt.Errorf("%w: DEST GENERATE: %s", ErrSam, reply)
	}
	pub, ok := kv["PUB"]
	priv, ok2 := kv["PRIV"]
	if !ok || !ok2 {
		return "", "", fmt.Errorf("%w: DEST GENERATE missing PUB/PRIV: %s", ErrSam, reply)
	}
	return pub, priv, nil
}

// SessionCreateDatagram creates a single datagram session bound to
// privDest. Per §4.8, a Client holds exactly one session for its lifetime.
func (c *Client) SessionCreateDatagram(ctx context.Context, sessionID, privDest string, options map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line := fmt.Sprintf("SESSION CREATE STYLE=DATAGRAM ID=%s DESTINATION=%s", sessionID, privDest)
	for k, v := range options {
		line += fmt.Sprintf(" %s=%s", k, v)
	}
	if err := c.tp.PrintfLine("%s", line); err != nil {
		return err
	}
	reply, err := c.tp.ReadLine()
	if err != nil {
		return err
	}
	kv := parseReply(reply)
	if kv["RESULT"] != "OK" {
		return fmt.Errorf("%w: SESSION CREATE: %s", ErrSam, reply)
	}
	c.sessionID = sessionID
	return nil
}

// DatagramSend transmits payload to peerDest under the session's id, rate
// limited by the sendRate passed to Connect.
func (c *Client) DatagramSend(ctx context.Context, peerDest string, payload []byte) error {
	if err := c.sendLimiter.WaitN(ctx, len(payload)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	header := fmt.Sprintf("3.1 %s %s\n", c.sessionID, peerDest)
	if _, err := c.conn.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := c.conn.Write(payload); err != nil {
		return err
	}
	return nil
}

// DatagramReceive blocks for the next inbound datagram, returning the
// sender's base64 destination and the raw payload.
func (c *Client) DatagramReceive(ctx context.Context) (senderDest string, payload []byte, err error) {
	c.dgramMu.Lock()
	defer c.dgramMu.Unlock()

	if c.dgramBuf == nil {
		c.dgramBuf = bufio.NewReader(c.conn)
	}
	header, err := c.dgramBuf.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	fields := strings.Fields(header)
	if len(fields) < 3 {
		return "", nil, fmt.Errorf("%w: malformed datagram header: %q", ErrSam, header)
	}
	senderDest = fields[1]

	sizeStr, ok := fieldValue(fields, "SIZE")
	if !ok {
		return "", nil, fmt.Errorf("%w: datagram header missing SIZE: %q", ErrSam, header)
	}
	var size int
	if _, err := fmt.Sscanf(sizeStr, "%d", &size); err != nil {
		return "", nil, fmt.Errorf("%w: bad SIZE in datagram header: %q", ErrSam, header)
	}

	buf := make([]byte, size)
	if _, err := readFull(c.dgramBuf, buf); err != nil {
		return "", nil, err
	}
	return senderDest, buf, nil
}

// Close ends the control connection, implicitly closing the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tp.Close()
}

func parseReply(line string) map[string]string {
	kv := make(map[string]string)
	for _, tok := range strings.Fields(line) {
		if i := strings.IndexByte(tok, '='); i >= 0 {
			kv[tok[:i]] = tok[i+1:]
		}
	}
	return kv
}

func fieldValue(fields []string, key string) (string, bool) {
	prefix := key + "="
	for _, f := range fields {
		if strings.HasPrefix(f, prefix) {
			return strings.TrimPrefix(f, prefix), true
		}
	}
	return "", false
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
