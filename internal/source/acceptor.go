// Package source accepts live source connections (stream senders) on the
// dedicated source port and feeds their audio into the ring.
//
// The protocol is the Icecast source handshake: a SOURCE <mount> ICE/1.0
// or HTTP PUT request line, MIME headers with Basic credentials, a blank
// line, then the raw audio bitstream as the body.
package source

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cycast/cycast/internal/auth"
	"github.com/cycast/cycast/internal/stats"
	"github.com/cycast/cycast/internal/stream"
)

const (
	// handshakeTimeout bounds how long a connection may take to present
	// its request line and headers
	handshakeTimeout = 5 * time.Second

	// readBufferSize is the per-read chunk pulled off the source socket
	readBufferSize = 8192

	// tcpBufferSize gives the kernel enough room to smooth a 320kbps
	// feed over jittery links
	tcpBufferSize = 65536

	// writeRetrySleep is the pause before retrying a rejected ring write
	writeRetrySleep = time.Millisecond
)

// Acceptor listens on the source port and runs at most one live source
// session at a time, arbitrated through the producer mux.
type Acceptor struct {
	addr          string
	mountPoint    string
	sourceTimeout time.Duration

	ring          *stream.Ring
	mux           *stream.ProducerMux
	nowPlaying    *stream.NowPlaying
	authenticator *auth.Authenticator
	counters      *stats.Counters
	logger        *log.Logger
	verbose       bool

	onSessionStart func(*stream.SourceSession)
	onSessionEnd   func(*stream.SourceSession)

	ln     net.Listener
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// Config configures a source acceptor
type Config struct {
	Addr          string // host:port to listen on
	MountPoint    string
	SourceTimeout time.Duration
	Ring          *stream.Ring
	Mux           *stream.ProducerMux
	NowPlaying    *stream.NowPlaying
	Authenticator *auth.Authenticator
	Counters      *stats.Counters
	Logger        *log.Logger
	Verbose       bool

	// OnSessionStart/End, when set, are called as a source session
	// begins and ends
	OnSessionStart func(*stream.SourceSession)
	OnSessionEnd   func(*stream.SourceSession)
}

// NewAcceptor creates a source acceptor; Listen binds the port
func NewAcceptor(cfg Config) *Acceptor {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 10 * time.Second
	}
	return &Acceptor{
		addr:           cfg.Addr,
		mountPoint:     cfg.MountPoint,
		sourceTimeout:  cfg.SourceTimeout,
		ring:           cfg.Ring,
		mux:            cfg.Mux,
		nowPlaying:     cfg.NowPlaying,
		authenticator:  cfg.Authenticator,
		counters:       cfg.Counters,
		logger:         cfg.Logger,
		verbose:        cfg.Verbose,
		onSessionStart: cfg.OnSessionStart,
		onSessionEnd:   cfg.OnSessionEnd,
		stopCh:         make(chan struct{}),
	}
}

// Listen binds the source port. Bind failures are returned to the caller
// so main can exit with the port-bind code.
func (a *Acceptor) Listen() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("source port bind failed: %w", err)
	}
	a.ln = ln
	a.logger.Printf("Source server listening on %s", a.addr)
	return nil
}

// Serve runs the accept loop until Stop. Listen must have succeeded.
func (a *Acceptor) Serve() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
			}
			a.logger.Printf("Error accepting source connection: %v", err)
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConn(conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight sessions
func (a *Acceptor) Stop() {
	close(a.stopCh)
	if a.ln != nil {
		a.ln.Close()
	}
	a.wg.Wait()
}

// handleConn runs the handshake and, on success, the body copy loop
func (a *Acceptor) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	a.logger.Printf("Source connection from %s", remote)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	reader := bufio.NewReaderSize(conn, readBufferSize)
	requestLine, err := readLine(reader)
	if err != nil {
		a.logger.Printf("Source %s handshake read failed: %v", remote, err)
		return
	}

	method, mount, ok := parseRequestLine(requestLine)
	if !ok {
		a.logger.Printf("Not a valid source request from %s: %q", remote, requestLine)
		respond(conn, "405 Method Not Allowed", "")
		return
	}

	headers, err := textproto.NewReader(reader).ReadMIMEHeader()
	if err != nil {
		a.logger.Printf("Source %s header read failed: %v", remote, err)
		return
	}

	if !a.authenticated(headers) {
		a.logger.Printf("Source authentication failed from %s", remote)
		respond(conn, "401 Unauthorized", "WWW-Authenticate: Basic realm=\"Cycast\"\r\n")
		return
	}

	if mount != a.mountPoint {
		a.logger.Printf("Source %s requested unknown mount %q", remote, mount)
		respond(conn, "404 Not Found", "")
		return
	}

	session := &stream.SourceSession{
		ID:              uuid.New().String(),
		RemoteAddr:      remote,
		AuthenticatedAt: time.Now(),
	}

	if err := a.mux.AcquireSource(session); err != nil {
		a.logger.Printf("Rejecting source %s: %v", remote, err)
		respond(conn, "403 Forbidden", "")
		return
	}
	defer a.mux.ReleaseSource(session.ID)

	contentType := headers.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	a.logger.Printf("Source authenticated via %s, accepting connection (Content-Type: %s)", method, contentType)

	tuneTCP(conn)
	respond(conn, "200 OK", "")

	if a.nowPlaying != nil {
		a.nowPlaying.Set("Live Stream", "")
	}
	if a.onSessionStart != nil {
		a.onSessionStart(session)
	}

	a.copyBody(conn, reader, session)
	a.logger.Printf("Source disconnected: %s (%d bytes)", remote, session.BytesReceived)
	if a.onSessionEnd != nil {
		a.onSessionEnd(session)
	}
}

// copyBody streams the source body into the ring until EOF, error or
// timeout. The read deadline is re-armed per read, so a source that goes
// silent for source_timeout is torn down.
func (a *Acceptor) copyBody(conn net.Conn, reader *bufio.Reader, session *stream.SourceSession) {
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(a.sourceTimeout))
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			// In-band ICY metadata passthrough
			if a.nowPlaying != nil {
				if title, artist, found := stream.ParseICYTitle(chunk); found {
					a.nowPlaying.Set(title, artist)
					if a.verbose {
						a.logger.Printf("Source metadata: %s - %s", artist, title)
					}
				}
			}

			if !a.writeChunk(chunk) {
				return
			}
			session.BytesReceived += int64(n)
			if a.counters != nil {
				a.counters.AddBytesIn(int64(n))
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				a.logger.Printf("Source %s timed out after %s of silence", session.RemoteAddr, a.sourceTimeout)
			} else if err != io.EOF {
				a.logger.Printf("Error reading from source %s: %v", session.RemoteAddr, err)
			}
			return
		}
	}
}

// writeChunk pushes a chunk into the ring, retrying rejections with a
// short pause. Returns false when the acceptor is stopping.
func (a *Acceptor) writeChunk(chunk []byte) bool {
	for !a.ring.Write(chunk) {
		select {
		case <-a.stopCh:
			return false
		case <-time.After(writeRetrySleep):
		}
	}
	return true
}

// authenticated checks Basic credentials, falling back to the legacy
// ice-password header some source clients send
func (a *Acceptor) authenticated(headers textproto.MIMEHeader) bool {
	if h := headers.Get("Authorization"); h != "" {
		return a.authenticator.CheckBasic(h)
	}
	if p := headers.Get("Ice-Password"); p != "" {
		return a.authenticator.CheckPassword(p)
	}
	return false
}

// parseRequestLine accepts "SOURCE <mount> ICE/1.0" and "PUT <mount>
// HTTP/1.x" request lines
func parseRequestLine(line string) (method, mount string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", false
	}
	method = fields[0]
	if method != "SOURCE" && method != "PUT" {
		return "", "", false
	}
	return method, fields[1], true
}

// readLine reads one CRLF-terminated line
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// respond writes a minimal HTTP/1.0 response head. Source clients expect
// the 200 before they start sending audio.
func respond(conn net.Conn, status, extraHeaders string) {
	fmt.Fprintf(conn, "HTTP/1.0 %s\r\n%s\r\n", status, extraHeaders)
}

// tuneTCP applies the socket options a long-lived audio feed wants
func tuneTCP(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcpConn.SetNoDelay(true)
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(30 * time.Second)
	tcpConn.SetReadBuffer(tcpBufferSize)
	tcpConn.SetWriteBuffer(tcpBufferSize)
}
