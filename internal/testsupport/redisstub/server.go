// Package redisstub provides a minimal in-process Redis protocol server for
// tests. It implements just the commands the chat log and rate limiter use
// (stream append and consumer-group reads, fixed-window counters) so tests
// can exercise the real client wiring without an external Redis.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures the stub server.
type Options struct {
	// Password, when set, requires clients to AUTH before other commands.
	Password string
}

// Server is a single-process RESP server backed by in-memory state.
type Server struct {
	listener net.Listener
	password string

	mu       sync.Mutex
	streams  map[string][]streamEntry
	groups   map[string]map[string]*consumerGroup
	counters map[string]*counter
	seq      int64

	wg     sync.WaitGroup
	closed chan struct{}
}

type streamEntry struct {
	id     string
	fields map[string]string
}

type consumerGroup struct {
	// nextIndex is the offset of the first entry not yet delivered to the group.
	nextIndex int
	pending   map[string]struct{}
}

type counter struct {
	value     int64
	expiresAt time.Time
}

// Start launches the stub on an ephemeral localhost port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		password: opts.Password,
		streams:  make(map[string][]streamEntry),
		groups:   make(map[string]map[string]*consumerGroup),
		counters: make(map[string]*counter),
		closed:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listen address in host:port form.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the listener and waits for in-flight connections to finish.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	s.listener.Close()
	s.wg.Wait()
}

// StreamLen reports how many entries a stream holds.
func (s *Server) StreamLen(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[stream])
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Unblock pending reads when the server shuts down so Close does not
	// wait forever on idle client connections.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.closed:
			conn.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.password == ""

	for {
		select {
		case <-s.closed:
			return
		default:
		}
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		command := strings.ToUpper(args[0])
		switch command {
		case "AUTH":
			supplied := args[len(args)-1]
			if s.password == "" || supplied == s.password {
				authenticated = true
				writeSimple(writer, "OK")
			} else {
				writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "HELLO":
			// Clients fall back to RESP2 when HELLO is refused. Credentials
			// may ride along as HELLO <ver> AUTH <user> <pass>.
			for i := 1; i+2 < len(args); i++ {
				if strings.ToUpper(args[i]) == "AUTH" && args[i+2] == s.password {
					authenticated = true
				}
			}
			writeError(writer, "ERR unknown command 'HELLO'")
		case "PING":
			if !authenticated {
				writeError(writer, "NOAUTH Authentication required.")
				continue
			}
			writeSimple(writer, "PONG")
		case "CLIENT", "SELECT":
			writeSimple(writer, "OK")
		default:
			if !authenticated {
				writeError(writer, "NOAUTH Authentication required.")
				continue
			}
			s.dispatch(writer, command, args)
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, command string, args []string) {
	switch command {
	case "XADD":
		s.handleXAdd(writer, args)
	case "XGROUP":
		s.handleXGroup(writer, args)
	case "XREADGROUP":
		s.handleXReadGroup(writer, args)
	case "XACK":
		s.handleXAck(writer, args)
	case "INCR":
		s.handleIncr(writer, args)
	case "EXPIRE":
		s.handleExpire(writer, args)
	case "TTL":
		s.handleTTL(writer, args)
	default:
		writeError(writer, fmt.Sprintf("ERR unknown command '%s'", command))
	}
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) {
	if len(args) < 5 {
		writeError(writer, "ERR wrong number of arguments for 'xadd' command")
		return
	}
	stream := args[1]
	id := args[2]
	fieldArgs := args[3:]
	if len(fieldArgs)%2 != 0 {
		writeError(writer, "ERR wrong number of arguments for 'xadd' command")
		return
	}

	s.mu.Lock()
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	fields := make(map[string]string, len(fieldArgs)/2)
	for i := 0; i < len(fieldArgs); i += 2 {
		fields[fieldArgs[i]] = fieldArgs[i+1]
	}
	s.streams[stream] = append(s.streams[stream], streamEntry{id: id, fields: fields})
	s.mu.Unlock()

	writeBulk(writer, id)
}

func (s *Server) handleXGroup(writer *bufio.Writer, args []string) {
	if len(args) < 4 || strings.ToUpper(args[1]) != "CREATE" {
		writeError(writer, "ERR unsupported XGROUP subcommand")
		return
	}
	stream, group := args[2], args[3]

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[stream]; !ok {
		s.groups[stream] = make(map[string]*consumerGroup)
	}
	if _, exists := s.groups[stream][group]; exists {
		writeError(writer, "BUSYGROUP Consumer Group name already exists")
		return
	}
	// "$" starts the group at the current tail; "0" replays the whole stream.
	next := len(s.streams[stream])
	if len(args) > 4 && args[4] == "0" {
		next = 0
	}
	s.groups[stream][group] = &consumerGroup{
		nextIndex: next,
		pending:   make(map[string]struct{}),
	}
	writeSimple(writer, "OK")
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) {
	var group, stream string
	block := time.Duration(-1)
	count := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 < len(args) {
				group = args[i+1]
				i += 2
			}
		case "COUNT":
			if i+1 < len(args) {
				count, _ = strconv.Atoi(args[i+1])
				i++
			}
		case "BLOCK":
			if i+1 < len(args) {
				ms, _ := strconv.Atoi(args[i+1])
				block = time.Duration(ms) * time.Millisecond
				i++
			}
		case "STREAMS":
			if i+1 < len(args) {
				stream = args[i+1]
			}
			i = len(args)
		}
	}
	if group == "" || stream == "" {
		writeError(writer, "ERR wrong number of arguments for 'xreadgroup' command")
		return
	}

	deadline := time.Now().Add(block)
	for {
		entries := s.claimEntries(stream, group, count)
		if len(entries) > 0 {
			writeStreamReply(writer, stream, entries)
			return
		}
		if block < 0 || time.Now().After(deadline) {
			writeNilArray(writer)
			return
		}
		select {
		case <-s.closed:
			writeNilArray(writer)
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Server) claimEntries(stream, group string, count int) []streamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	grp, ok := s.groups[stream][group]
	if !ok {
		return nil
	}
	entries := s.streams[stream]
	if grp.nextIndex >= len(entries) {
		return nil
	}
	end := len(entries)
	if count > 0 && grp.nextIndex+count < end {
		end = grp.nextIndex + count
	}
	claimed := entries[grp.nextIndex:end]
	for _, entry := range claimed {
		grp.pending[entry.id] = struct{}{}
	}
	grp.nextIndex = end
	return claimed
}

func (s *Server) handleXAck(writer *bufio.Writer, args []string) {
	if len(args) < 4 {
		writeError(writer, "ERR wrong number of arguments for 'xack' command")
		return
	}
	stream, group := args[1], args[2]

	s.mu.Lock()
	acked := 0
	if grp, ok := s.groups[stream][group]; ok {
		for _, id := range args[3:] {
			if _, pending := grp.pending[id]; pending {
				delete(grp.pending, id)
				acked++
			}
		}
	}
	s.mu.Unlock()

	writeInteger(writer, int64(acked))
}

func (s *Server) handleIncr(writer *bufio.Writer, args []string) {
	if len(args) != 2 {
		writeError(writer, "ERR wrong number of arguments for 'incr' command")
		return
	}
	s.mu.Lock()
	c, ok := s.counters[args[1]]
	if !ok || (!c.expiresAt.IsZero() && time.Now().After(c.expiresAt)) {
		c = &counter{}
		s.counters[args[1]] = c
	}
	c.value++
	value := c.value
	s.mu.Unlock()

	writeInteger(writer, value)
}

func (s *Server) handleExpire(writer *bufio.Writer, args []string) {
	if len(args) != 3 {
		writeError(writer, "ERR wrong number of arguments for 'expire' command")
		return
	}
	seconds, err := strconv.Atoi(args[2])
	if err != nil {
		writeError(writer, "ERR value is not an integer or out of range")
		return
	}
	s.mu.Lock()
	c, ok := s.counters[args[1]]
	if ok {
		c.expiresAt = time.Now().Add(time.Duration(seconds) * time.Second)
	}
	s.mu.Unlock()

	if ok {
		writeInteger(writer, 1)
	} else {
		writeInteger(writer, 0)
	}
}

func (s *Server) handleTTL(writer *bufio.Writer, args []string) {
	if len(args) != 2 {
		writeError(writer, "ERR wrong number of arguments for 'ttl' command")
		return
	}
	s.mu.Lock()
	c, ok := s.counters[args[1]]
	var ttl int64
	switch {
	case !ok:
		ttl = -2
	case c.expiresAt.IsZero():
		ttl = -1
	default:
		remaining := time.Until(c.expiresAt)
		if remaining <= 0 {
			delete(s.counters, args[1])
			ttl = -2
		} else {
			ttl = int64(remaining.Round(time.Second).Seconds())
			if ttl < 1 {
				ttl = 1
			}
		}
	}
	s.mu.Unlock()

	writeInteger(writer, ttl)
}

func readCommand(reader *bufio.Reader) ([]string, error) {
	line, err := readLine(reader)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, nil
	}
	if line[0] != '*' {
		// Inline commands keep manual testing with netcat possible.
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("malformed array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		if len(header) == 0 || header[0] != '$' {
			return nil, fmt.Errorf("malformed bulk header %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("malformed bulk size %q", header)
		}
		payload := make([]byte, size+2)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, err
		}
		args = append(args, string(payload[:size]))
	}
	return args, nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeSimple(writer *bufio.Writer, value string) {
	fmt.Fprintf(writer, "+%s\r\n", value)
}

func writeError(writer *bufio.Writer, message string) {
	fmt.Fprintf(writer, "-%s\r\n", message)
}

func writeInteger(writer *bufio.Writer, value int64) {
	fmt.Fprintf(writer, ":%d\r\n", value)
}

func writeBulk(writer *bufio.Writer, value string) {
	fmt.Fprintf(writer, "$%d\r\n%s\r\n", len(value), value)
}

func writeNilArray(writer *bufio.Writer) {
	writer.WriteString("*-1\r\n")
}

func writeStreamReply(writer *bufio.Writer, stream string, entries []streamEntry) {
	fmt.Fprintf(writer, "*1\r\n*2\r\n")
	writeBulk(writer, stream)
	fmt.Fprintf(writer, "*%d\r\n", len(entries))
	for _, entry := range entries {
		fmt.Fprintf(writer, "*2\r\n")
		writeBulk(writer, entry.id)
		fmt.Fprintf(writer, "*%d\r\n", len(entry.fields)*2)
		for key, value := range entry.fields {
			writeBulk(writer, key)
			writeBulk(writer, value)
		}
	}
}
