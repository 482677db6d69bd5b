package cluster

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMemcacheServer is a minimal in-memory implementation of enough of
// the ASCII protocol (get/set/delete/incr/decr/touch/flush_all/stats/
// version) to drive Cluster end to end without a real memcache binary.
type fakeMemcacheServer struct {
	mu   sync.Mutex
	data map[string][]byte
	ln   net.Listener
}

func newFakeMemcacheServer(t *testing.T) *fakeMemcacheServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeMemcacheServer{data: make(map[string][]byte), ln: ln}
	go s.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeMemcacheServer) Addr() string { return s.ln.Addr().String() }

func (s *fakeMemcacheServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeMemcacheServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "get":
			for _, k := range fields[1:] {
				s.mu.Lock()
				v, ok := s.data[k]
				s.mu.Unlock()
				if ok {
					fmt.Fprintf(conn, "VALUE %s 0 %d\r\n", k, len(v))
					conn.Write(v)
					conn.Write([]byte("\r\n"))
				}
			}
			conn.Write([]byte("END\r\n"))

		case "set":
			key := fields[1]
			n, _ := strconv.Atoi(fields[4])
			payload := make([]byte, n+2)
			_, _ = readFull(r, payload)
			s.mu.Lock()
			s.data[key] = payload[:n]
			s.mu.Unlock()
			conn.Write([]byte("STORED\r\n"))

		case "delete":
			key := fields[1]
			s.mu.Lock()
			_, ok := s.data[key]
			delete(s.data, key)
			s.mu.Unlock()
			if ok {
				conn.Write([]byte("DELETED\r\n"))
			} else {
				conn.Write([]byte("NOT_FOUND\r\n"))
			}

		case "incr", "decr":
			key := fields[1]
			delta, _ := strconv.ParseInt(fields[2], 10, 64)
			s.mu.Lock()
			v, ok := s.data[key]
			if !ok {
				s.mu.Unlock()
				conn.Write([]byte("NOT_FOUND\r\n"))
				continue
			}
			cur, _ := strconv.ParseInt(string(v), 10, 64)
			if fields[0] == "incr" {
				cur += delta
			} else {
				cur -= delta
			}
			s.data[key] = []byte(strconv.FormatInt(cur, 10))
			s.mu.Unlock()
			fmt.Fprintf(conn, "%d\r\n", cur)

		case "touch":
			key := fields[1]
			s.mu.Lock()
			_, ok := s.data[key]
			s.mu.Unlock()
			if ok {
				conn.Write([]byte("TOUCHED\r\n"))
			} else {
				conn.Write([]byte("NOT_FOUND\r\n"))
			}

		case "flush_all":
			s.mu.Lock()
			s.data = make(map[string][]byte)
			s.mu.Unlock()
			conn.Write([]byte("OK\r\n"))

		case "stats":
			fmt.Fprintf(conn, "STAT pid %d\r\n", 1)
			conn.Write([]byte("END\r\n"))

		case "version":
			conn.Write([]byte("VERSION 1.6.0-fake\r\n"))

		default:
			conn.Write([]byte("ERROR\r\n"))
		}
	}
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
