// Package text implements the ASCII command/response codec described in
// §4.2 of the specification: request framing for storage and retrieval
// commands, and a streaming response classifier that copes with a byte
// stream fragmented at arbitrary boundaries.
//
// The parser is written as an explicit state machine — line mode or
// payload mode with a remaining-byte counter — so that the invariant
// "pending value bytes are consumed before any newline scan" is
// structural, not a comment (see §9 Design Notes).
package text

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cachemir/memcache/pkg/errs"
)

// Shape tags the kind of response the Decoder should expect next. It
// mirrors the response-shape tag carried on each queued request (§3
// Request record).
type Shape int

const (
	SingleLine Shape = iota
	Multiline
	Stats
	Config
)

// crlf is the line terminator for every text-protocol line.
var crlf = []byte("\r\n")

// --- request framing -------------------------------------------------

// CommandLine frames a non-storage command: "<parts...>\r\n".
func CommandLine(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(p)
	}
	buf.Write(crlf)
	return buf.Bytes()
}

// StorageCommand frames a storage command (set/add/replace/append/
// prepend): "<cmd> <key> <flags> <exptime> <bytes>\r\n<payload>\r\n".
func StorageCommand(cmd, key string, flags uint32, exptime int32, payload []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %d %d %d\r\n", cmd, key, flags, exptime, len(payload))
	buf.Write(payload)
	buf.Write(crlf)
	return buf.Bytes()
}

// CasStorageCommand is StorageCommand with a trailing cas token, used
// by the "cas" command variant.
func CasStorageCommand(cmd, key string, flags uint32, exptime int32, payload []byte, cas uint64) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %d %d %d %d\r\n", cmd, key, flags, exptime, len(payload), cas)
	buf.Write(payload)
	buf.Write(crlf)
	return buf.Bytes()
}

// --- response data types ---------------------------------------------

// LineKind classifies a parsed SingleLine reply.
type LineKind int

const (
	LineLiteral LineKind = iota // STORED / DELETED / OK / TOUCHED / EXISTS / NOT_FOUND
	LineBool                    // NOT_STORED -> false
	LineInt                     // a bare decimal integer
	LineRaw                     // anything else, verbatim
)

// SingleLineResult is the parsed outcome of a SingleLine response.
type SingleLineResult struct {
	Kind    LineKind
	Literal string
	Bool    bool
	Int     int64
	Raw     string
}

// Value is one VALUE block from a Multiline response.
type Value struct {
	Key   string
	Flags uint32
	Bytes []byte
	CAS   uint64
}

// MultilineResult is the parsed outcome of a Multiline response, with
// hit/miss bookkeeping against the keys the caller originally
// requested (§4.2, §4.4 event emission).
type MultilineResult struct {
	Values []Value
	Hits   []string
	Misses []string
}

// StatsResult is the parsed outcome of a Stats response.
type StatsResult struct {
	Stats map[string]string
}

// ConfigResult is the parsed outcome of a Config response: the
// verbatim payload bytes, handed to the discovery package's topology
// parser.
type ConfigResult struct {
	Payload []byte
}

// Result is the union of all possible decoded responses; exactly one
// field is populated, matching the Shape that produced it.
type Result struct {
	Shape     Shape
	Line      *SingleLineResult
	Multiline *MultilineResult
	Stats     *StatsResult
	Config    *ConfigResult
}

func isErrorLine(line string) bool {
	return hasPrefix(line, "ERROR") || hasPrefix(line, "CLIENT_ERROR") || hasPrefix(line, "SERVER_ERROR")
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func classifySingleLine(line string) SingleLineResult {
	switch line {
	case "STORED", "DELETED", "OK", "TOUCHED", "EXISTS", "NOT_FOUND":
		return SingleLineResult{Kind: LineLiteral, Literal: line}
	case "NOT_STORED":
		return SingleLineResult{Kind: LineBool, Bool: false}
	}
	if n, err := strconv.ParseInt(line, 10, 64); err == nil {
		return SingleLineResult{Kind: LineInt, Int: n}
	}
	return SingleLineResult{Kind: LineRaw, Raw: line}
}

// --- streaming decoder -------------------------------------------------

type mode int

const (
	modeLine mode = iota
	modePayload
)

// multilineHeader is a parsed "VALUE <key> <flags> <bytes> [<cas>]"
// line, staged until its payload bytes have arrived.
type multilineHeader struct {
	key   string
	flags uint32
	n     int
	cas   uint64
}

// Decoder incrementally classifies one response at a time from a byte
// stream that may fragment anywhere, including inside a length header
// or immediately after a payload's trailing CRLF. Node owns one
// Decoder per connection and drives it with the shape of whatever
// request is at the head of its FIFO.
type Decoder struct {
	buf []byte

	m          mode
	want       int // bytes still needed in payload mode
	pendingHdr *multilineHeader

	shape         Shape
	requestedKeys map[string]bool

	values []Value
	hits   []string
	misses map[string]bool
	stats  map[string]string

	configStage   int // 0=header, 1=payload, 2=END
	configPayload []byte
}

// NewDecoder returns a Decoder with an empty receive buffer.
func NewDecoder() *Decoder {
	return &Decoder{m: modeLine}
}

// Feed appends freshly read socket bytes to the decoder's internal
// buffer. It does not itself attempt to parse; call Decode afterwards.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Pending reports how many unconsumed bytes remain buffered.
func (d *Decoder) Pending() int { return len(d.buf) }

// Begin prepares the decoder to parse one response of the given shape.
// requestedKeys is only meaningful for Multiline responses and drives
// hit/miss bookkeeping; pass nil otherwise.
func (d *Decoder) Begin(shape Shape, requestedKeys []string) {
	d.shape = shape
	d.m = modeLine
	d.want = 0
	d.pendingHdr = nil
	d.values = nil
	d.hits = nil
	d.stats = nil
	d.configStage = 0
	d.configPayload = nil
	if requestedKeys != nil {
		d.requestedKeys = make(map[string]bool, len(requestedKeys))
		d.misses = make(map[string]bool, len(requestedKeys))
		for _, k := range requestedKeys {
			d.requestedKeys[k] = true
			d.misses[k] = true
		}
	} else {
		d.requestedKeys = nil
		d.misses = nil
	}
}

// Decode attempts to consume as many complete lines/payloads from the
// buffered bytes as the current response shape requires. It returns
// (result, true, nil) once the response is complete, (nil, false, nil)
// if more bytes are needed, or a non-nil error if the server sent a
// protocol error line or a malformed frame.
func (d *Decoder) Decode() (*Result, bool, error) {
	switch d.shape {
	case SingleLine:
		line, ok, err := d.nextLine()
		if err != nil || !ok {
			return nil, false, err
		}
		if isErrorLine(line) {
			return nil, false, &errs.ProtocolError{Line: line}
		}
		r := classifySingleLine(line)
		return &Result{Shape: SingleLine, Line: &r}, true, nil

	case Multiline:
		done, err := d.stepMultiline()
		if err != nil || !done {
			return nil, false, err
		}
		res := &MultilineResult{Values: d.values, Hits: d.hits}
		for k := range d.misses {
			res.Misses = append(res.Misses, k)
		}
		return &Result{Shape: Multiline, Multiline: res}, true, nil

	case Stats:
		done, err := d.stepStats()
		if err != nil || !done {
			return nil, false, err
		}
		return &Result{Shape: Stats, Stats: &StatsResult{Stats: d.stats}}, true, nil

	case Config:
		return d.stepConfig()

	default:
		return nil, false, fmt.Errorf("text: unknown shape %d", d.shape)
	}
}

// nextLine looks for a CRLF-terminated line. It refuses to run in
// payload mode, so callers must consume pending value bytes first (the
// parser's key invariant: pending value bytes never undergo a newline
// scan).
func (d *Decoder) nextLine() (string, bool, error) {
	if d.m == modePayload {
		return "", false, fmt.Errorf("text: nextLine called while in payload mode")
	}
	idx := bytes.Index(d.buf, crlf)
	if idx < 0 {
		return "", false, nil
	}
	line := string(d.buf[:idx])
	d.buf = d.buf[idx+2:]
	return line, true, nil
}

// stepMultiline advances the VALUE...END state machine by as much as
// the buffered bytes allow, staging completed values and handling the
// hit/miss set as it goes.
func (d *Decoder) stepMultiline() (bool, error) {
	for {
		if d.m == modePayload {
			if len(d.buf) < d.want+2 {
				return false, nil
			}
			payload := d.buf[:d.want]
			rest := d.buf[d.want:]
			if !bytes.HasPrefix(rest, crlf) {
				return false, fmt.Errorf("text: missing CRLF after value payload")
			}
			d.buf = rest[2:]

			hdr := d.pendingHdr
			v := Value{Key: hdr.key, Flags: hdr.flags, Bytes: append([]byte(nil), payload...), CAS: hdr.cas}
			d.values = append(d.values, v)
			if d.requestedKeys != nil && d.requestedKeys[hdr.key] {
				d.hits = append(d.hits, hdr.key)
				delete(d.misses, hdr.key)
			}
			d.pendingHdr = nil
			d.m = modeLine
			continue
		}

		line, ok, err := d.nextLine()
		if err != nil || !ok {
			return false, err
		}
		if line == "END" {
			return true, nil
		}
		if isErrorLine(line) {
			return false, &errs.ProtocolError{Line: line}
		}
		hdr, err := parseValueHeader(line)
		if err != nil {
			return false, err
		}
		d.pendingHdr = hdr
		d.want = hdr.n
		d.m = modePayload
	}
}

func parseValueHeader(line string) (*multilineHeader, error) {
	var fields []string
	start := 0
	for i := 0; i <= len(line); i++ {
		if i == len(line) || line[i] == ' ' {
			if i > start {
				fields = append(fields, line[start:i])
			}
			start = i + 1
		}
	}
	if len(fields) < 4 || fields[0] != "VALUE" {
		return nil, fmt.Errorf("text: malformed VALUE header %q", line)
	}
	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("text: malformed flags in %q: %w", line, err)
	}
	n, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("text: malformed length in %q: %w", line, err)
	}
	hdr := &multilineHeader{key: fields[1], flags: uint32(flags), n: n}
	if len(fields) >= 5 {
		cas, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("text: malformed cas in %q: %w", line, err)
		}
		hdr.cas = cas
	}
	return hdr, nil
}

func (d *Decoder) stepStats() (bool, error) {
	if d.stats == nil {
		d.stats = make(map[string]string)
	}
	for {
		line, ok, err := d.nextLine()
		if err != nil || !ok {
			return false, err
		}
		if line == "END" {
			return true, nil
		}
		if isErrorLine(line) {
			return false, &errs.ProtocolError{Line: line}
		}
		if hasPrefix(line, "STAT ") {
			rest := line[len("STAT "):]
			sp := strings.IndexByte(rest, ' ')
			if sp < 0 {
				continue
			}
			d.stats[rest[:sp]] = rest[sp+1:]
		}
		// any other line is ignored per §4.2
	}
}

// stepConfig parses either a modern "CONFIG cluster ..." block or the
// legacy "VALUE AmazonElastiCache:cluster ..." block; both are a
// single header line, a byte-counted payload, a trailing CRLF, and an
// END line (§4.8). Open Question in §9: these are two distinct wire
// shapes that happen to look like Multiline; they are never unified.
func (d *Decoder) stepConfig() (*Result, bool, error) {
	if d.configStage == 0 {
		line, ok, err := d.nextLine()
		if err != nil || !ok {
			return nil, false, err
		}
		if isErrorLine(line) {
			return nil, false, &errs.ProtocolError{Line: line}
		}
		var fields []string
		start := 0
		for i := 0; i <= len(line); i++ {
			if i == len(line) || line[i] == ' ' {
				if i > start {
					fields = append(fields, line[start:i])
				}
				start = i + 1
			}
		}
		if len(fields) < 4 {
			return nil, false, fmt.Errorf("text: malformed config header %q", line)
		}
		n, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return nil, false, fmt.Errorf("text: malformed config length in %q: %w", line, err)
		}
		d.want = n
		d.configStage = 1
	}

	if d.configStage == 1 {
		if len(d.buf) < d.want+2 {
			return nil, false, nil
		}
		payload := append([]byte(nil), d.buf[:d.want]...)
		rest := d.buf[d.want:]
		if !bytes.HasPrefix(rest, crlf) {
			return nil, false, fmt.Errorf("text: missing CRLF after config payload")
		}
		d.buf = rest[2:]
		d.configPayload = payload
		d.configStage = 2
	}

	end, ok, err := d.nextLine()
	if err != nil || !ok {
		return nil, false, err
	}
	if end != "END" {
		return nil, false, fmt.Errorf("text: expected END after config payload, got %q", end)
	}
	return &Result{Shape: Config, Config: &ConfigResult{Payload: d.configPayload}}, true, nil
}
