package mrclink

import (
	"regexp"
	"strconv"

	"github.com/mrc-gateway/mrcgw/msg"
)

var (
	reNoResponse    = regexp.MustCompile(`^ERR.*NO RESP.*`)
	reAddrConflict  = regexp.MustCompile(`^ERR.*ADDR.*`)
	reGenericError  = regexp.MustCompile(`^ERR.*`)
	reReadSetLine   = regexp.MustCompile(`^[SERM]{2} (\d+) (\d+) (\d+) (-?\d+)$`)
	reScanbusHeader = regexp.MustCompile(`^ID-SCAN BUS (\d+):$`)
	reScanbusLine   = regexp.MustCompile(`^(\d+): (-|(\d+), (ON|0FF))$`)
	reNumericLine   = regexp.MustCompile(`^-?\d+$`)
)

// requestShape classifies the outgoing MRC request so Feed knows which
// per-request grammar to apply.
type requestShape int

const (
	shapeReadOrSet requestShape = iota
	shapeScanbus
	shapeReadMulti
	shapeRcResetCopy
	shapeUnhandled
)

// Parser is a line-oriented state machine that consumes MRC output lines
// for a single in-flight request and produces one typed Message response.
// A Parser is single-use: construct one per command cycle with NewParser.
type Parser struct {
	shape requestShape
	req   msg.Message
	resp  msg.Message
	done  bool

	errorLinesToConsume int

	// scanbus state
	scanbus          *msg.ScanbusResult
	scanbusHeaderSet bool
	addrConflictNext bool
	resyncLinesLeft  int

	// read-multi state
	readMulti *msg.ReadMultiResult
	linesLeft int
}

// NewParser constructs a Parser for the given outgoing MRC-bound request.
// A request shape the parser does not recognize completes immediately with
// Error(Unknown).
func NewParser(req msg.Message) *Parser {
	p := &Parser{req: req}

	switch r := req.(type) {
	case *msg.ReadRequest, *msg.SetRequest:
		p.shape = shapeReadOrSet
	case *msg.ScanbusRequest:
		p.shape = shapeScanbus
		p.scanbus = &msg.ScanbusResult{Bus: r.Bus}
	case *msg.ReadMultiRequest:
		p.shape = shapeReadMulti
		p.readMulti = &msg.ReadMultiResult{Bus: r.Bus, Dev: r.Dev, Par: r.Par}
		p.linesLeft = r.Count
	case *msg.RcRequest, *msg.ResetRequest, *msg.CopyRequest:
		p.shape = shapeRcResetCopy
	default:
		p.shape = shapeUnhandled
		p.resp = &msg.ErrorResult{ErrKind: msg.ErrUnknown}
		p.done = true
	}

	return p
}

// Done reports whether the parser has produced a final response.
func (p *Parser) Done() bool { return p.done }

// Response returns the parser's response. Valid only once Done reports true.
func (p *Parser) Response() msg.Message { return p.resp }

// Feed consumes one line of MRC output and reports whether the parser is
// now done.
func (p *Parser) Feed(line string) bool {
	if p.done {
		return true
	}

	if p.errorLinesToConsume > 0 {
		p.errorLinesToConsume--
		if p.errorLinesToConsume == 0 {
			p.done = true
		}
		return p.done
	}

	if p.resyncLinesLeft > 0 {
		p.resyncLinesLeft--
		if p.resyncLinesLeft == 0 {
			p.done = true
		}
		return p.done
	}

	// Scanbus intercepts the address-conflict marker before the common
	// error checks run — it is not itself a terminating error.
	if p.shape == shapeScanbus && reAddrConflict.MatchString(line) {
		p.addrConflictNext = true
		return false
	}

	if reNoResponse.MatchString(line) {
		return p.completeWithError(msg.ErrNoResponse)
	}
	if reAddrConflict.MatchString(line) {
		return p.completeWithError(msg.ErrAddressConflict)
	}
	if reGenericError.MatchString(line) {
		return p.completeWithError(msg.ErrUnknown)
	}

	switch p.shape {
	case shapeReadOrSet:
		return p.feedReadOrSet(line)
	case shapeScanbus:
		return p.feedScanbus(line)
	case shapeReadMulti:
		return p.feedReadMulti(line)
	case shapeRcResetCopy:
		return p.feedRcResetCopy(line)
	default:
		p.resp = &msg.ErrorResult{ErrKind: msg.ErrUnknown}
		p.done = true
		return true
	}
}

// completeWithError finalizes the parser with an Error response. Rc/Reset/
// Copy replies carry one follow-up line after an error, so that shape arms
// errorLinesToConsume; every other shape (ReadMulti included — the MRC
// aborts straight to the prompt) completes immediately.
func (p *Parser) completeWithError(kind msg.ErrorKind) bool {
	p.resp = &msg.ErrorResult{ErrKind: kind}

	if p.shape == shapeRcResetCopy {
		p.errorLinesToConsume = 1
		return false
	}

	p.done = true
	return true
}

func (p *Parser) feedReadOrSet(line string) bool {
	m := reReadSetLine.FindStringSubmatch(line)
	if m == nil {
		p.resp = &msg.ErrorResult{ErrKind: msg.ErrParseError}
		p.done = true
		return true
	}

	bus, _ := strconv.Atoi(m[1])
	dev, _ := strconv.Atoi(m[2])
	par, _ := strconv.Atoi(m[3])
	val, _ := strconv.Atoi(m[4])

	mirror := false
	isRead := false
	switch r := p.req.(type) {
	case *msg.ReadRequest:
		mirror = r.Mirror
		isRead = true
	case *msg.SetRequest:
		mirror = r.Mirror
	}

	// Polarity-inversion quirk: a negative reading is widened to 2^15-|val|.
	// Reads only; a Set echo passes through as-is.
	if isRead && val < 0 {
		val = (1 << 15) - (-val)
	}

	p.resp = &msg.ReadResult{Bus: uint8(bus), Dev: uint8(dev), Par: uint8(par), Val: int32(val), Mirror: mirror}
	p.done = true
	return true
}

func (p *Parser) feedScanbus(line string) bool {
	if !p.scanbusHeaderSet {
		m := reScanbusHeader.FindStringSubmatch(line)
		if m == nil {
			// A body line without a prior header is a parse error;
			// resynchronize by consuming the remainder of the 16-line body.
			p.resp = &msg.ErrorResult{ErrKind: msg.ErrParseError}
			left := 15
			if bm := reScanbusLine.FindStringSubmatch(line); bm != nil {
				if dev, err := strconv.Atoi(bm[1]); err == nil && dev <= 15 {
					left = 15 - dev
				}
			}
			if left <= 0 {
				p.done = true
				return true
			}
			p.resyncLinesLeft = left
			return false
		}
		p.scanbusHeaderSet = true
		return false
	}

	m := reScanbusLine.FindStringSubmatch(line)
	if m == nil {
		p.resp = &msg.ErrorResult{ErrKind: msg.ErrParseError}
		p.done = true
		return true
	}

	dev, _ := strconv.Atoi(m[1])

	entry := msg.ScanbusEntry{}
	if m[2] != "-" {
		idc, _ := strconv.Atoi(m[3])
		entry.Idc = uint8(idc)
		if m[4] == "ON" {
			entry.Status = msg.RcOn
		} else {
			entry.Status = msg.RcOff
		}
	}

	if p.addrConflictNext {
		entry.Status = msg.RcAddressConflict
		p.addrConflictNext = false
	}

	if dev >= 0 && dev < len(p.scanbus.Entries) {
		p.scanbus.Entries[dev] = entry
	}

	if dev == 15 {
		p.resp = p.scanbus
		p.done = true
		return true
	}

	return false
}

func (p *Parser) feedReadMulti(line string) bool {
	if !reNumericLine.MatchString(line) {
		p.resp = &msg.ErrorResult{ErrKind: msg.ErrParseError}
		if p.linesLeft > 1 {
			p.errorLinesToConsume = p.linesLeft - 1
			return false
		}
		p.done = true
		return true
	}

	val, _ := strconv.Atoi(line)
	p.readMulti.Values = append(p.readMulti.Values, int32(val))
	p.linesLeft--

	if p.linesLeft == 0 {
		p.resp = p.readMulti
		p.done = true
		return true
	}

	return false
}

func (p *Parser) feedRcResetCopy(_ string) bool {
	p.resp = &msg.BoolResult{Value: true}
	p.done = true
	return true
}
