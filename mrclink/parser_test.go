package mrclink

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrc-gateway/mrcgw/msg"
)

// feedAll feeds every line to p and returns the final Done state.
func feedAll(p *Parser, lines []string) bool {
	done := false
	for _, l := range lines {
		done = p.Feed(l)
		if done {
			break
		}
	}
	return done
}

func TestParser_Read(t *testing.T) {
	p := NewParser(&msg.ReadRequest{Bus: 0, Dev: 0, Par: 42})
	done := feedAll(p, []string{"RE 0 0 42 1234"})

	require.True(t, done)
	got, ok := p.Response().(*msg.ReadResult)
	require.True(t, ok)
	require.Equal(t, &msg.ReadResult{Bus: 0, Dev: 0, Par: 42, Val: 1234}, got)
}

func TestParser_Set(t *testing.T) {
	p := NewParser(&msg.SetRequest{Bus: 1, Dev: 3, Par: 7, Val: 99})
	done := feedAll(p, []string{"SE 1 3 7 99"})

	require.True(t, done)
	got, ok := p.Response().(*msg.ReadResult)
	require.True(t, ok)
	require.Equal(t, &msg.ReadResult{Bus: 1, Dev: 3, Par: 7, Val: 99}, got)
}

func TestParser_MirrorFlagPreserved(t *testing.T) {
	p := NewParser(&msg.ReadRequest{Bus: 0, Dev: 0, Par: 1, Mirror: true})
	feedAll(p, []string{"RM 0 0 1 5"})

	got := p.Response().(*msg.ReadResult)
	require.True(t, got.Mirror)
}

func TestParser_NegativeReadWidened(t *testing.T) {
	p := NewParser(&msg.ReadRequest{Bus: 0, Dev: 0, Par: 1})
	feedAll(p, []string{"RE 0 0 1 -100"})

	got := p.Response().(*msg.ReadResult)
	require.Equal(t, int32((1<<15)-100), got.Val)
}

func TestParser_ScanbusWithAddressConflict(t *testing.T) {
	p := NewParser(&msg.ScanbusRequest{Bus: 0})

	lines := []string{
		"ID-SCAN BUS 0:",
		"0: -",
		"1: 17, ON",
		"ERR:ADDR",
		"2: 21, ON",
		"3: -", "4: -", "5: -", "6: -", "7: -",
		"8: -", "9: -", "10: -", "11: -", "12: -", "13: -", "14: -",
		"15: -",
	}

	done := feedAll(p, lines)
	require.True(t, done)

	got, ok := p.Response().(*msg.ScanbusResult)
	require.True(t, ok)
	require.Equal(t, uint8(0), got.Bus)
	require.Equal(t, msg.ScanbusEntry{Idc: 0, Status: msg.RcOff}, got.Entries[0])
	require.Equal(t, msg.ScanbusEntry{Idc: 17, Status: msg.RcOn}, got.Entries[1])
	require.Equal(t, msg.ScanbusEntry{Idc: 21, Status: msg.RcAddressConflict}, got.Entries[2])
	for i := 3; i <= 14; i++ {
		require.Equal(t, msg.ScanbusEntry{Idc: 0, Status: msg.RcOff}, got.Entries[i], "slot %d", i)
	}
	require.Equal(t, msg.ScanbusEntry{Idc: 0, Status: msg.RcOff}, got.Entries[15])
}

func TestParser_ScanbusRejectsLetterOForm(t *testing.T) {
	p := NewParser(&msg.ScanbusRequest{Bus: 0})
	feedAll(p, []string{"ID-SCAN BUS 0:"})

	// "OFF" (letter O) does not match the canonical "0FF" (digit zero)
	// grammar and is treated as a parse error.
	done := p.Feed("0: 9, OFF")
	require.True(t, done)

	_, ok := p.Response().(*msg.ErrorResult)
	require.True(t, ok)
}

func TestParser_ScanbusDigitZeroFormAccepted(t *testing.T) {
	p := NewParser(&msg.ScanbusRequest{Bus: 0})
	feedAll(p, []string{"ID-SCAN BUS 0:"})

	done := p.Feed("0: 9, 0FF")
	require.False(t, done)

	got := p.scanbus.Entries[0]
	require.Equal(t, msg.ScanbusEntry{Idc: 9, Status: msg.RcOff}, got)
}

func TestParser_ScanbusCompletesAtDev15DespitePriorAddrConflict(t *testing.T) {
	p := NewParser(&msg.ScanbusRequest{Bus: 1})
	feedAll(p, []string{"ID-SCAN BUS 1:"})
	for i := 0; i < 14; i++ {
		p.Feed("0: -")
	}
	p.Feed("ERR:ADDR")
	done := p.Feed("15: 3, ON")

	require.True(t, done)
	got := p.Response().(*msg.ScanbusResult)
	require.Equal(t, msg.ScanbusEntry{Idc: 3, Status: msg.RcAddressConflict}, got.Entries[15])
}

func TestParser_ReadMultiBoundaries(t *testing.T) {
	for _, count := range []int{1, 256} {
		p := NewParser(&msg.ReadMultiRequest{Bus: 0, Dev: 0, Par: 0, Count: count})

		var done bool
		for i := 0; i < count; i++ {
			done = p.Feed("7")
		}

		require.True(t, done)
		got, ok := p.Response().(*msg.ReadMultiResult)
		require.True(t, ok)
		require.Len(t, got.Values, count)
	}
}

func TestParser_ReadMultiNonNumericLineIsParseError(t *testing.T) {
	p := NewParser(&msg.ReadMultiRequest{Bus: 0, Dev: 0, Par: 0, Count: 5})

	done := p.Feed("garbage")
	require.False(t, done, "parser must consume remaining lines before completing")

	errResp, ok := p.Response().(*msg.ErrorResult)
	require.True(t, ok)
	require.Equal(t, msg.ErrParseError, errResp.ErrKind)

	for i := 0; i < 4; i++ {
		done = p.Feed("ignored")
	}
	require.True(t, done)
}

func TestParser_RcResetCopySuccess(t *testing.T) {
	for _, req := range []msg.Message{
		&msg.RcRequest{Bus: 0, Dev: 1, On: true},
		&msg.ResetRequest{Bus: 0, Dev: 1},
		&msg.CopyRequest{Bus: 0, Dev: 1},
	} {
		p := NewParser(req)
		done := p.Feed("OK")
		require.True(t, done)
		require.Equal(t, &msg.BoolResult{Value: true}, p.Response())
	}
}

func TestParser_RcErrorConsumesFollowupLine(t *testing.T) {
	p := NewParser(&msg.RcRequest{Bus: 0, Dev: 1, On: true})

	done := p.Feed("ERR:NO RESP")
	require.False(t, done)

	done = p.Feed("some follow-up line")
	require.True(t, done)

	errResp := p.Response().(*msg.ErrorResult)
	require.Equal(t, msg.ErrNoResponse, errResp.ErrKind)
}

func TestParser_UnhandledRequestShapeIsUnknownError(t *testing.T) {
	p := NewParser(&msg.HasWriteAccessRequest{})
	require.True(t, p.Done())

	errResp, ok := p.Response().(*msg.ErrorResult)
	require.True(t, ok)
	require.Equal(t, msg.ErrUnknown, errResp.ErrKind)
}

func TestParser_GenericErrorOnReadSet(t *testing.T) {
	p := NewParser(&msg.ReadRequest{Bus: 0, Dev: 0, Par: 0})
	done := p.Feed("ERR:SOMETHING")

	require.True(t, done)
	errResp := p.Response().(*msg.ErrorResult)
	require.Equal(t, msg.ErrUnknown, errResp.ErrKind)
}

func TestParser_AddressConflictOnReadSet(t *testing.T) {
	p := NewParser(&msg.ReadRequest{Bus: 0, Dev: 0, Par: 0})
	done := p.Feed("ERR:ADDR CONFLICT")

	require.True(t, done)
	errResp := p.Response().(*msg.ErrorResult)
	require.Equal(t, msg.ErrAddressConflict, errResp.ErrKind)
}

func TestParser_NoResponseOnReadSet(t *testing.T) {
	p := NewParser(&msg.ReadRequest{Bus: 0, Dev: 0, Par: 0})
	done := p.Feed("ERR:NO RESP FROM DEVICE")

	require.True(t, done)
	errResp := p.Response().(*msg.ErrorResult)
	require.Equal(t, msg.ErrNoResponse, errResp.ErrKind)
}

func TestParser_ScanbusBodyLineWithoutHeaderResynchronizes(t *testing.T) {
	p := NewParser(&msg.ScanbusRequest{Bus: 0})

	// A body line for dev 12 arrives with no ID-SCAN header; the parser
	// reports a parse error after consuming the remaining 3 body lines.
	done := p.Feed("12: 17, ON")
	require.False(t, done)

	done = p.Feed("13: -")
	require.False(t, done)
	done = p.Feed("14: -")
	require.False(t, done)
	done = p.Feed("15: -")
	require.True(t, done)

	errResp, ok := p.Response().(*msg.ErrorResult)
	require.True(t, ok)
	require.Equal(t, msg.ErrParseError, errResp.ErrKind)
}

func TestParser_ReadMultiCommonErrorCompletesImmediately(t *testing.T) {
	// A mid-stream MRC error aborts straight to the prompt; the parser
	// must not wait for the remaining count lines.
	p := NewParser(&msg.ReadMultiRequest{Bus: 0, Dev: 0, Par: 0, Count: 10})

	done := p.Feed("42")
	require.False(t, done)

	done = p.Feed("ERR:SOMETHING")
	require.True(t, done)
	require.True(t, p.Done())

	errResp, ok := p.Response().(*msg.ErrorResult)
	require.True(t, ok)
	require.Equal(t, msg.ErrUnknown, errResp.ErrKind)
}

func TestParser_ReadMultiNoResponseErrorBeforeAnyLine(t *testing.T) {
	p := NewParser(&msg.ReadMultiRequest{Bus: 0, Dev: 0, Par: 0, Count: 4})

	done := p.Feed("ERR:NO RESP")
	require.True(t, done)

	errResp := p.Response().(*msg.ErrorResult)
	require.Equal(t, msg.ErrNoResponse, errResp.ErrKind)
}

func TestParser_NegativeSetEchoNotWidened(t *testing.T) {
	// The polarity widening applies to readings only; a Set echo carries
	// the value the command wrote, negative included.
	p := NewParser(&msg.SetRequest{Bus: 0, Dev: 0, Par: 1, Val: -100})
	feedAll(p, []string{"SE 0 0 1 -100"})

	got := p.Response().(*msg.ReadResult)
	require.Equal(t, int32(-100), got.Val)
}
