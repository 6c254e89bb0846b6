package mrclink

import (
	"fmt"

	"github.com/mrc-gateway/mrcgw/msg"
)

// BuildCommand renders an MRC-bound request as the bare-\r-terminated ASCII
// command string the hardware expects. Returns ErrUnsupportedCommand if req
// is not one of the MRC-bound request variants.
func BuildCommand(req msg.Message) (string, error) {
	switch r := req.(type) {
	case *msg.ScanbusRequest:
		return fmt.Sprintf("SC %d\r", r.Bus), nil

	case *msg.RcRequest:
		if r.On {
			return fmt.Sprintf("ON %d %d\r", r.Bus, r.Dev), nil
		}
		return fmt.Sprintf("OFF %d %d\r", r.Bus, r.Dev), nil

	case *msg.ResetRequest:
		return fmt.Sprintf("RST %d %d\r", r.Bus, r.Dev), nil

	case *msg.CopyRequest:
		return fmt.Sprintf("CP %d %d\r", r.Bus, r.Dev), nil

	case *msg.ReadRequest:
		op := "RE"
		if r.Mirror {
			op = "RM"
		}
		return fmt.Sprintf("%s %d %d %d\r", op, r.Bus, r.Dev, r.Par), nil

	case *msg.SetRequest:
		op := "SE"
		if r.Mirror {
			op = "SM"
		}
		return fmt.Sprintf("%s %d %d %d %d\r", op, r.Bus, r.Dev, r.Par, r.Val), nil

	case *msg.ReadMultiRequest:
		return fmt.Sprintf("RB %d %d %d %d\r", r.Bus, r.Dev, r.Par, r.Count), nil

	default:
		return "", ErrUnsupportedCommand
	}
}
