package mrclink

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrc-gateway/mrcgw/msg"
)

func TestBuildCommand(t *testing.T) {
	cases := []struct {
		name string
		req  msg.Message
		want string
	}{
		{"scanbus", &msg.ScanbusRequest{Bus: 1}, "SC 1\r"},
		{"rc on", &msg.RcRequest{Bus: 0, Dev: 3, On: true}, "ON 0 3\r"},
		{"rc off", &msg.RcRequest{Bus: 0, Dev: 3, On: false}, "OFF 0 3\r"},
		{"reset", &msg.ResetRequest{Bus: 1, Dev: 15}, "RST 1 15\r"},
		{"copy", &msg.CopyRequest{Bus: 0, Dev: 7}, "CP 0 7\r"},
		{"read", &msg.ReadRequest{Bus: 0, Dev: 0, Par: 42}, "RE 0 0 42\r"},
		{"mirror read", &msg.ReadRequest{Bus: 0, Dev: 0, Par: 42, Mirror: true}, "RM 0 0 42\r"},
		{"set", &msg.SetRequest{Bus: 1, Dev: 3, Par: 7, Val: 99}, "SE 1 3 7 99\r"},
		{"set negative", &msg.SetRequest{Bus: 1, Dev: 3, Par: 7, Val: -99}, "SE 1 3 7 -99\r"},
		{"mirror set", &msg.SetRequest{Bus: 1, Dev: 3, Par: 7, Val: 5, Mirror: true}, "SM 1 3 7 5\r"},
		{"read multi", &msg.ReadMultiRequest{Bus: 0, Dev: 2, Par: 0, Count: 256}, "RB 0 2 0 256\r"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildCommand(tc.req)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestBuildCommandRejectsNonMRCRequest(t *testing.T) {
	_, err := BuildCommand(&msg.HasWriteAccessRequest{})
	require.ErrorIs(t, err, ErrUnsupportedCommand)
}
