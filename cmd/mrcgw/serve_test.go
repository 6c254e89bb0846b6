package main

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodeForListenErr(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("listen: %w", syscall.EADDRINUSE), 2},
		{fmt.Errorf("listen: %w", syscall.EADDRNOTAVAIL), 3},
		{fmt.Errorf("listen: %w", syscall.EACCES), 4},
		{fmt.Errorf("listen: %w", syscall.EINVAL), 5},
		{errors.New("something else entirely"), 127},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, exitCodeForListenErr(tc.err))
	}
}

func TestExitCodeForError(t *testing.T) {
	require.Equal(t, 0, exitCodeForError(nil))
	require.Equal(t, 1, exitCodeForError(&cliError{code: 1, err: errors.New("bad options")}))
	require.Equal(t, 127, exitCodeForError(errors.New("unmapped")))
}
