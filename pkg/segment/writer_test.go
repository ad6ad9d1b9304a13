// SPDX-License-Identifier: GPL-2.0-or-later

package segment

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeAVCCPrefixesEachNALUWithItsLength(t *testing.T) {
	nalus := [][]byte{{0x01, 0x02}, {0x03}}
	got := encodeAVCC(nalus)

	require.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x02, 0x01, 0x02,
		0x00, 0x00, 0x00, 0x01, 0x03,
	}, got)
}

func TestClampDurationRejectsNonPositive(t *testing.T) {
	require.EqualValues(t, 1, clampDuration(0))
	require.EqualValues(t, 1, clampDuration(-5))
	require.EqualValues(t, 42, clampDuration(42))
}

func TestCtxDoneReflectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	require.False(t, ctxDone(ctx))
	cancel()
	require.True(t, ctxDone(ctx))
}

func TestClassifyReadErrorMapsKnownCases(t *testing.T) {
	require.NoError(t, classifyReadError(context.Canceled))
	require.NoError(t, classifyReadError(context.DeadlineExceeded))
	require.ErrorIs(t, classifyReadError(io.EOF), ErrEOF)

	other := errors.New("connection reset")
	require.ErrorIs(t, classifyReadError(other), ErrPacketReadError)
}
