package syscalls

import (
	"encoding/binary"
	"testing"

	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-fvm-core/pkg/vm/kernel"
)

func encodeEventEntry(e kernel.EventEntry) []byte {
	buf := make([]byte, 0, 20+len(e.Key)+4+len(e.Value))
	head := make([]byte, 20)
	binary.LittleEndian.PutUint64(head[0:8], e.Flags)
	binary.LittleEndian.PutUint64(head[8:16], e.Codec)
	binary.LittleEndian.PutUint32(head[16:20], uint32(len(e.Key)))
	buf = append(buf, head...)
	buf = append(buf, e.Key...)
	valLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(valLen, uint32(len(e.Value)))
	buf = append(buf, valLen...)
	buf = append(buf, e.Value...)
	return buf
}

func TestDecodeEventEntriesRoundTrip(t *testing.T) {
	entries := []kernel.EventEntry{
		{Flags: 1, Key: "k1", Codec: 0x71, Value: []byte("v1")},
		{Flags: 2, Key: "k2", Codec: 0x55, Value: []byte("second value")},
	}
	var buf []byte
	for _, e := range entries {
		buf = append(buf, encodeEventEntry(e)...)
	}

	decoded, err := decodeEventEntries(buf)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
}

func TestDecodeEventEntriesEmptyBufferIsNoEntries(t *testing.T) {
	decoded, err := decodeEventEntries(nil)
	require.NoError(t, err)
	require.Empty(t, decoded)
}

func TestDecodeEventEntriesTruncatedHeaderErrors(t *testing.T) {
	_, err := decodeEventEntries([]byte{1, 2, 3})
	require.ErrorIs(t, err, errShortEventBuffer)
}

func TestDecodeEventEntriesTruncatedAfterKeyErrors(t *testing.T) {
	buf := encodeEventEntry(kernel.EventEntry{Key: "longkey", Value: []byte("v")})
	_, err := decodeEventEntries(buf[:len(buf)-5])
	require.Error(t, err)
}

func TestAbortStatusMapsNilToOK(t *testing.T) {
	require.Equal(t, uint64(statusOK), abortStatus(nil))
}

func TestAbortStatusMapsAbortToItsExitCode(t *testing.T) {
	a := kernel.Exit(exitcode.ErrForbidden, "nope")
	require.Equal(t, uint64(exitcode.ErrForbidden), abortStatus(a))
}

func TestAbortStatusPanicsOnFatalAbort(t *testing.T) {
	a := kernel.FatalAbort("state corrupt")
	require.PanicsWithValue(t, AbortPanic{Abort: a}, func() { abortStatus(a) })
}

func TestAbortStatusPanicsOnOutOfGasAbort(t *testing.T) {
	a := kernel.OutOfGasAbort()
	require.PanicsWithValue(t, AbortPanic{Abort: a}, func() { abortStatus(a) })
}

func TestBindExposesEveryCapabilityGroup(t *testing.T) {
	modules := Bind(nil)
	names := make(map[string]bool, len(modules))
	for _, m := range modules {
		names[m.Name] = true
	}
	for _, want := range []string{
		"network", "message", "ipld", "self", "actor",
		"send", "crypto", "rand", "gas", "event", "debug",
	} {
		require.True(t, names[want], "missing host module %q", want)
	}
}
