package layout_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustedfs/rfs/layout"
	"github.com/rustedfs/rfs/rfserr"
)

func TestSuperBlock__EncodeDecode__RoundTrip(t *testing.T) {
	sb := layout.SuperBlock{
		Magic:             layout.Magic,
		TotalBlocks:       4096,
		InodeBitmapBlocks: 1,
		InodeBlocks:       32,
		DataBitmapBlocks:  1,
		DataBlocks:        4062,
	}
	buf := make([]byte, 512)
	sb.Encode(buf)

	got := layout.DecodeSuperBlock(buf)
	require.Equal(t, sb, got)
	require.True(t, got.Valid())
}

func TestSuperBlock__Valid__WrongMagic(t *testing.T) {
	buf := make([]byte, 512)
	sb := layout.DecodeSuperBlock(buf)
	require.False(t, sb.Valid())
}

func TestInode__EncodeDecode__RoundTrip(t *testing.T) {
	in := layout.Inode{Size: 1234, Indirect1: 7, Indirect2: 0, Type: layout.Directory}
	in.Direct[0] = 5
	in.Direct[27] = 99

	buf := make([]byte, layout.InodeSize)
	in.Encode(buf)

	got := layout.DecodeInode(buf)
	require.Equal(t, in, got)
}

func TestInode__InodeSize__MatchesFourPerBlock(t *testing.T) {
	require.Equal(t, 128, layout.InodeSize)
	require.Equal(t, 4, layout.InodesPerBlock)
}

func TestTotalBlocks__BoundaryCrossings(t *testing.T) {
	cases := []struct {
		name     string
		size     uint32
		expected uint32
	}{
		{"empty", 0, 0},
		{"exactly direct bound", layout.DirectBound * 512, layout.DirectBound},
		{"one block past direct bound", (layout.DirectBound + 1) * 512, layout.DirectBound + 1 + 1},
		{"exactly indirect1 bound", layout.Indirect1Bound * 512, layout.Indirect1Bound + 1},
		{"one block past indirect1 bound crosses indirect2", (layout.Indirect1Bound + 1) * 512, 160},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, layout.TotalBlocks(tc.size))
		})
	}
}

func TestDirent__NewDirent__RejectsLongAndInvalidNames(t *testing.T) {
	_, err := layout.NewDirent("this-name-is-definitely-longer-than-27-bytes", 1)
	require.ErrorIs(t, err, rfserr.NameTooLong)

	_, err = layout.NewDirent("bad\x00name", 1)
	require.ErrorIs(t, err, rfserr.InvalidName)
}

func TestDirent__EncodeDecode__RoundTrip(t *testing.T) {
	d, err := layout.NewDirent("hello", 42)
	require.NoError(t, err)

	buf := make([]byte, layout.DirentSize)
	d.Encode(buf)

	got := layout.DecodeDirent(buf)
	require.Equal(t, "hello", got.NameString())
	require.Equal(t, uint32(42), got.InodeNumber)
}
