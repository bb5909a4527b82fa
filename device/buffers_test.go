package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrowCapacity(t *testing.T) {
	// capacity = next multiple of 128 above ceil(1.1*n + 10)
	cases := []struct{ n, want int }{
		{0, 128},
		{1, 128},
		{100, 128},
		{107, 128}, // ceil(127.7) = 128, still one block
		{108, 256}, // ceil(128.8) = 129, rolls over
		{1000, 1152},
		{10000, 11136},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, GrowCapacity(c.n), "n=%d", c.n)
	}
}

func TestHostBufferResizePreserves(t *testing.T) {
	hb := NewHostBuffer[float32](4)
	for i := range hb.Data() {
		hb.Data()[i] = float32(i + 1)
	}

	hb.Resize(1000)
	require.Equal(t, 1000, hb.Size())
	for i := 0; i < 4; i++ {
		assert.Equal(t, float32(i+1), hb.Data()[i])
	}
	for i := 4; i < 1000; i++ {
		require.Equal(t, float32(0), hb.Data()[i])
	}

	// Shrinking keeps capacity, content survives a regrow within capacity
	hb.Resize(2)
	hb.Resize(4)
	assert.Equal(t, float32(3), hb.Data()[2])
}

func TestHostBufferTakeFrom(t *testing.T) {
	src := NewHostBuffer[int32](8)
	src.Data()[5] = 42

	var dst HostBuffer[int32]
	dst.TakeFrom(src)

	assert.Equal(t, 8, dst.Size())
	assert.Equal(t, int32(42), dst.Data()[5])
	assert.Equal(t, 0, src.Size())
	assert.Nil(t, src.buf)
}

func TestHostBufferCopyIsDeep(t *testing.T) {
	src := NewHostBuffer[float64](3)
	src.Data()[0] = 1.5

	dst := NewHostBuffer[float64](0)
	dst.CopyFrom(src)
	src.Data()[0] = -1

	require.Equal(t, 3, dst.Size())
	assert.Equal(t, 1.5, dst.Data()[0])
}

func TestPinnedBufferHostOnly(t *testing.T) {
	// A nil device degrades PinnedBuffer to host storage; transfers are
	// no-ops and the engine runs serially.
	pb := NewPinnedBuffer[float32](nil, 16)
	require.Equal(t, 16, pb.Size())
	require.Nil(t, pb.DevMem())

	for i := range pb.Data() {
		pb.Data()[i] = float32(i)
	}
	stream := NewStream(nil)
	pb.UploadToDevice(stream)
	pb.DownloadFromDevice(stream, Synchronous)

	assert.Equal(t, float32(7), pb.Data()[7])

	pb.Resize(200, stream)
	assert.Equal(t, float32(7), pb.Data()[7], "grow must preserve host content")

	pb.ClearHost()
	assert.Equal(t, float32(0), pb.Data()[7])
}

func TestPinnedBufferBytesAliasing(t *testing.T) {
	pb := NewPinnedBuffer[float32](nil, 2)
	pb.Data()[0] = 1.0

	b := pb.HostBytes()
	require.Equal(t, 8, len(b))
	// float32(1.0) little-endian
	assert.Equal(t, []byte{0, 0, 0x80, 0x3f}, b[:4])
}

func TestGenericCopyToHost(t *testing.T) {
	stream := NewStream(nil)

	src := NewPinnedBuffer[float32](nil, 3)
	src.Data()[0], src.Data()[1], src.Data()[2] = 1, 2, 3

	t.Run("CompatibleSizes", func(t *testing.T) {
		dst := NewHostBuffer[byte](0)
		GenericCopyToHost(dst, src, stream)
		assert.Equal(t, 12, dst.Size(), "3 x float32 as bytes")
	})

	t.Run("SameSize", func(t *testing.T) {
		dst := NewHostBuffer[int32](0)
		GenericCopyToHost(dst, src, stream)
		require.Equal(t, 3, dst.Size())
	})

	t.Run("IncompatibleSizes", func(t *testing.T) {
		src3 := NewHostBuffer[[3]byte](2)
		dst := NewHostBuffer[uint16](0)
		assert.Panics(t, func() { GenericCopyToHost(dst, src3, stream) })
	})
}
