package packer

import (
	"fmt"
)

// KernelConfig parameterizes the generated OKL packing kernels. One
// kernel instance handles one channel of one record layout; the engine
// builds a kernel per selected channel and launches them back-to-back
// on the participant's stream.
type KernelConfig struct {
	RecordWords  int  // record stride in 4-byte words
	ChannelWords int  // channel element size in 4-byte words
	ChannelOff   int  // channel word offset inside the record
	Shift        bool // add the per-direction coordinate shift while packing
	BlockSize    int  // @inner width
	Epsilon      float32
}

// dtype returns the word type the kernel copies. Shifted channels
// carry coordinates and use float words; everything else moves as int
// words so non-float payloads survive bit-exactly.
func (cfg KernelConfig) dtype() string {
	if cfg.Shift {
		return "float"
	}
	return "int"
}

// GetKernelDefines returns the #define header shared by the kernels.
func GetKernelDefines(cfg KernelConfig) string {
	eps := cfg.Epsilon
	if eps == 0 {
		eps = DefaultEpsilon
	}
	return fmt.Sprintf(`
    // ===== Exchange Packing Configuration =====
    #define NDIRS 27
    #define REC_WORDS %d
    #define CHAN_WORDS %d
    #define CHAN_OFF %d
    #define BLOCK %d
    #define DTYPE %s
    #define MAP_DIR_SHIFT 27
    #define MAP_INDEX_MASK 0x7ffffff
    #define INFO_SEND_OFFSETS NDIRS
    #define EPS %gf
`, cfg.RecordWords, cfg.ChannelWords, cfg.ChannelOff, cfg.BlockSize, cfg.dtype(), eps)
}

// GetPackKernel returns the forward packing kernel: one thread per
// send slot, resolving the slot's direction by bisection over the send
// offsets of the exchange info table staged in shared memory, then
// copying the channel words of the mapped source element into the
// slot's record.
func GetPackKernel(cfg KernelConfig) string {
	shift := ""
	if cfg.Shift {
		shift = `
                        if (w < 3) v += shiftTable[dir * 3 + w];`
	}
	return fmt.Sprintf(`
    @kernel void packChannel(const int n,
                             const int *srcMap,
                             const int *exchInfos,
                             const float *shiftTable,
                             const DTYPE *src,
                             DTYPE *sendBuf) {
        @outer for (int blk = 0; blk < (n + BLOCK - 1) / BLOCK; ++blk) {
            @shared int offs[NDIRS + 1];
            @inner for (int t = 0; t < BLOCK; ++t) {
                if (t < NDIRS + 1) offs[t] = exchInfos[INFO_SEND_OFFSETS + t];
            }
            @inner for (int t = 0; t < BLOCK; ++t) {
                const int g = blk * BLOCK + t;
                if (g < n) {
                    int lo = 0;
                    int hi = NDIRS;
                    while (hi - lo > 1) {
                        const int mid = (lo + hi) / 2;
                        if (offs[mid] <= g) lo = mid;
                        else hi = mid;
                    }
                    const int dir = lo;
                    const int s = srcMap[g];
                    for (int w = 0; w < CHAN_WORDS; ++w) {
                        DTYPE v = src[s * CHAN_WORDS + w];%s
                        sendBuf[g * REC_WORDS + CHAN_OFF + w] = v;
                    }
                }
            }
        }
    }`, shift)
}

// GetUnpackKernel returns the overwrite unpacking kernel: received
// records land at consecutive destination elements starting at
// dstBase.
func GetUnpackKernel(cfg KernelConfig) string {
	return `
    @kernel void unpackChannel(const int n,
                               const int dstBase,
                               const DTYPE *recvBuf,
                               DTYPE *dst) {
        @outer for (int blk = 0; blk < (n + BLOCK - 1) / BLOCK; ++blk) {
            @inner for (int t = 0; t < BLOCK; ++t) {
                const int g = blk * BLOCK + t;
                if (g < n) {
                    for (int w = 0; w < CHAN_WORDS; ++w) {
                        dst[(dstBase + g) * CHAN_WORDS + w] =
                            recvBuf[g * REC_WORDS + CHAN_OFF + w];
                    }
                }
            }
        }
    }`
}

// GetUnpackAddKernel returns the additive unpacking kernel of the
// reverse pass: the map entry of each received record routes its float
// lanes to the originating local element, and lanes below EPS in
// magnitude are skipped so empty contributions leave the destination
// untouched. Several records can route to one element, an owner in a
// corner region is ghosted to up to 7 neighbors, so the merge is an
// atomic add per scalar lane.
func GetUnpackAddKernel(cfg KernelConfig) string {
	return `
    @kernel void unpackChannelAdd(const int n,
                                  const unsigned int *mapEntries,
                                  const float *recvBuf,
                                  float *dst) {
        @outer for (int blk = 0; blk < (n + BLOCK - 1) / BLOCK; ++blk) {
            @inner for (int t = 0; t < BLOCK; ++t) {
                const int g = blk * BLOCK + t;
                if (g < n) {
                    const unsigned int e = mapEntries[g];
                    const int dstIdx = e & MAP_INDEX_MASK;
                    for (int w = 0; w < CHAN_WORDS; ++w) {
                        const float s = recvBuf[g * REC_WORDS + CHAN_OFF + w];
                        if (s >= EPS || s <= -EPS) {
                            @atomic dst[dstIdx * CHAN_WORDS + w] += s;
                        }
                    }
                }
            }
        }
    }`
}

// GetCompleteKernelSource returns the defines plus all three kernels.
func GetCompleteKernelSource(cfg KernelConfig) string {
	return GetKernelDefines(cfg) +
		GetPackKernel(cfg) +
		GetUnpackKernel(cfg) +
		GetUnpackAddKernel(cfg)
}
