package protocol

// ATTWriteOverhead is the ATT opcode + handle prepended to every write.
const ATTWriteOverhead = 3

// DefaultMTU is assumed when the link does not report one.
const DefaultMTU = 512

// FallbackChunkSizes are tried in order when the peripheral rejects a write.
// 20 is the payload of the minimum 23-byte ATT MTU.
var FallbackChunkSizes = []int{244, 182, 20}

// ChunkSize returns the usable write payload for an MTU. Zero or negative
// MTUs fall back to DefaultMTU.
func ChunkSize(mtu int) int {
	if mtu <= ATTWriteOverhead {
		mtu = DefaultMTU
	}
	return mtu - ATTWriteOverhead
}

// ChunkSizeLadder returns the chunk sizes to try for mtu, largest first.
func ChunkSizeLadder(mtu int) []int {
	first := ChunkSize(mtu)
	ladder := []int{first}
	for _, s := range FallbackChunkSizes {
		if s < first {
			ladder = append(ladder, s)
		}
	}
	return ladder
}

// ChunkBytes splits data into consecutive slices of at most maxBytes.
// The slices alias data. Returns nil for empty data or maxBytes <= 0.
func ChunkBytes(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 || maxBytes <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+maxBytes-1)/maxBytes)
	for len(data) > 0 {
		n := min(maxBytes, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
