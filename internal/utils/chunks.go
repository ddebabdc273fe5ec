package utils

// TotalChunks returns the number of chunks needed to cover size bytes with
// chunks of chunkSize bytes: ceil(size / chunkSize). A zero-byte file has
// zero chunks.
func TotalChunks(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkRange returns the byte offset and length of chunk index within a file
// of size bytes split into chunkSize-byte chunks. The final chunk may be
// shorter than chunkSize.
func ChunkRange(index int, chunkSize, size int64) (offset, length int64) {
	offset = int64(index) * chunkSize
	if offset >= size {
		return offset, 0
	}
	length = chunkSize
	if offset+length > size {
		length = size - offset
	}
	return offset, length
}
