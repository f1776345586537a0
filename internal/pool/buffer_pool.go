package pool

import "sync"

var bufferPool = sync.Pool{New: func() any { return new([]byte) }}

// GetBuffer returns a buffer of length size from the pool. Its contents are unspecified.
//
// Return the buffer with PutBuffer once it is no longer needed.
func GetBuffer(size int) *[]byte {
	bp, _ := bufferPool.Get().(*[]byte)
	if cap(*bp) < size {
		*bp = make([]byte, size)
	}
	*bp = (*bp)[:size]
	return bp
}

// PutBuffer returns bp to the pool. The buffer must not be used afterwards.
func PutBuffer(bp *[]byte) {
	bufferPool.Put(bp)
}
