package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFNV64(t *testing.T) {
	assert.Equal(t, uint64(0xcbf29ce484222325), FNV64(nil))
	assert.Equal(t, uint64(0xaf63dc4c8601ec8c), FNV64([]byte("a")))
	assert.NotEqual(t, FNV64([]byte("abc")), FNV64([]byte("abd")))
}

func TestCRC32(t *testing.T) {
	assert.Equal(t, uint32(0x3610a686), CRC32([]byte("hello")))
	assert.Equal(t, uint32(0x4a17b156), CRC32([]byte("Hello World")))
}

func TestCRC32Continuous(t *testing.T) {
	data := []byte("Hello World")
	crc := uint32(0)
	for _, b := range data {
		crc = CRC32Continuous(crc, []byte{b})
	}
	assert.Equal(t, CRC32(data), crc)
}

func TestCRC32C(t *testing.T) {
	data := []byte("the quick brown fox")
	assert.Equal(t, CRC32C(data), CRC32C(data))
	assert.NotEqual(t, CRC32(data), CRC32C(data))

	crc := CRC32CContinuous(0, data[:7])
	crc = CRC32CContinuous(crc, data[7:])
	assert.Equal(t, CRC32C(data), crc)
}

func TestXX64(t *testing.T) {
	data := []byte("record payload")
	assert.Equal(t, XX64(data), XX64(data))
	assert.NotEqual(t, XX64(data), XX64([]byte("record payloae")))
}

func TestXX3(t *testing.T) {
	data := []byte("record payload")
	assert.Equal(t, XX3(data), XX3Seed(data, 0))
	assert.NotEqual(t, XX3Seed(data, 1), XX3Seed(data, 2))
	assert.NotEqual(t, XX3(data), XX64(data))
}
