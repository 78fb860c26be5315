//go:build linux && cgo

package afpacket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFanoutType(t *testing.T) {
	for _, ft := range []string{"hash", "hash_defrag", "lb", "cpu", "rollover", "random"} {
		_, err := parseFanoutType(ft)
		assert.NoError(t, err, ft)
	}
	_, err := parseFanoutType("ebpf")
	assert.Error(t, err)
}
