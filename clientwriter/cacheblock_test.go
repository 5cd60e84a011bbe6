package clientwriter

import (
	"bytes"
	"testing"

	"github.com/dfscore/chunkengine/chunk"
)

func TestCacheBlock_ExpandGrowsInPlace(t *testing.T) {
	b := newCacheBlock(0, 0, Writable)
	if !b.Empty() {
		t.Fatal("freshly created block should be empty")
	}
	if !b.Expand(0, 10, bytes.Repeat([]byte{1}, 10)) {
		t.Fatal("first expand should succeed")
	}
	if b.Empty() || b.Full() {
		t.Fatal("partially filled block should be neither empty nor full")
	}
	if !b.Expand(10, 20, bytes.Repeat([]byte{2}, 10)) {
		t.Fatal("abutting expand should succeed")
	}
	if b.From != 0 || b.To != 20 {
		t.Fatalf("filled range = [%d,%d), want [0,20)", b.From, b.To)
	}
}

func TestCacheBlock_ExpandRejectsGap(t *testing.T) {
	b := newCacheBlock(0, 0, Writable)
	b.Expand(0, 10, bytes.Repeat([]byte{1}, 10))
	if b.Expand(20, 30, bytes.Repeat([]byte{2}, 10)) {
		t.Fatal("non-contiguous expand into a separate range should fail")
	}
}

func TestCacheBlock_ExpandRejectsNonWritable(t *testing.T) {
	b := newCacheBlock(0, 0, Parity)
	if b.Expand(0, 10, bytes.Repeat([]byte{1}, 10)) {
		t.Fatal("a non-writable block must reject Expand")
	}
}

func TestCacheBlock_Full(t *testing.T) {
	b := newCacheBlock(0, 0, Writable)
	b.Expand(0, chunk.BlockSize, make([]byte, chunk.BlockSize))
	if !b.Full() {
		t.Fatal("block filled end to end should report Full")
	}
}
