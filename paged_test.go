package vaultfs

import (
	"bytes"
	"testing"
)

func TestPagedStreamZeroFill(t *testing.T) {
	ps := NewPagedStream(NewMemStream(), 512)

	// A page that was never written reads as zeros.
	buf := bytes.Repeat([]byte{0xFF}, 512)
	if err := ps.ReadPage(7, buf); err != nil {
		t.Fatalf("read of unwritten page failed: %v", err)
	}
	if !isAllZero(buf) {
		t.Error("unwritten page did not read as zeros")
	}
}

func TestPagedStreamRoundTrip(t *testing.T) {
	ps := NewPagedStream(NewMemStream(), 512)

	page := make([]byte, 512)
	for i := range page {
		page[i] = byte(i)
	}
	if err := ps.WritePage(3, page); err != nil {
		t.Fatalf("write page failed: %v", err)
	}

	pages, err := ps.NumPages()
	if err != nil {
		t.Fatalf("num pages failed: %v", err)
	}
	if pages != 4 {
		t.Errorf("num pages = %d, want 4 (write extends in page increments)", pages)
	}

	got := make([]byte, 512)
	if err := ps.ReadPage(3, got); err != nil {
		t.Fatalf("read page failed: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Error("page content round trip failed")
	}

	// Pages before the written one exist and are zero.
	if err := ps.ReadPage(1, got); err != nil {
		t.Fatalf("read of intermediate page failed: %v", err)
	}
	if !isAllZero(got) {
		t.Error("intermediate page is not zero")
	}
}

func TestPagedStreamBufSize(t *testing.T) {
	ps := NewPagedStream(NewMemStream(), 512)

	if err := ps.ReadPage(0, make([]byte, 100)); err == nil {
		t.Error("short read buffer accepted")
	}
	if err := ps.WritePage(0, make([]byte, 513)); err == nil {
		t.Error("oversized write buffer accepted")
	}
}

func TestPagedStreamResize(t *testing.T) {
	ps := NewPagedStream(NewMemStream(), 256)

	page := bytes.Repeat([]byte{0xAB}, 256)
	for i := uint32(0); i < 5; i++ {
		if err := ps.WritePage(i, page); err != nil {
			t.Fatalf("write page %d failed: %v", i, err)
		}
	}
	if err := ps.Resize(2); err != nil {
		t.Fatalf("resize failed: %v", err)
	}
	pages, _ := ps.NumPages()
	if pages != 2 {
		t.Errorf("num pages after resize = %d, want 2", pages)
	}

	// The truncated pages read as zeros again.
	buf := make([]byte, 256)
	if err := ps.ReadPage(4, buf); err != nil {
		t.Fatalf("read after resize failed: %v", err)
	}
	if !isAllZero(buf) {
		t.Error("truncated page did not read as zeros")
	}
}
