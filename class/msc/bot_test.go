package msc

import "testing"

func TestCBW(t *testing.T) {
	cdb := blockCDB(SCSIRead10, 0, 0x01020304, 8)
	cbw := NewCBW(7, 4096, true, cdb[:])
	cbw.LUN = 2

	var buf [CBWSize]byte
	if n := cbw.MarshalTo(buf[:]); n != CBWSize {
		t.Fatalf("MarshalTo() = %d, want %d", n, CBWSize)
	}
	if buf[0] != 'U' || buf[1] != 'S' || buf[2] != 'B' || buf[3] != 'C' {
		t.Errorf("signature bytes = %q", buf[:4])
	}

	var got CommandBlockWrapper
	if !ParseCBW(buf[:], &got) {
		t.Fatal("ParseCBW() = false")
	}
	if got != *cbw {
		t.Errorf("ParseCBW() = %+v, want %+v", got, *cbw)
	}
	if !got.IsDataIn() || got.IsDataOut() {
		t.Error("direction flags not preserved")
	}
	if parseU32BE(got.CB[:], 2) != 0x01020304 || parseU16BE(got.CB[:], 7) != 8 {
		t.Errorf("CDB = % X", got.CB[:10])
	}

	if cbw.MarshalTo(buf[:CBWSize-1]) != 0 {
		t.Error("MarshalTo(short buffer) wrote data")
	}
	if ParseCBW(buf[:CBWSize-1], &got) {
		t.Error("ParseCBW(short) = true")
	}
	buf[0] = 0
	if ParseCBW(buf[:], &got) {
		t.Error("ParseCBW(bad signature) = true")
	}
}

func TestCSW(t *testing.T) {
	var buf [CSWSize]byte
	want := NewCSW(9, 512, CSWStatusFailed)
	if n := want.MarshalTo(buf[:]); n != CSWSize {
		t.Fatalf("MarshalTo() = %d, want %d", n, CSWSize)
	}

	var got CommandStatusWrapper
	if !ParseCSW(buf[:], &got) || got != *want {
		t.Errorf("ParseCSW() = %+v, want %+v", got, *want)
	}

	buf[3] = 'X'
	if ParseCSW(buf[:], &got) {
		t.Error("ParseCSW(bad signature) = true")
	}
}

func TestSCSIPayloads(t *testing.T) {
	var buf [64]byte

	c := Capacity{LastLBA: 1 << 33, BlockLength: 512}
	c.MarshalTo10(buf[:])
	if parseU32BE(buf[:], 0) != 0xFFFFFFFF {
		t.Errorf("MarshalTo10() last LBA = 0x%X, want saturated", parseU32BE(buf[:], 0))
	}
	if c.MarshalTo16(buf[:]) != 32 || parseU64BE(buf[:], 0) != 1<<33 {
		t.Errorf("MarshalTo16() last LBA = %d", parseU64BE(buf[:], 0))
	}

	s := Sense{Key: SenseMediumError, ASC: ASCUnrecoveredRead, ASCQ: 1}
	if s.MarshalTo(buf[:]) != SenseSize {
		t.Fatal("Sense.MarshalTo() short")
	}
	var got Sense
	if !got.UnmarshalFrom(buf[:]) || got != s {
		t.Errorf("Sense.UnmarshalFrom() = %+v, want %+v", got, s)
	}

	f := FormatCapacity{Blocks: 2048, BlockLength: 512}
	if f.MarshalTo(buf[:]) != 12 || buf[3] != 8 || parseU32BE(buf[:], 4) != 2048 || buf[10] != 0x02 {
		t.Errorf("FormatCapacity.MarshalTo() = % X", buf[:12])
	}

	r := NewInquiryResponse(false, "a-very-long-vendor", "p", "")
	r.MarshalTo(buf[:])
	var back InquiryResponse
	back.UnmarshalFrom(buf[:])
	if back.Vendor() != "a-very-l" || back.Product() != "p" || back.Revision() != "" {
		t.Errorf("InquiryResponse = %q %q %q", back.Vendor(), back.Product(), back.Revision())
	}
}
