package r2t

import "testing"

func TestNewAccountsImmediateData(t *testing.T) {
	e := New(Params{MaxOutstandingR2T: 1, MaxBurstLength: 1024}, 2048, 512)
	if got := e.Remaining(); got != 1536 {
		t.Errorf("Remaining() = %d, want 1536", got)
	}
	if e.Complete() {
		t.Error("Complete() = true, want false")
	}
}

func TestCompleteWhenAllDataReceived(t *testing.T) {
	e := New(Params{MaxOutstandingR2T: 1}, 100, 0)
	e.AccountDataOut(100, true)
	if !e.Complete() {
		t.Error("Complete() = false, want true")
	}
	if e.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", e.Remaining())
	}
}

func TestAccountDataOutOnlyDecrementsOnFinal(t *testing.T) {
	e := New(Params{MaxOutstandingR2T: 2, MaxBurstLength: 1000}, 1000, 0)
	e.NextBurst()
	if e.Outstanding() != 1 {
		t.Fatalf("Outstanding() = %d, want 1", e.Outstanding())
	}
	e.AccountDataOut(500, false)
	if e.Outstanding() != 1 {
		t.Errorf("Outstanding() after non-final PDU = %d, want 1", e.Outstanding())
	}
	e.AccountDataOut(500, true)
	if e.Outstanding() != 0 {
		t.Errorf("Outstanding() after final PDU = %d, want 0", e.Outstanding())
	}
}

func TestNextBurstHonorsMaxOutstanding(t *testing.T) {
	e := New(Params{MaxOutstandingR2T: 1, MaxBurstLength: 100}, 1000, 0)
	first := e.NextBurst()
	if first == nil {
		t.Fatal("first NextBurst() = nil, want an R2T")
	}
	if second := e.NextBurst(); second != nil {
		t.Error("second NextBurst() while one is still outstanding should be nil")
	}
}

// TestNextBurstDoesNotOverSolicit is the direct regression test for the
// over-solicitation bug: sizing a burst off Remaining() (bytes not yet
// received) rather than r2t_len_to_send (bytes not yet covered by any
// issued R2T) would let every outstanding slot claim up to MaxBurstLength
// bytes each, soliciting far more than the command actually needs. With
// four free slots, 10000 bytes still take exactly two R2Ts (8192 + 1808).
func TestNextBurstDoesNotOverSolicit(t *testing.T) {
	e := New(Params{MaxOutstandingR2T: 4, MaxBurstLength: 8192}, 10000, 0)
	var total uint32
	for i := 0; i < 2; i++ {
		r := e.NextBurst()
		if r == nil {
			t.Fatalf("NextBurst() #%d = nil, want an R2T", i)
		}
		total += r.DesiredLength
	}
	if total != 10000 {
		t.Errorf("total bytes solicited across all outstanding R2Ts = %d, want 10000", total)
	}
	if r := e.NextBurst(); r != nil {
		t.Errorf("NextBurst() after every byte is already solicited = %+v, want nil", r)
	}
}

func TestNextBurstSlicesByMaxBurstLength(t *testing.T) {
	e := New(Params{MaxOutstandingR2T: 4, MaxBurstLength: 256}, 1000, 0)
	r := e.NextBurst()
	if r.DesiredLength != 256 {
		t.Errorf("DesiredLength = %d, want 256 (clamped to MaxBurstLength)", r.DesiredLength)
	}
}

func TestNextBurstReturnsNilWhenComplete(t *testing.T) {
	e := New(Params{MaxOutstandingR2T: 4}, 100, 100)
	if r := e.NextBurst(); r != nil {
		t.Error("NextBurst() on a fully-satisfied engine should return nil")
	}
}

func TestNextBurstAssignsIncrementingR2TSN(t *testing.T) {
	e := New(Params{MaxOutstandingR2T: 4, MaxBurstLength: 10}, 30, 0)
	r1 := e.NextBurst()
	e.AccountDataOut(10, true)
	r2 := e.NextBurst()
	if r1.R2TSN != 0 || r2.R2TSN != 1 {
		t.Errorf("R2TSN sequence = %d, %d, want 0, 1", r1.R2TSN, r2.R2TSN)
	}
	if r1.TTT == r2.TTT {
		t.Error("successive R2Ts reused the same TTT")
	}
}

// TestNextBurstMatchesLiteralR2TSlicingScenario reproduces an R2T slicing
// scenario the way internal/conn actually drives the engine: at
// most MaxOutstandingR2T bursts are ever solicited concurrently, and a new
// NextBurst call is only made after a slot frees up — mirroring
// handleDataOut re-invoking issueR2Ts once AccountDataOut's final PDU
// drops Outstanding(). A loop that called AccountDataOut synchronously
// right after every NextBurst (freeing the slot before the window limit
// was ever tested) would never exercise MaxOutstandingR2T at all.
func TestNextBurstMatchesLiteralR2TSlicingScenario(t *testing.T) {
	// data_length=65536, max_burst=8192, max_outstanding_r2t=2, initial_r2t
	// (no unsolicited data): expect 8 R2Ts total, never more than 2
	// outstanding, strictly increasing r2t_sn starting at 0, and
	// monotonically increasing buffer_offset.
	e := New(Params{MaxOutstandingR2T: 2, MaxBurstLength: 8192, InitialR2T: true}, 65536, 0)

	var issued []*R2T
	var pending []*R2T // issued but not yet accounted as final, FIFO
	prevOffset := int64(-1)
	issueUpToWindow := func() {
		for {
			r := e.NextBurst()
			if r == nil {
				return
			}
			if int64(r.BufferOffset) <= prevOffset {
				t.Errorf("BufferOffset %d did not advance past %d", r.BufferOffset, prevOffset)
			}
			prevOffset = int64(r.BufferOffset)
			issued = append(issued, r)
			pending = append(pending, r)
			if len(issued) > 64 {
				t.Fatal("R2T loop did not converge")
			}
		}
	}

	issueUpToWindow()
	if len(issued) != 2 {
		t.Fatalf("R2Ts issued before any Data-Out arrived = %d, want 2 (MaxOutstandingR2T)", len(issued))
	}

	for !e.Complete() {
		if len(pending) == 0 {
			t.Fatal("engine not complete but no R2T is outstanding to account for")
		}
		r := pending[0]
		pending = pending[1:]
		e.AccountDataOut(r.DesiredLength, true)
		issueUpToWindow()
		if len(issued) > 64 {
			t.Fatal("R2T loop did not converge")
		}
	}

	if issued[0].BufferOffset != 0 || issued[0].DesiredLength != 8192 || issued[0].R2TSN != 0 {
		t.Errorf("first R2T = %+v, want (offset=0, length=8192, r2t_sn=0)", issued[0])
	}
	if issued[1].BufferOffset != 8192 || issued[1].DesiredLength != 8192 || issued[1].R2TSN != 1 {
		t.Errorf("second R2T = %+v, want (offset=8192, length=8192, r2t_sn=1)", issued[1])
	}
	if len(issued) != 8 {
		t.Fatalf("total R2Ts issued = %d, want 8", len(issued))
	}
	for i, r := range issued {
		if r.R2TSN != uint32(i) {
			t.Errorf("issued[%d].R2TSN = %d, want %d", i, r.R2TSN, i)
		}
	}
}

func TestShouldSolicitWithInitialR2T(t *testing.T) {
	e := New(Params{InitialR2T: true, FirstBurstLength: 1000}, 1000, 0)
	if !e.ShouldSolicit(0) {
		t.Error("ShouldSolicit() with InitialR2T = false, want true")
	}
}

func TestShouldSolicitWithoutInitialR2T(t *testing.T) {
	e := New(Params{InitialR2T: false, FirstBurstLength: 512}, 1000, 0)
	if e.ShouldSolicit(256) {
		t.Error("ShouldSolicit(256) below FirstBurstLength = true, want false")
	}
	if !e.ShouldSolicit(512) {
		t.Error("ShouldSolicit(512) at FirstBurstLength = false, want true")
	}
}
