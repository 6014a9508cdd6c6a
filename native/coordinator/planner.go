package coordinator

import (
	"fmt"
	"time"

	"htlcswap/native/htlc"
)

// Timelocks are the offsets, relative to announcement, of each leg's
// withdraw and cancel deadlines.
type Timelocks struct {
	SrcWithdraw time.Duration `yaml:"src_withdraw" json:"srcWithdraw"`
	SrcCancel   time.Duration `yaml:"src_cancel" json:"srcCancel"`
	DstWithdraw time.Duration `yaml:"dst_withdraw" json:"dstWithdraw"`
	DstCancel   time.Duration `yaml:"dst_cancel" json:"dstCancel"`
	// Buffer is the minimum gap between the destination and source cancel
	// deadlines: time for the revealed secret to finalise on the destination
	// chain and for the source claim to land.
	Buffer time.Duration `yaml:"buffer" json:"buffer"`
}

// MinCancelOffset is the smallest cancel offset accepted for either leg.
const MinCancelOffset = 10 * time.Minute

// DefaultTimelocks returns the planning defaults.
func DefaultTimelocks() Timelocks {
	return Timelocks{
		SrcWithdraw: time.Hour,
		SrcCancel:   3 * time.Hour,
		DstWithdraw: 30 * time.Minute,
		DstCancel:   90 * time.Minute,
		Buffer:      3 * time.Minute,
	}
}

// WithDefaults merges t over DefaultTimelocks field by field. Zero cancel
// offsets, a zero buffer and a zero source withdraw offset take the default,
// since none of them can be valid. A zero destination withdraw offset is kept
// when the source withdraw offset is set, so the destination leg may open
// immediately.
func (t Timelocks) WithDefaults() Timelocks {
	d := DefaultTimelocks()
	if t.SrcWithdraw == 0 {
		if t.DstWithdraw == 0 {
			t.DstWithdraw = d.DstWithdraw
		}
		t.SrcWithdraw = d.SrcWithdraw
	}
	if t.SrcCancel == 0 {
		t.SrcCancel = d.SrcCancel
	}
	if t.DstCancel == 0 {
		t.DstCancel = d.DstCancel
	}
	if t.Buffer == 0 {
		t.Buffer = d.Buffer
	}
	return t
}

// Validate checks the offsets and the cross-leg ordering.
func (t Timelocks) Validate() error {
	if t.SrcWithdraw < 0 || t.DstWithdraw < 0 || t.Buffer < 0 {
		return fmt.Errorf("%w: negative offset", htlc.ErrInvalidTimelockOrdering)
	}
	if t.SrcCancel < MinCancelOffset || t.DstCancel < MinCancelOffset {
		return fmt.Errorf("%w: cancel offsets must be at least %s", htlc.ErrInvalidTimelockOrdering, MinCancelOffset)
	}
	src, dst := t.Plan(0)
	return CheckOrdering(src, dst, t.Buffer)
}

// Plan resolves the offsets against the announcement time now (unix seconds).
func (t Timelocks) Plan(now int64) (src, dst Window) {
	src = Window{WithdrawAfter: now + seconds(t.SrcWithdraw), CancelAfter: now + seconds(t.SrcCancel)}
	dst = Window{WithdrawAfter: now + seconds(t.DstWithdraw), CancelAfter: now + seconds(t.DstCancel)}
	return src, dst
}

// Window is one leg's absolute claim window [WithdrawAfter, CancelAfter).
type Window struct {
	WithdrawAfter int64
	CancelAfter   int64
}

// CheckOrdering enforces the deadlines that make the swap atomic: each leg
// opens before it cancels, the destination leg opens first, and it cancels
// at least buffer before the source leg.
func CheckOrdering(src, dst Window, buffer time.Duration) error {
	switch {
	case src.CancelAfter <= src.WithdrawAfter:
		return fmt.Errorf("%w: source cancel %d not after withdraw %d", htlc.ErrInvalidTimelockOrdering, src.CancelAfter, src.WithdrawAfter)
	case dst.CancelAfter <= dst.WithdrawAfter:
		return fmt.Errorf("%w: destination cancel %d not after withdraw %d", htlc.ErrInvalidTimelockOrdering, dst.CancelAfter, dst.WithdrawAfter)
	case dst.WithdrawAfter >= src.WithdrawAfter:
		return fmt.Errorf("%w: destination must open before source (%d >= %d)", htlc.ErrInvalidTimelockOrdering, dst.WithdrawAfter, src.WithdrawAfter)
	case dst.CancelAfter+seconds(buffer) > src.CancelAfter:
		return fmt.Errorf("%w: destination cancel %d plus buffer %s exceeds source cancel %d", htlc.ErrInvalidTimelockOrdering, dst.CancelAfter, buffer, src.CancelAfter)
	}
	return nil
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }
