package orders

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"htlcswap/core/principal"
)

func testSchemes(chain string) (principal.Scheme, bool) {
	switch chain {
	case "eth":
		return principal.EVM{}, true
	case "ledger":
		return principal.Opaque{}, true
	}
	return nil, false
}

func validOrder() Order {
	return Order{
		Salt:         "1",
		Maker:        "0x00000000000000000000000000000000000000aa",
		Receiver:     "alice",
		MakerAsset:   "0x00000000000000000000000000000000000000bb",
		TakerAsset:   "ICP",
		MakingAmount: "100",
		TakingAmount: "250",
		SrcChain:     "eth",
		DstChain:     "ledger",
	}
}

func TestValidateNormalisesPrincipals(t *testing.T) {
	o := validOrder()
	if err := o.Validate(time.Unix(0, 0), testSchemes); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if o.Maker != common.HexToAddress(validOrder().Maker).Hex() {
		t.Fatalf("maker not checksummed: %s", o.Maker)
	}
}

func TestValidateRejects(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	cases := map[string]func(*Order){
		"salt":        func(o *Order) { o.Salt = "" },
		"same chain":  func(o *Order) { o.DstChain = "eth" },
		"unknown":     func(o *Order) { o.DstChain = "btc" },
		"maker":       func(o *Order) { o.Maker = "nope" },
		"receiver":    func(o *Order) { o.Receiver = " " },
		"asset":       func(o *Order) { o.TakerAsset = "" },
		"zero amount": func(o *Order) { o.MakingAmount = "0" },
		"bad amount":  func(o *Order) { o.TakingAmount = "1.5" },
		"far expiry":  func(o *Order) { o.Expiration = now.Add(MaxLifetime + time.Hour).Unix() },
	}
	for name, mutate := range cases {
		o := validOrder()
		mutate(&o)
		if err := o.Validate(now, testSchemes); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("%s: expected invalid order, got %v", name, err)
		}
	}
	o := validOrder()
	o.Expiration = now.Unix()
	if err := o.Validate(now, testSchemes); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestHashCoversTerms(t *testing.T) {
	a := validOrder()
	b := validOrder()
	if a.Hash() != b.Hash() {
		t.Fatalf("hash not deterministic")
	}
	if !strings.HasPrefix(a.Hash(), "0x") || len(a.Hash()) != 66 {
		t.Fatalf("unexpected hash format %s", a.Hash())
	}
	b.TakingAmount = "251"
	if a.Hash() == b.Hash() {
		t.Fatalf("hash ignores taking amount")
	}
	b = validOrder()
	b.Signature = "0xsig"
	if a.Hash() != b.Hash() {
		t.Fatalf("signature must not affect the hash")
	}
}
