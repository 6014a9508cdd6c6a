// Package orders holds the signed maker intents the coordinator services.
// Signature validity is established by the matcher that hands orders over;
// this package only checks that the terms are well formed.
package orders

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"htlcswap/core/principal"
)

// MaxLifetime bounds how far in the future an order may expire.
const MaxLifetime = 30 * 24 * time.Hour

var (
	ErrInvalidOrder = errors.New("orders: invalid order")
	ErrExpired      = errors.New("orders: order expired")
)

// Order is a maker intent to sell MakingAmount of MakerAsset on SrcChain for
// TakingAmount of TakerAsset delivered to Receiver on DstChain.
type Order struct {
	Salt         string `json:"salt" yaml:"salt"`
	Maker        string `json:"maker" yaml:"maker"`
	Receiver     string `json:"receiver" yaml:"receiver"`
	MakerAsset   string `json:"makerAsset" yaml:"maker_asset"`
	TakerAsset   string `json:"takerAsset" yaml:"taker_asset"`
	MakingAmount string `json:"makingAmount" yaml:"making_amount"`
	TakingAmount string `json:"takingAmount" yaml:"taking_amount"`
	SrcChain     string `json:"srcChain" yaml:"src_chain"`
	DstChain     string `json:"dstChain" yaml:"dst_chain"`
	// Expiration is a unix timestamp; zero means the order does not expire.
	Expiration int64  `json:"expiration,omitempty" yaml:"expiration"`
	Signature  string `json:"signature,omitempty" yaml:"signature"`
}

// Schemes resolves the principal scheme of a chain.
type Schemes func(chain string) (principal.Scheme, bool)

// Validate checks the order terms at now. Principals are normalised in place
// so that the hash is computed over canonical values.
func (o *Order) Validate(now time.Time, schemes Schemes) error {
	if o == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	}
	if strings.TrimSpace(o.Salt) == "" {
		return fmt.Errorf("%w: salt required", ErrInvalidOrder)
	}
	o.SrcChain = strings.TrimSpace(o.SrcChain)
	o.DstChain = strings.TrimSpace(o.DstChain)
	if o.SrcChain == "" || o.DstChain == "" {
		return fmt.Errorf("%w: source and destination chains required", ErrInvalidOrder)
	}
	if o.SrcChain == o.DstChain {
		return fmt.Errorf("%w: source and destination chains must differ", ErrInvalidOrder)
	}
	srcScheme, ok := schemes(o.SrcChain)
	if !ok {
		return fmt.Errorf("%w: unknown chain %s", ErrInvalidOrder, o.SrcChain)
	}
	dstScheme, ok := schemes(o.DstChain)
	if !ok {
		return fmt.Errorf("%w: unknown chain %s", ErrInvalidOrder, o.DstChain)
	}
	var err error
	if o.Maker, err = srcScheme.Normalize(o.Maker); err != nil {
		return fmt.Errorf("%w: maker: %v", ErrInvalidOrder, err)
	}
	if o.Receiver, err = dstScheme.Normalize(o.Receiver); err != nil {
		return fmt.Errorf("%w: receiver: %v", ErrInvalidOrder, err)
	}
	o.MakerAsset = strings.TrimSpace(o.MakerAsset)
	o.TakerAsset = strings.TrimSpace(o.TakerAsset)
	if o.MakerAsset == "" || o.TakerAsset == "" {
		return fmt.Errorf("%w: assets required", ErrInvalidOrder)
	}
	if _, err := o.Making(); err != nil {
		return err
	}
	if _, err := o.Taking(); err != nil {
		return err
	}
	if o.Expiration != 0 {
		if o.Expiration <= now.Unix() {
			return fmt.Errorf("%w: at %d", ErrExpired, o.Expiration)
		}
		if o.Expiration > now.Add(MaxLifetime).Unix() {
			return fmt.Errorf("%w: expiration too far in the future", ErrInvalidOrder)
		}
	}
	return nil
}

// Making parses MakingAmount.
func (o *Order) Making() (*big.Int, error) { return parseAmount("making", o.MakingAmount) }

// Taking parses TakingAmount.
func (o *Order) Taking() (*big.Int, error) { return parseAmount("taking", o.TakingAmount) }

// Hash returns the SHA-256 commitment over the order terms as 0x-prefixed hex.
func (o *Order) Hash() string {
	h := sha256.New()
	for _, field := range []string{
		o.Salt, o.Maker, o.Receiver, o.MakerAsset, o.TakerAsset,
		o.MakingAmount, o.TakingAmount, o.SrcChain, o.DstChain,
	} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(o.Expiration))
	h.Write(exp[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func parseAmount(name, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s amount %q must be a positive integer", ErrInvalidOrder, name, raw)
	}
	return v, nil
}
