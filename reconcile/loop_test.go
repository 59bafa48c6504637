package reconcile

import (
	"encoding/hex"
	"testing"

	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/ckb"
	"github.com/nervina-labs/ckb-bitcoin-spv-bridge/txbuilder"
)

func TestDecodeSpvTypeArgsRoundTrip(t *testing.T) {
	raw := make([]byte, 34)
	raw[0] = 0xAA
	raw[31] = 0xBB
	raw[32] = 7 // clients count
	raw[33] = 1 // flags

	args, err := decodeSpvTypeArgs("0x" + hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("decodeSpvTypeArgs: %v", err)
	}
	if args.ClientsCount != 7 {
		t.Fatalf("ClientsCount = %d, want 7", args.ClientsCount)
	}
	if args.Flags != 1 {
		t.Fatalf("Flags = %d, want 1", args.Flags)
	}
	if args.TypeID[0] != 0xAA || args.TypeID[31] != 0xBB {
		t.Fatalf("TypeID not decoded correctly: %x", args.TypeID)
	}
}

func TestDecodeSpvTypeArgsAcceptsNoPrefix(t *testing.T) {
	raw := make([]byte, 34)
	if _, err := decodeSpvTypeArgs(hex.EncodeToString(raw)); err != nil {
		t.Fatalf("decodeSpvTypeArgs without 0x prefix: %v", err)
	}
}

func TestDecodeSpvTypeArgsRejectsWrongLength(t *testing.T) {
	if _, err := decodeSpvTypeArgs("0xabcd"); err == nil {
		t.Fatalf("expected error for short args")
	}
}

func TestDecodeSpvTypeArgsRejectsInvalidHex(t *testing.T) {
	if _, err := decodeSpvTypeArgs("0xzz"); err == nil {
		t.Fatalf("expected error for invalid hex")
	}
}

func TestNewRejectsBothFeeRateModesConfigured(t *testing.T) {
	_, err := New(Config{FeeRate: 1000, DynamicFeeRate: true}, nil, nil, nil, nil, nil, txbuilder.Context{}, ckb.Script{})
	if err != ErrFeeRateConfig {
		t.Fatalf("expected ErrFeeRateConfig, got %v", err)
	}
}

func TestNewRejectsNeitherFeeRateModeConfigured(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil, txbuilder.Context{}, ckb.Script{})
	if err != ErrFeeRateConfig {
		t.Fatalf("expected ErrFeeRateConfig, got %v", err)
	}
}

func TestNewAcceptsStaticFeeRate(t *testing.T) {
	l, err := New(Config{FeeRate: 1000}, nil, nil, nil, nil, nil, txbuilder.Context{}, ckb.Script{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l == nil {
		t.Fatalf("expected a non-nil loop")
	}
}

func TestNewAcceptsDynamicFeeRate(t *testing.T) {
	l, err := New(Config{DynamicFeeRate: true, FeeRateCap: 5000}, nil, nil, nil, nil, nil, txbuilder.Context{}, ckb.Script{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l == nil {
		t.Fatalf("expected a non-nil loop")
	}
}
