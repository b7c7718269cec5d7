package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

func TestAccountKeyRoundTrip(t *testing.T) {
	k1, err := GenerateAccountKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	k2, err := AccountKeyFromHex(k1.PrivateKeyHex())
	if err != nil {
		t.Fatalf("failed to load key: %v", err)
	}
	if k1.Address() != k2.Address() {
		t.Errorf("address = %s, want %s", k2.Address().Hex(), k1.Address().Hex())
	}
}

func TestSignAndVerifyRequest(t *testing.T) {
	key, _ := GenerateAccountKey()
	p := quantum.NewOrderPayload(common.Address{}, 1, quantum.OrderRequest{
		Market: "BTC", Side: quantum.Buy, Price: decimal.NewFromInt(10), Amount: 3,
	})
	if err := key.SignRequest(&p); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if p.Request.Account != key.Address() {
		t.Fatalf("account not stamped on request")
	}
	if err := VerifyRequest(&p); err != nil {
		t.Fatalf("verify: %v", err)
	}

	p.Request.Order.Amount = 4
	if err := VerifyRequest(&p); quantum.StatusOf(err) != quantum.StatusUnauthorized {
		t.Fatalf("tampered request: got %v, want unauthorized", err)
	}
}

func TestVerifyRequestUnsigned(t *testing.T) {
	p := quantum.NewAccountCreatePayload(common.HexToAddress("0x02"), 1)
	if err := VerifyRequest(&p); quantum.StatusOf(err) != quantum.StatusUnauthorized {
		t.Fatalf("got %v, want unauthorized", err)
	}
}

func TestSignRequestRejectsSystemPayload(t *testing.T) {
	key, _ := GenerateAccountKey()
	p := quantum.NewDepositPayload(quantum.Deposit{Asset: "BTC", Amount: 1})
	if err := key.SignRequest(&p); err == nil {
		t.Fatalf("expected error signing a system payload")
	}
}

func TestNodeKeySeedIsStable(t *testing.T) {
	k1, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	k2, err := NodeKeyFromSeed(k1.SeedHex())
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if k1.NodeID() != k2.NodeID() {
		t.Fatalf("node id differs after reload: %s vs %s", k1.NodeID(), k2.NodeID())
	}
	if len(k1.NodeID()) != 64 {
		t.Errorf("node id length = %d, want 64", len(k1.NodeID()))
	}
}

func TestQuantumSignature(t *testing.T) {
	k, _ := GenerateNodeKey()
	other, _ := GenerateNodeKey()

	q := &quantum.Quantum{Payload: quantum.NewAccountCreatePayload(common.HexToAddress("0x03"), 1)}
	q.Seal(1, quantum.Hash{}, 1)
	sig := k.SignQuantum(q)

	if !VerifyQuantumSignature(q, sig) {
		t.Fatalf("valid signature rejected")
	}
	forged := quantum.NodeSignature{Signer: other.NodeID(), Signature: sig.Signature}
	if VerifyQuantumSignature(q, forged) {
		t.Fatalf("signature accepted for the wrong node")
	}
	if VerifyNodeSignature("not-hex", q.Hash[:], sig.Signature) {
		t.Fatalf("garbage node id accepted")
	}
}
