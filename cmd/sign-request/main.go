// Command sign-request signs a client request with an account key and
// prints the JSON body for POST /api/v1/requests.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/api"
	"github.com/uhyunpark/quantaledger/pkg/crypto"
)

func main() {
	keyHex := flag.String("key", "", "hex secp256k1 private key (a new key is generated when empty)")
	typ := flag.String("type", "order", "order, cancel_order, withdrawal or account_create")
	nonce := flag.Uint64("nonce", 1, "account nonce, one above the last used")
	market := flag.String("market", "BTC", "order market")
	side := flag.String("side", "buy", "order side: buy or sell")
	price := flag.String("price", "100", "order price")
	amount := flag.Int64("amount", 1, "order or withdrawal amount")
	tif := flag.String("tif", "gte", "time in force: gte or ioc")
	orderID := flag.Uint64("order", 0, "order id to cancel")
	asset := flag.String("asset", "USD", "withdrawal asset")
	dest := flag.String("dest", "", "withdrawal destination")
	flag.Parse()

	key, err := loadKey(*keyHex)
	if err != nil {
		fail("key", err)
	}
	if *keyHex == "" {
		fmt.Fprintf(os.Stderr, "generated key %s for %s (keep it secret)\n", key.PrivateKeyHex(), key.Address().Hex())
	}

	req := &api.SignedRequest{Type: *typ, Account: key.Address().Hex(), Nonce: *nonce}
	switch *typ {
	case "order":
		p, err := decimal.NewFromString(*price)
		if err != nil {
			fail("price", err)
		}
		req.Order = &api.OrderBody{Market: *market, Side: *side, Price: p, Amount: *amount, TimeInForce: *tif}
	case "cancel_order":
		req.Cancel = &api.CancelBody{OrderID: *orderID}
	case "withdrawal":
		req.Withdrawal = &api.WithdrawalBody{Asset: *asset, Amount: *amount, Destination: *dest}
	}

	payload, err := req.Payload()
	if err != nil {
		fail("request", err)
	}
	if err := key.SignRequest(&payload); err != nil {
		fail("sign", err)
	}
	if err := crypto.VerifyRequest(&payload); err != nil {
		fail("verify", err)
	}
	signed, err := api.NewSignedRequest(&payload)
	if err != nil {
		fail("encode", err)
	}

	out, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		fail("marshal", err)
	}
	fmt.Println(string(out))
}

func loadKey(hexKey string) (*crypto.AccountKey, error) {
	if hexKey == "" {
		return crypto.GenerateAccountKey()
	}
	return crypto.AccountKeyFromHex(hexKey)
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
