package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

// Drives the full settlement scenario from the shared conformance
// fixture so every implementation of this service settles the same
// numbers.
func TestSettlementConformanceVector(t *testing.T) {
	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", "..", "..", ".."))
	fixturePath := filepath.Join(root, "conformance", "cases", "settlement_happy_path_v1.json")
	raw, err := os.ReadFile(fixturePath)
	if err != nil {
		t.Fatalf("ReadFile fixture: %v", err)
	}
	var fc struct {
		ChainID uint64 `json:"chain_id"`
		Issue   struct {
			Amount               uint32 `json:"amount"`
			Price                uint32 `json:"price"`
			ProjectType          string `json:"project_type"`
			VerificationPreimage string `json:"verification_preimage"`
		} `json:"issue"`
		Deposit uint64 `json:"deposit"`
		Order   struct {
			Amount   uint32 `json:"amount"`
			MaxPrice uint32 `json:"max_price"`
		} `json:"order"`
		Expected struct {
			OrderTotalValue     uint64 `json:"order_total_value"`
			BuyerTokenBalance   uint64 `json:"buyer_token_balance"`
			BuyerCreditBalance  uint64 `json:"buyer_credit_balance"`
			SellerTokenBalance  uint64 `json:"seller_token_balance"`
			SellerCreditBalance uint64 `json:"seller_credit_balance"`
			TotalCredits        int64  `json:"total_credits"`
			TotalOrders         int64  `json:"total_orders"`
		} `json:"expected"`
	}
	if err := json.Unmarshal(raw, &fc); err != nil {
		t.Fatalf("Unmarshal fixture: %v", err)
	}
	if fc.ChainID != testChainID {
		t.Fatalf("fixture chain id %d does not match test provider %d", fc.ChainID, testChainID)
	}

	fx := newFixture(t)
	ctx := context.Background()
	seller := fx.owner
	buyer := newActor(t)
	fx.register(t, seller)
	fx.register(t, buyer)

	hash := crypto.Keccak256Hash([]byte(fc.Issue.VerificationPreimage))
	credit, err := fx.engine.IssueCredits(ctx, seller.addr, fc.Issue.Amount, fc.Issue.Price, fc.Issue.ProjectType, hash)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := fx.engine.DepositTokens(ctx, buyer.addr, fc.Deposit); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	order, err := fx.engine.CreateBuyOrder(ctx, buyer.addr, credit.ID, fc.Order.Amount, fc.Order.MaxPrice)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if got := fx.decrypt(t, buyer, order.TotalValue); got != fc.Expected.OrderTotalValue {
		t.Fatalf("order total value = %d, want %d", got, fc.Expected.OrderTotalValue)
	}
	if _, err := fx.engine.ExecuteTrade(ctx, seller.addr, order.ID); err != nil {
		t.Fatalf("execute trade: %v", err)
	}

	buyerBal, err := fx.engine.MyBalances(ctx, buyer.addr)
	if err != nil {
		t.Fatalf("buyer balances: %v", err)
	}
	sellerBal, err := fx.engine.MyBalances(ctx, seller.addr)
	if err != nil {
		t.Fatalf("seller balances: %v", err)
	}
	checks := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"buyer token balance", fx.decrypt(t, buyer, buyerBal.TokenBalance), fc.Expected.BuyerTokenBalance},
		{"buyer credit balance", fx.decrypt(t, buyer, buyerBal.CreditBalance), fc.Expected.BuyerCreditBalance},
		{"seller token balance", fx.decrypt(t, seller, sellerBal.TokenBalance), fc.Expected.SellerTokenBalance},
		{"seller credit balance", fx.decrypt(t, seller, sellerBal.CreditBalance), fc.Expected.SellerCreditBalance},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	stats, err := fx.engine.SystemStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalCredits != fc.Expected.TotalCredits || stats.TotalOrders != fc.Expected.TotalOrders {
		t.Fatalf("stats = %+v, want %d credits %d orders", stats, fc.Expected.TotalCredits, fc.Expected.TotalOrders)
	}
}
