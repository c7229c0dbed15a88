package mandate

import (
	"math/big"
	"time"

	"agentpay/amount"
)

// Proof follows the W3C VC Data Integrity shape. The algorithm choice is
// carried in ProofType.
type Proof struct {
	ProofType          string    `json:"proof_type"`
	VerificationMethod string    `json:"verification_method"`
	ProofValue         string    `json:"proof_value"`
	Created            time.Time `json:"created"`
}

// Supported proof algorithms.
const (
	AlgorithmEd25519   = "Ed25519"
	AlgorithmSecp256k1 = "EcdsaSecp256k1"
)

// Intent declares what an agent may request.
type Intent struct {
	MandateID             string    `json:"mandate_id"`
	Subject               string    `json:"subject"`
	Issuer                string    `json:"issuer"`
	Scope                 []string  `json:"scope"`
	AuthorizedAmountMinor *big.Int  `json:"authorized_amount_minor"`
	ExpiresAt             time.Time `json:"expires_at"`
	Nonce                 string    `json:"nonce"`
	Proof                 Proof     `json:"proof"`
}

// LineItem is a single merchant cart line.
type LineItem struct {
	SKU      string        `json:"sku"`
	Name     string        `json:"name"`
	Quantity int           `json:"quantity"`
	Price    amount.Amount `json:"price"`
}

// Discount reduces a cart subtotal.
type Discount struct {
	Code   string        `json:"code"`
	Amount amount.Amount `json:"amount"`
}

// Cart is the merchant's offer bound into the mandate chain.
type Cart struct {
	MandateID      string        `json:"mandate_id"`
	CheckoutID     string        `json:"checkout_id"`
	Subject        string        `json:"subject"`
	MerchantID     string        `json:"merchant_id"`
	MerchantDomain string        `json:"merchant_domain"`
	LineItems      []LineItem    `json:"line_items"`
	Currency       string        `json:"currency"`
	Subtotal       amount.Amount `json:"subtotal"`
	Taxes          amount.Amount `json:"taxes"`
	Shipping       amount.Amount `json:"shipping"`
	Discounts      []Discount    `json:"discounts"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Nonce          string        `json:"nonce"`
	Proof          Proof         `json:"proof"`
}

// Payment instructs the platform to settle. AuditHash binds the three
// mandates together.
type Payment struct {
	MandateID   string    `json:"mandate_id"`
	Subject     string    `json:"subject"`
	Chain       string    `json:"chain"`
	Token       string    `json:"token"`
	AmountMinor *big.Int  `json:"amount_minor"`
	Destination string    `json:"destination"`
	AuditHash   string    `json:"audit_hash"`
	ExpiresAt   time.Time `json:"expires_at"`
	Nonce       string    `json:"nonce"`
	Proof       Proof     `json:"proof"`
}

// Chain bundles the three single-use mandates that authorize one payment.
type Chain struct {
	Intent  *Intent  `json:"intent"`
	Cart    *Cart    `json:"cart"`
	Payment *Payment `json:"payment"`
}
