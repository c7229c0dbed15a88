package mandate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"agentpay/amount"
)

// Canonical JSON rules for signed payloads: sorted keys, no insignificant
// whitespace, UTC ISO-8601 timestamps, decimal strings for all amounts.
// encoding/json sorts map keys, so payloads are built as maps and marshalled
// without indentation.

func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func canonicalBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// CanonicalIntent renders the signable form of an intent (proof excluded).
func CanonicalIntent(in *Intent) ([]byte, error) {
	if in == nil {
		return nil, fmt.Errorf("mandate: intent required")
	}
	scope := in.Scope
	if scope == nil {
		scope = []string{}
	}
	return json.Marshal(map[string]any{
		"mandate_id":              in.MandateID,
		"subject":                 in.Subject,
		"issuer":                  in.Issuer,
		"scope":                   scope,
		"authorized_amount_minor": canonicalBig(in.AuthorizedAmountMinor),
		"expires_at":              canonicalTime(in.ExpiresAt),
		"nonce":                   in.Nonce,
	})
}

// CanonicalCart renders the signable form of a cart (proof excluded).
func CanonicalCart(c *Cart) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("mandate: cart required")
	}
	items := make([]map[string]any, 0, len(c.LineItems))
	for _, item := range c.LineItems {
		items = append(items, map[string]any{
			"sku":      item.SKU,
			"name":     item.Name,
			"quantity": item.Quantity,
			"price":    amount.Canonical(item.Price),
		})
	}
	discounts := make([]map[string]any, 0, len(c.Discounts))
	for _, d := range c.Discounts {
		discounts = append(discounts, map[string]any{
			"code":   d.Code,
			"amount": amount.Canonical(d.Amount),
		})
	}
	return json.Marshal(map[string]any{
		"mandate_id":      c.MandateID,
		"checkout_id":     c.CheckoutID,
		"subject":         c.Subject,
		"merchant_id":     c.MerchantID,
		"merchant_domain": c.MerchantDomain,
		"line_items":      items,
		"currency":        c.Currency,
		"subtotal":        amount.Canonical(c.Subtotal),
		"taxes":           amount.Canonical(c.Taxes),
		"shipping":        amount.Canonical(c.Shipping),
		"discounts":       discounts,
		"expires_at":      canonicalTime(c.ExpiresAt),
		"nonce":           c.Nonce,
	})
}

// CanonicalPayment renders the signable form of a payment (proof excluded).
func CanonicalPayment(p *Payment) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("mandate: payment required")
	}
	return json.Marshal(map[string]any{
		"mandate_id":   p.MandateID,
		"subject":      p.Subject,
		"chain":        p.Chain,
		"token":        p.Token,
		"amount_minor": canonicalBig(p.AmountMinor),
		"destination":  p.Destination,
		"audit_hash":   p.AuditHash,
		"expires_at":   canonicalTime(p.ExpiresAt),
		"nonce":        p.Nonce,
	})
}

// AuditHash binds the cart, checkout, and payment instruction together:
// SHA256(cart_id | checkout_id | amount_minor | chain | token | destination).
func AuditHash(cartID, checkoutID string, amountMinor *big.Int, chain, token, destination string) string {
	payload := strings.Join([]string{
		cartID,
		checkoutID,
		canonicalBig(amountMinor),
		chain,
		token,
		destination,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
