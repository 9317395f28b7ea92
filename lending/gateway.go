/*
gateway.go - Payment gateway request signing

The gateway accepts a form carrying the amount, zero-valued tax/service/
delivery charges, the total, the correlation token and a merchant product
code, signed as:

  message   = "total_amount=<total>,transaction_uuid=<token>,product_code=<code>"
  signature = Base64(HMAC-SHA256(secret, message))

signed_field_names lists the signed fields in that order. The format must
match byte for byte or the gateway rejects the request.
*/
package lending

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/shopspring/decimal"
)

const SignedFieldNames = "total_amount,transaction_uuid,product_code"

// Gateway holds merchant settings for the external payment gateway.
type Gateway struct {
	Endpoint    string
	ProductCode string
	SecretKey   string
	SuccessURL  string
	FailureURL  string
}

// PaymentRequest is the form relayed to the gateway.
type PaymentRequest struct {
	Endpoint              string `json:"endpoint,omitempty"`
	Amount                string `json:"amount"`
	TaxAmount             string `json:"tax_amount"`
	ProductServiceCharge  string `json:"product_service_charge"`
	ProductDeliveryCharge string `json:"product_delivery_charge"`
	TotalAmount           string `json:"total_amount"`
	TransactionUUID       string `json:"transaction_uuid"`
	ProductCode           string `json:"product_code"`
	SuccessURL            string `json:"success_url"`
	FailureURL            string `json:"failure_url"`
	SignedFieldNames      string `json:"signed_field_names"`
	Signature             string `json:"signature"`
}

// NewPaymentRequest builds a signed request for amount under token.
func (g Gateway) NewPaymentRequest(amount decimal.Decimal, token string) PaymentRequest {
	total := Round2(amount).String()
	return PaymentRequest{
		Endpoint:              g.Endpoint,
		Amount:                total,
		TaxAmount:             "0",
		ProductServiceCharge:  "0",
		ProductDeliveryCharge: "0",
		TotalAmount:           total,
		TransactionUUID:       token,
		ProductCode:           g.ProductCode,
		SuccessURL:            g.SuccessURL,
		FailureURL:            g.FailureURL,
		SignedFieldNames:      SignedFieldNames,
		Signature:             g.Sign(total, token),
	}
}

// SignatureMessage returns the exact string that is signed.
func (g Gateway) SignatureMessage(totalAmount, token string) string {
	return fmt.Sprintf("total_amount=%s,transaction_uuid=%s,product_code=%s", totalAmount, token, g.ProductCode)
}

func (g Gateway) Sign(totalAmount, token string) string {
	mac := hmac.New(sha256.New, []byte(g.SecretKey))
	mac.Write([]byte(g.SignatureMessage(totalAmount, token)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time.
func (g Gateway) Verify(totalAmount, token, signature string) bool {
	return hmac.Equal([]byte(g.Sign(totalAmount, token)), []byte(signature))
}
