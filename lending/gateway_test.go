package lending_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/loan-ledger/lending"
)

func testGateway() lending.Gateway {
	return lending.Gateway{
		Endpoint:    "https://rc-epay.esewa.com.np/api/epay/main/v2/form",
		ProductCode: "EPAYTEST",
		SecretKey:   "8gBm/:&EnhH.1/q",
		SuccessURL:  "http://localhost:8080/api/payments/success",
		FailureURL:  "http://localhost:8080/api/payments/failure",
	}
}

func TestGateway_SignatureMessage(t *testing.T) {
	g := testGateway()

	assert.Equal(t,
		"total_amount=100,transaction_uuid=11-201-13,product_code=EPAYTEST",
		g.SignatureMessage("100", "11-201-13"))
}

func TestGateway_Sign(t *testing.T) {
	g := testGateway()

	assert.Equal(t, "5DZywcrTKD0gia/rsSMcrRHmJl+4Tbol6S+lWgdJ94E=", g.Sign("100", "11-201-13"))
	assert.True(t, g.Verify("100", "11-201-13", "5DZywcrTKD0gia/rsSMcrRHmJl+4Tbol6S+lWgdJ94E="))
	assert.False(t, g.Verify("101", "11-201-13", "5DZywcrTKD0gia/rsSMcrRHmJl+4Tbol6S+lWgdJ94E="))
}

func TestGateway_NewPaymentRequest(t *testing.T) {
	g := testGateway()

	req := g.NewPaymentRequest(dec("11200.00"), "tok-1")

	assert.Equal(t, "11200", req.Amount)
	assert.Equal(t, "11200", req.TotalAmount)
	assert.Equal(t, "0", req.TaxAmount)
	assert.Equal(t, "0", req.ProductServiceCharge)
	assert.Equal(t, "0", req.ProductDeliveryCharge)
	assert.Equal(t, "tok-1", req.TransactionUUID)
	assert.Equal(t, "EPAYTEST", req.ProductCode)
	assert.Equal(t, lending.SignedFieldNames, req.SignedFieldNames)
	assert.Equal(t, "Fo/5P5KPkq1Uz0Xdp1OLTwlcW9atZ3AgR5ETYjXCtk0=", req.Signature)
	assert.Equal(t, g.SuccessURL, req.SuccessURL)
}
