package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/landtrust/internal/escrow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testSecret       = "gw_test_secret"
	testStripeSecret = "whsec_test"
)

type fakeReporter struct {
	calls []Callback
	err   error
}

func (f *fakeReporter) record(kind Kind, txID, ref string, amount int64) (*escrow.Transaction, error) {
	f.calls = append(f.calls, Callback{Kind: kind, TransactionID: txID, ProviderRef: ref, AmountMinor: amount})
	if f.err != nil {
		return nil, f.err
	}
	return &escrow.Transaction{ID: txID, Status: escrow.StatusFunded}, nil
}

func (f *fakeReporter) ReportFunding(_ context.Context, txID, ref string, amount int64) (*escrow.Transaction, error) {
	return f.record(KindFunding, txID, ref, amount)
}

func (f *fakeReporter) ReportPayout(_ context.Context, txID, ref string, amount int64) (*escrow.Transaction, error) {
	return f.record(KindPayout, txID, ref, amount)
}

func (f *fakeReporter) ReportRefund(_ context.Context, txID, ref string, amount int64) (*escrow.Transaction, error) {
	return f.record(KindRefund, txID, ref, amount)
}

func newRouter(r Reporter) *gin.Engine {
	engine := gin.New()
	NewHandler(r, testSecret, testStripeSecret, slog.New(slog.NewTextHandler(io.Discard, nil))).
		RegisterRoutes(engine.Group("/v1"))
	return engine
}

func signedCallback(t *testing.T, cb Callback, secret string, ts time.Time) *http.Request {
	t.Helper()
	body, err := json.Marshal(cb)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/gateway/callbacks", bytes.NewReader(body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(body, secret, ts))
	return req
}

func TestApply(t *testing.T) {
	r := &fakeReporter{}
	ctx := context.Background()
	for _, kind := range []Kind{KindFunding, KindPayout, KindRefund} {
		_, err := Apply(ctx, r, Callback{Kind: kind, TransactionID: "tx_1", ProviderRef: "ref_" + string(kind), AmountMinor: 10})
		require.NoError(t, err)
	}
	require.Len(t, r.calls, 3)
	assert.Equal(t, KindRefund, r.calls[2].Kind)

	_, err := Apply(ctx, r, Callback{Kind: "chargeback", TransactionID: "tx_1", ProviderRef: "x", AmountMinor: 1})
	assert.ErrorIs(t, err, escrow.ErrValidation)
	_, err = Apply(ctx, r, Callback{Kind: KindFunding, AmountMinor: 1})
	assert.ErrorIs(t, err, escrow.ErrValidation)
	_, err = Apply(ctx, r, Callback{Kind: KindFunding, TransactionID: "tx_1", ProviderRef: "x"})
	assert.ErrorIs(t, err, escrow.ErrValidation)
	assert.Len(t, r.calls, 3)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"kind":"funding"}`)
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := Sign(body, testSecret, now)

	assert.NoError(t, VerifySignature(body, testSecret, ts, sig, now, DefaultTolerance))
	assert.ErrorIs(t, VerifySignature(body, "other", ts, sig, now, DefaultTolerance), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature([]byte(`{}`), testSecret, ts, sig, now, DefaultTolerance), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(body, testSecret, "", sig, now, DefaultTolerance), ErrMissingSignature)
	assert.ErrorIs(t, VerifySignature(body, testSecret, ts, sig, now.Add(time.Hour), DefaultTolerance), ErrStaleTimestamp)
}

func TestHandleCallback(t *testing.T) {
	cb := Callback{Kind: KindFunding, TransactionID: "tx_1", ProviderRef: "pi_1", AmountMinor: 50_000}

	t.Run("applies signed callback", func(t *testing.T) {
		r := &fakeReporter{}
		w := httptest.NewRecorder()
		newRouter(r).ServeHTTP(w, signedCallback(t, cb, testSecret, time.Now()))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, []Callback{cb}, r.calls)
	})

	t.Run("rejects bad signature", func(t *testing.T) {
		r := &fakeReporter{}
		w := httptest.NewRecorder()
		newRouter(r).ServeHTTP(w, signedCallback(t, cb, "wrong", time.Now()))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, r.calls)
	})

	t.Run("rejects replayed old callback", func(t *testing.T) {
		r := &fakeReporter{}
		w := httptest.NewRecorder()
		newRouter(r).ServeHTTP(w, signedCallback(t, cb, testSecret, time.Now().Add(-time.Hour)))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, r.calls)
	})

	errCases := []struct {
		name string
		err  error
		want int
	}{
		{"mismatch", &escrow.MismatchError{TransactionID: "tx_1", Expected: 50_000, Got: 49_000}, http.StatusUnprocessableEntity},
		{"invalid state", &escrow.TransitionError{Entity: "transaction", ID: "tx_1"}, http.StatusConflict},
		{"not found", fmt.Errorf("%w: transaction tx_1", escrow.ErrNotFound), http.StatusNotFound},
		{"store down", fmt.Errorf("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			newRouter(&fakeReporter{err: tc.err}).ServeHTTP(w, signedCallback(t, cb, testSecret, time.Now()))
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func stripeRequest(t *testing.T, typ stripe.EventType, object any, secret string) *http.Request {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	payload, err := json.Marshal(&stripe.Event{
		ID:         "evt_test",
		Object:     "event",
		Type:       typ,
		APIVersion: stripe.APIVersion,
		Data:       &stripe.EventData{Raw: raw},
	})
	require.NoError(t, err)

	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	req := httptest.NewRequest(http.MethodPost, "/v1/gateway/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return req
}

func TestHandleStripe(t *testing.T) {
	meta := map[string]string{MetadataTransactionID: "tx_7"}
	tests := []struct {
		name   string
		typ    stripe.EventType
		object any
		want   *Callback
	}{
		{
			name:   "payment intent funds escrow",
			typ:    stripe.EventTypePaymentIntentSucceeded,
			object: &stripe.PaymentIntent{ID: "pi_7", AmountReceived: 50_000, Metadata: meta},
			want:   &Callback{Kind: KindFunding, TransactionID: "tx_7", ProviderRef: "pi_7", AmountMinor: 50_000},
		},
		{
			name:   "transfer pays the seller",
			typ:    stripe.EventTypeTransferCreated,
			object: &stripe.Transfer{ID: "tr_7", Amount: 30_000, Metadata: meta},
			want:   &Callback{Kind: KindPayout, TransactionID: "tx_7", ProviderRef: "tr_7", AmountMinor: 30_000},
		},
		{
			name:   "refunded charge refunds the buyer",
			typ:    stripe.EventTypeChargeRefunded,
			object: &stripe.Charge{ID: "ch_7", AmountRefunded: 20_000, Metadata: meta},
			want:   &Callback{Kind: KindRefund, TransactionID: "tx_7", ProviderRef: "ch_7", AmountMinor: 20_000},
		},
		{
			name:   "unrelated events are acknowledged",
			typ:    stripe.EventTypeCustomerCreated,
			object: &stripe.Customer{ID: "cus_1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeReporter{}
			w := httptest.NewRecorder()
			newRouter(r).ServeHTTP(w, stripeRequest(t, tt.typ, tt.object, testStripeSecret))
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			if tt.want == nil {
				assert.Empty(t, r.calls)
				return
			}
			assert.Equal(t, []Callback{*tt.want}, r.calls)
		})
	}

	t.Run("bad signature", func(t *testing.T) {
		r := &fakeReporter{}
		w := httptest.NewRecorder()
		newRouter(r).ServeHTTP(w, stripeRequest(t, stripe.EventTypePaymentIntentSucceeded,
			&stripe.PaymentIntent{ID: "pi_x", AmountReceived: 1, Metadata: meta}, "whsec_wrong"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, r.calls)
	})
}

func TestRoutesDisabledWithoutSecrets(t *testing.T) {
	engine := gin.New()
	NewHandler(&fakeReporter{}, "", "", slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(engine.Group("/v1"))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/gateway/callbacks", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
