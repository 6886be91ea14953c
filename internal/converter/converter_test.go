package converter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BatchSettle/internal/custody"
	"BatchSettle/internal/model"
)

var assets = model.Assets{Base: "3CRV", Composite: "BTR"}

func TestParseRate(t *testing.T) {
	r, err := ParseRate("1/100")
	require.NoError(t, err)
	assert.Equal(t, model.NewAmount(1), r.Num)
	assert.Equal(t, model.NewAmount(100), r.Den)

	r, err = ParseRate("95")
	require.NoError(t, err)
	assert.Equal(t, model.NewAmount(95), r.Num)
	assert.Equal(t, model.NewAmount(1), r.Den)

	_, err = ParseRate("1/0")
	assert.Error(t, err)
	_, err = ParseRate("abc")
	assert.Error(t, err)
}

func TestFixedSettlesInCustody(t *testing.T) {
	ctx := context.Background()
	bank := custody.NewBank(nil)
	require.NoError(t, bank.Mint("3CRV", custody.Account, model.NewAmount(10000)))

	conv := NewFixed(assets, map[model.BatchKind]Rate{
		model.Mint: {Num: model.NewAmount(1), Den: model.NewAmount(100)},
	}, bank)

	out, err := conv.Convert(ctx, model.Mint, model.NewAmount(10000))
	require.NoError(t, err)
	assert.Equal(t, model.NewAmount(100), out)

	btr, _ := bank.BalanceOf(ctx, "BTR", custody.Account)
	assert.Equal(t, model.NewAmount(100), btr)
	crv, _ := bank.BalanceOf(ctx, "3CRV", custody.Account)
	assert.True(t, crv.IsZero())

	_, err = conv.Convert(ctx, model.Redeem, model.NewAmount(1))
	assert.Error(t, err, "no redeem rate")
	_, err = conv.Convert(ctx, model.Mint, model.NewAmount(99))
	assert.Error(t, err, "output rounds to zero")
}

func TestHTTPConvert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/convert", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req convertRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Kind == model.Redeem {
			_ = json.NewEncoder(w).Encode(convertResponse{Error: "redeem disabled"})
			return
		}
		out, _ := req.Amount.MulDiv(model.NewAmount(2), model.NewAmount(1))
		_ = json.NewEncoder(w).Encode(convertResponse{Amount: out})
	}))
	defer srv.Close()

	conv := NewHTTP(srv.URL, "secret", "")
	out, err := conv.Convert(context.Background(), model.Mint, model.NewAmount(21))
	require.NoError(t, err)
	assert.Equal(t, model.NewAmount(42), out)

	_, err = conv.Convert(context.Background(), model.Redeem, model.NewAmount(21))
	assert.ErrorContains(t, err, "redeem disabled")
}

func TestHTTPConvertStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, "", "").Convert(context.Background(), model.Mint, model.NewAmount(1))
	assert.ErrorContains(t, err, "status 503")
}

func TestSettledMirrorsRemoteConversion(t *testing.T) {
	ctx := context.Background()
	bank := custody.NewBank(nil)
	require.NoError(t, bank.Mint("3CRV", custody.Account, model.NewAmount(500)))

	remote := Func(func(context.Context, model.BatchKind, model.Amount) (model.Amount, error) {
		return model.NewAmount(5), nil
	})
	out, err := Settled(remote, assets, bank).Convert(ctx, model.Mint, model.NewAmount(500))
	require.NoError(t, err)
	assert.Equal(t, model.NewAmount(5), out)
	btr, _ := bank.BalanceOf(ctx, "BTR", custody.Account)
	assert.Equal(t, model.NewAmount(5), btr)

	_, err = Settled(remote, assets, bank).Convert(ctx, model.Mint, model.NewAmount(500))
	assert.Error(t, err, "custody no longer holds the supplied funds")
}
